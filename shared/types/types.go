// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types

import (
	"fmt"
	"time"
)

// DatabaseEngine identifies the database engine an agent connects to.
type DatabaseEngine string

const (
	EnginePostgres DatabaseEngine = "postgres"
	EngineMySQL    DatabaseEngine = "mysql"
	EngineMongoDB  DatabaseEngine = "mongodb"
)

// IsValid checks if the engine is one of the supported engines.
func (e DatabaseEngine) IsValid() bool {
	switch e {
	case EnginePostgres, EngineMySQL, EngineMongoDB:
		return true
	default:
		return false
	}
}

// String returns the string representation of the engine.
func (e DatabaseEngine) String() string {
	return string(e)
}

// PoolingConfig controls per-agent connection pooling.
// Invalid values are rejected at validation, never silently clamped.
type PoolingConfig struct {
	MinSize     int `json:"min_size" yaml:"min_size"`
	MaxSize     int `json:"max_size" yaml:"max_size"`
	MaxOverflow int `json:"max_overflow" yaml:"max_overflow"`
}

// DefaultPoolingConfig returns the system default pooling configuration.
func DefaultPoolingConfig() PoolingConfig {
	return PoolingConfig{MinSize: 1, MaxSize: 5, MaxOverflow: 2}
}

// Validate checks the pooling invariants: 0 <= min_size <= max_size, max_overflow >= 0.
func (p PoolingConfig) Validate() error {
	if p.MinSize < 0 {
		return fmt.Errorf("pooling config: min_size must be >= 0, got %d", p.MinSize)
	}
	if p.MaxSize < p.MinSize {
		return fmt.Errorf("pooling config: max_size (%d) must be >= min_size (%d)", p.MaxSize, p.MinSize)
	}
	if p.MaxOverflow < 0 {
		return fmt.Errorf("pooling config: max_overflow must be >= 0, got %d", p.MaxOverflow)
	}
	return nil
}

// TimeoutConfig controls per-agent operation timeouts, in seconds.
type TimeoutConfig struct {
	ConnectTimeoutS int `json:"connect_timeout_s" yaml:"connect_timeout_s"`
	QueryTimeoutS   int `json:"query_timeout_s" yaml:"query_timeout_s"`
	ReadTimeoutS    int `json:"read_timeout_s" yaml:"read_timeout_s"`
	WriteTimeoutS   int `json:"write_timeout_s" yaml:"write_timeout_s"`
}

// DefaultTimeoutConfig returns the system default timeout configuration.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{ConnectTimeoutS: 5, QueryTimeoutS: 30, ReadTimeoutS: 30, WriteTimeoutS: 30}
}

// Validate checks that every timeout is strictly positive.
func (t TimeoutConfig) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{"connect_timeout_s", t.ConnectTimeoutS},
		{"query_timeout_s", t.QueryTimeoutS},
		{"read_timeout_s", t.ReadTimeoutS},
		{"write_timeout_s", t.WriteTimeoutS},
	}
	for _, c := range checks {
		if c.value <= 0 {
			return fmt.Errorf("timeout config: %s must be > 0, got %d", c.name, c.value)
		}
	}
	return nil
}

// ConnectTimeout returns the connect timeout as a duration.
func (t TimeoutConfig) ConnectTimeout() time.Duration {
	return time.Duration(t.ConnectTimeoutS) * time.Second
}

// QueryTimeout returns the query timeout as a duration.
func (t TimeoutConfig) QueryTimeout() time.Duration {
	return time.Duration(t.QueryTimeoutS) * time.Second
}

// DatabaseConfig is the decrypted connection bundle for an agent.
// At rest this struct is stored encrypted by the credential vault.
type DatabaseConfig struct {
	Engine   DatabaseEngine `json:"engine"`
	Host     string         `json:"host"`
	Port     int            `json:"port"`
	Database string         `json:"database"`
	Username string         `json:"username"`
	Password string         `json:"password"`
	SSLMode  string         `json:"ssl_mode,omitempty"`
	Pooling  PoolingConfig  `json:"pooling"`
	Timeouts TimeoutConfig  `json:"timeouts"`
}

// Validate checks the database config including nested pooling/timeout invariants.
func (d DatabaseConfig) Validate() error {
	if !d.Engine.IsValid() {
		return fmt.Errorf("database config: unsupported engine %q", d.Engine)
	}
	if d.Host == "" {
		return fmt.Errorf("database config: host is required")
	}
	if err := d.Pooling.Validate(); err != nil {
		return err
	}
	return d.Timeouts.Validate()
}

// Action is a permitted operation on a resource.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

// PermissionSet maps resource names to the actions an agent may perform on them.
// The wildcard resource "*" applies to every resource.
type PermissionSet map[string][]Action

// Allows reports whether the set grants the given action on the resource.
func (p PermissionSet) Allows(resource string, action Action) bool {
	for _, scope := range []string{resource, "*"} {
		for _, a := range p[scope] {
			if a == action || a == ActionAdmin {
				return true
			}
		}
	}
	return false
}

// Agent is a registered client identity with its own database connection,
// AI provider configuration, and permission set.
//
// EncryptedDatabaseConfig and EncryptedProviderConfig hold vault ciphertext;
// the registry decrypts them on demand. Agents are never hard-deleted while
// referenced by audit history - Disabled soft-disables them instead.
type Agent struct {
	ID                      string        `json:"agent_id"`
	Name                    string        `json:"name"`
	EncryptedDatabaseConfig string        `json:"database_config"`
	EncryptedProviderConfig string        `json:"provider_config"`
	Permissions             PermissionSet `json:"permissions"`
	CacheTTLSeconds         int           `json:"cache_ttl_seconds,omitempty"`
	Disabled                bool          `json:"disabled"`
	CreatedAt               time.Time     `json:"created_at"`
	UpdatedAt               time.Time     `json:"updated_at"`
}
