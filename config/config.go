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

// Package config loads the gateway's process configuration from a
// YAML file, with ${VAR} environment expansion so secrets never live
// in the file itself.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root process configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	Vault    VaultConfig    `yaml:"vault"`
	Cache    CacheConfig    `yaml:"cache"`
	Trace    TraceConfig    `yaml:"trace"`
	Pool     PoolConfig     `yaml:"pool"`
	Registry RegistryConfig `yaml:"registry"`
}

// VaultConfig configures the credential vault.
type VaultConfig struct {
	// MasterKey encrypts agent credentials at rest. Usually set as
	// ${VAULT_MASTER_KEY} in the file.
	MasterKey string `yaml:"master_key"`
}

// CacheConfig configures the query result cache.
type CacheConfig struct {
	// RedisURL switches the cache to the shared Redis store when set;
	// empty means the in-process memory store.
	RedisURL string `yaml:"redis_url,omitempty"`
	// DefaultTTLSeconds overrides the 5 minute system default.
	DefaultTTLSeconds int `yaml:"default_ttl_seconds,omitempty"`
	// MemoryCapacity bounds the in-memory arena.
	MemoryCapacity int `yaml:"memory_capacity,omitempty"`
	// SweepIntervalSeconds controls the expiry sweep; 0 disables it.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds,omitempty"`
}

// TraceConfig configures the trace ring buffer.
type TraceConfig struct {
	Capacity int `yaml:"capacity,omitempty"`
}

// PoolConfig configures connection pool housekeeping.
type PoolConfig struct {
	IdleTimeoutSeconds     int `yaml:"idle_timeout_seconds,omitempty"`
	ReclaimIntervalSeconds int `yaml:"reclaim_interval_seconds,omitempty"`
}

// RegistryConfig configures agent token issuance.
type RegistryConfig struct {
	// TokenSecret signs agent JWTs. Usually ${AGENT_TOKEN_SECRET}.
	TokenSecret     string `yaml:"token_secret"`
	TokenTTLMinutes int    `yaml:"token_ttl_minutes,omitempty"`
}

// envVarRegex matches ${VAR} and ${VAR:-default} references.
var envVarRegex = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*(:-[^}]*)?\}`)

// Load reads and parses a config file, expanding environment variable
// references first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Cache.MemoryCapacity <= 0 {
		c.Cache.MemoryCapacity = 10000
	}
	if c.Trace.Capacity <= 0 {
		c.Trace.Capacity = 1000
	}
	if c.Pool.IdleTimeoutSeconds <= 0 {
		c.Pool.IdleTimeoutSeconds = 300
	}
	if c.Registry.TokenTTLMinutes <= 0 {
		c.Registry.TokenTTLMinutes = 60
	}
}

// Validate checks that required secrets are present.
func (c *Config) Validate() error {
	if c.Vault.MasterKey == "" {
		return fmt.Errorf("config: vault.master_key is required (set VAULT_MASTER_KEY)")
	}
	if c.Registry.TokenSecret == "" {
		return fmt.Errorf("config: registry.token_secret is required (set AGENT_TOKEN_SECRET)")
	}
	return nil
}

// DefaultTTL returns the configured cache default TTL, or zero when
// the system default should apply.
func (c *CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// SweepInterval returns the cache sweep interval; zero disables it.
func (c *CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// IdleTimeout returns the pool idle reclaim threshold.
func (c *PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// ReclaimInterval returns the pool reclaim cadence; zero disables it.
func (c *PoolConfig) ReclaimInterval() time.Duration {
	return time.Duration(c.ReclaimIntervalSeconds) * time.Second
}

// TokenTTL returns the agent token lifetime.
func (c *RegistryConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

// expandEnvVars expands ${VAR} references, honoring ${VAR:-default}
// fallbacks. Undefined variables without a default expand to "".
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		inner := match[2 : len(match)-1]
		name := inner
		def := ""
		if idx := strings.Index(inner, ":-"); idx >= 0 {
			name = inner[:idx]
			def = inner[idx+2:]
		}
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return def
	})
}
