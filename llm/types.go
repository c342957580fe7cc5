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

// Package llm defines the AI provider capability interface and the
// per-agent failover manager that executes against a configured chain
// of providers with health tracking and automatic switching.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ProviderType identifies the type of LLM provider. Standard types are
// defined as constants, but custom types can be used for self-hosted
// providers.
type ProviderType string

const (
	// ProviderTypeOpenAI represents OpenAI's GPT models.
	ProviderTypeOpenAI ProviderType = "openai"

	// ProviderTypeAnthropic represents Anthropic's Claude models.
	ProviderTypeAnthropic ProviderType = "anthropic"

	// ProviderTypeBedrock represents AWS Bedrock managed models.
	ProviderTypeBedrock ProviderType = "bedrock"

	// ProviderTypeCustom represents a custom/third-party provider.
	ProviderTypeCustom ProviderType = "custom"
)

// Provider is the capability interface all AI providers implement.
// Implementations must be safe for concurrent use. The failover manager
// is written purely against this interface, never against a concrete
// variant.
type Provider interface {
	// Name returns the unique identifier for this provider instance,
	// e.g. "openai-primary", "anthropic-backup".
	Name() string

	// Type returns the provider type.
	Type() ProviderType

	// GenerateSQL turns a natural-language prompt plus schema context
	// into a single SQL statement.
	GenerateSQL(ctx context.Context, prompt, schemaContext string) (string, error)

	// HealthProbe issues a lightweight request and reports latency.
	HealthProbe(ctx context.Context) (time.Duration, error)
}

// ProviderConfig contains configuration for creating a provider.
type ProviderConfig struct {
	// Name is the unique identifier for this provider instance.
	Name string `json:"name"`

	// Type identifies the provider implementation to use.
	Type ProviderType `json:"type"`

	// APIKey is the authentication key for the provider API.
	// For AWS Bedrock this may be empty (uses IAM).
	APIKey string `json:"api_key,omitempty"`

	// APIKeySecretARN is the AWS Secrets Manager ARN for the API key.
	// Used instead of APIKey for production deployments.
	APIKeySecretARN string `json:"api_key_secret_arn,omitempty"`

	// Endpoint is the API endpoint URL. If empty, provider defaults apply.
	Endpoint string `json:"endpoint,omitempty"`

	// Model is the default model to use.
	Model string `json:"model,omitempty"`

	// Region is the cloud region (for AWS Bedrock).
	Region string `json:"region,omitempty"`

	// TimeoutSeconds is the request timeout (0 = provider default).
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// HealthStatus tracks the observed health of one provider in a chain.
type HealthStatus struct {
	ProviderName        string        `json:"provider_name"`
	IsHealthy           bool          `json:"is_healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastCheckTime       time.Time     `json:"last_check_time"`
	LastLatency         time.Duration `json:"last_latency"`
	LastError           string        `json:"last_error,omitempty"`
}

// FailoverConfig describes an agent's provider chain: primary first,
// then backups in order, plus the consecutive-failure threshold that
// triggers automatic switching.
type FailoverConfig struct {
	Primary   string   `json:"primary"`
	Backups   []string `json:"backups,omitempty"`
	Threshold int      `json:"consecutive_failure_threshold,omitempty"`
}

// Provider error codes.
const (
	ErrProviderRequest     = "provider_request_failed"
	ErrProviderUnreachable = "provider_unreachable"
	ErrProviderBadResponse = "provider_bad_response"
	ErrProviderAuth        = "provider_auth_failed"
)

// ProviderError represents a failure from a single provider.
type ProviderError struct {
	Provider string
	Code     string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %q error (%s): %s", e.Provider, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Attempt records one provider attempt during failover.
type Attempt struct {
	Provider string        `json:"provider"`
	Err      error         `json:"-"`
	Latency  time.Duration `json:"latency"`
}

// AllProvidersFailedError aggregates per-provider errors when every
// provider in the chain failed. Its attempt list lets callers
// distinguish "all providers down" from a single bad provider.
type AllProvidersFailedError struct {
	AgentID  string
	Attempts []Attempt
}

// Error implements the error interface.
func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return fmt.Sprintf("all %d providers failed for agent %q [%s]", len(e.Attempts), e.AgentID, strings.Join(parts, "; "))
}

// UnknownProviderError indicates a provider name outside the configured chain.
type UnknownProviderError struct {
	AgentID  string
	Provider string
}

// Error implements the error interface.
func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("provider %q is not in the configured chain for agent %q", e.Provider, e.AgentID)
}

// ExtractSQL normalizes LLM output into a bare SQL statement: markdown
// fences and a trailing semicolon are stripped, surrounding prose before
// the first keyword is dropped.
func ExtractSQL(text string) string {
	s := strings.TrimSpace(text)

	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "sql")
		s = strings.TrimPrefix(s, "SQL")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}

	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")
	return strings.TrimSpace(s)
}
