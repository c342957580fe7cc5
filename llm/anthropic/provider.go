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

// Package anthropic provides an AI provider implementation for
// Anthropic's Claude models over the Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vpakspace/universal-agent-connector-sub000/llm"
)

const (
	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the Anthropic API version header value.
	DefaultAPIVersion = "2023-06-01"

	// DefaultModel is the default Claude model for SQL generation.
	DefaultModel = "claude-3-5-sonnet-20241022"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 60 * time.Second

	// sqlSystemPrompt constrains the model to emit a single SQL statement.
	sqlSystemPrompt = "You translate natural-language questions into a single SQL statement " +
		"for the schema provided. Respond with only the SQL statement, no explanation."
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider for Anthropic Claude.
type Provider struct {
	name       string
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	client     HTTPClient
}

// Config contains configuration for the Anthropic provider.
type Config struct {
	Name    string        // Instance name, e.g. "anthropic-backup"
	APIKey  string        // Required: Anthropic API key
	BaseURL string        // Optional: API base URL
	Model   string        // Optional: model override
	Timeout time.Duration // Optional: HTTP timeout
	Client  HTTPClient    // Optional: custom HTTP client (tests)
}

// NewProvider creates a new Anthropic provider instance.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Provider{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		apiVersion: DefaultAPIVersion,
		model:      cfg.Model,
		client:     client,
	}, nil
}

// Name returns the provider instance name.
func (p *Provider) Name() string { return p.name }

// Type returns the provider type.
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeAnthropic }

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// GenerateSQL asks Claude to translate a natural-language prompt plus
// schema context into a single SQL statement.
func (p *Provider) GenerateSQL(ctx context.Context, prompt, schemaContext string) (string, error) {
	userContent := prompt
	if schemaContext != "" {
		userContent = fmt.Sprintf("Schema:\n%s\n\nQuestion: %s", schemaContext, prompt)
	}

	body, err := json.Marshal(messagesRequest{
		Model:     p.model,
		MaxTokens: 1024,
		System:    sqlSystemPrompt,
		Messages:  []message{{Role: "user", Content: userContent}},
	})
	if err != nil {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderRequest, Message: "failed to encode request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderRequest, Message: "failed to build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.apiVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderUnreachable, Message: "request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderBadResponse, Message: "failed to read response", Cause: err}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderAuth, Message: fmt.Sprintf("authentication failed (status %d)", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderRequest, Message: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, truncate(raw, 200))}
	}

	var parsed messagesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderBadResponse, Message: "failed to parse response", Cause: err}
	}
	if parsed.Error != nil {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderRequest, Message: parsed.Error.Message}
	}
	if len(parsed.Content) == 0 {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderBadResponse, Message: "empty completion"}
	}

	return llm.ExtractSQL(parsed.Content[0].Text), nil
}

// HealthProbe lists models as a lightweight connectivity and auth check.
func (p *Provider) HealthProbe(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models?limit=1", nil)
	if err != nil {
		return 0, &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderRequest, Message: "failed to build probe", Cause: err}
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.apiVersion)

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return latency, &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderUnreachable, Message: "probe failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return latency, &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderRequest, Message: fmt.Sprintf("probe returned status %d", resp.StatusCode)}
	}
	return latency, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
