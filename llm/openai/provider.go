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

// Package openai provides an AI provider implementation for OpenAI's
// chat completion models.
package openai

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
	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com"

	// DefaultModel is the default model for SQL generation.
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 60 * time.Second

	sqlSystemPrompt = "You translate natural-language questions into a single SQL statement " +
		"for the schema provided. Respond with only the SQL statement, no explanation."
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider for OpenAI.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	model   string
	client  HTTPClient
}

// Config contains configuration for the OpenAI provider.
type Config struct {
	Name    string        // Instance name, e.g. "openai-primary"
	APIKey  string        // Required: OpenAI API key
	BaseURL string        // Optional: API base URL
	Model   string        // Optional: model override
	Timeout time.Duration // Optional: HTTP timeout
	Client  HTTPClient    // Optional: custom HTTP client (tests)
}

// NewProvider creates a new OpenAI provider instance.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
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
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  client,
	}, nil
}

// Name returns the provider instance name.
func (p *Provider) Name() string { return p.name }

// Type returns the provider type.
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeOpenAI }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// GenerateSQL asks the model to translate a natural-language prompt plus
// schema context into a single SQL statement.
func (p *Provider) GenerateSQL(ctx context.Context, prompt, schemaContext string) (string, error) {
	userContent := prompt
	if schemaContext != "" {
		userContent = fmt.Sprintf("Schema:\n%s\n\nQuestion: %s", schemaContext, prompt)
	}

	body, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: sqlSystemPrompt},
			{Role: "user", Content: userContent},
		},
	})
	if err != nil {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderRequest, Message: "failed to encode request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderRequest, Message: "failed to build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderUnreachable, Message: "request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderBadResponse, Message: "failed to read response", Cause: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderAuth, Message: "authentication failed"}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderRequest, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderBadResponse, Message: "failed to parse response", Cause: err}
	}
	if parsed.Error != nil {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderRequest, Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderBadResponse, Message: "empty completion"}
	}

	return llm.ExtractSQL(parsed.Choices[0].Message.Content), nil
}

// HealthProbe lists models as a lightweight connectivity and auth check.
func (p *Provider) HealthProbe(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return 0, &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderRequest, Message: "failed to build probe", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

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
