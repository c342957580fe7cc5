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

// Package bedrock provides an AI provider implementation backed by AWS
// Bedrock managed Claude models. Authentication uses the default AWS
// credential chain (IAM), optionally overridden with static keys.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/vpakspace/universal-agent-connector-sub000/llm"
)

const (
	// DefaultModel is the default Bedrock model ID for SQL generation.
	DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"

	// anthropicVersion is the Bedrock-specific Anthropic API version.
	anthropicVersion = "bedrock-2023-05-31"

	sqlSystemPrompt = "You translate natural-language questions into a single SQL statement " +
		"for the schema provided. Respond with only the SQL statement, no explanation."
)

// InvokeClient abstracts the Bedrock runtime client (enables testing).
type InvokeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider implements llm.Provider for AWS Bedrock.
type Provider struct {
	name   string
	model  string
	client InvokeClient
}

// Config contains configuration for the Bedrock provider.
type Config struct {
	Name            string // Instance name, e.g. "bedrock-backup"
	Region          string // Required: AWS region
	Model           string // Optional: Bedrock model ID
	AccessKeyID     string // Optional: static credentials
	SecretAccessKey string // Optional: static credentials
	Client          InvokeClient
}

// NewProvider creates a new Bedrock provider instance.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Name == "" {
		cfg.Name = "bedrock"
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	client := cfg.Client
	if client == nil {
		if cfg.Region == "" {
			return nil, fmt.Errorf("bedrock region is required")
		}
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
		if cfg.AccessKeyID != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = bedrockruntime.NewFromConfig(awsCfg)
	}

	return &Provider{name: cfg.Name, model: cfg.Model, client: client}, nil
}

// Name returns the provider instance name.
func (p *Provider) Name() string { return p.name }

// Type returns the provider type.
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeBedrock }

type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	System           string          `json:"system,omitempty"`
	Messages         []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (p *Provider) invoke(ctx context.Context, system, user string, maxTokens int) (string, error) {
	body, err := json.Marshal(claudeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		System:           system,
		Messages:         []claudeMessage{{Role: "user", Content: user}},
	})
	if err != nil {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderRequest, Message: "failed to encode request", Cause: err}
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.model),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderUnreachable, Message: "bedrock invoke failed", Cause: err}
	}

	var parsed claudeResponse
	if err := json.Unmarshal(output.Body, &parsed); err != nil {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderBadResponse, Message: "failed to parse response", Cause: err}
	}
	if len(parsed.Content) == 0 {
		return "", &llm.ProviderError{Provider: p.name, Code: llm.ErrProviderBadResponse, Message: "empty completion"}
	}
	return parsed.Content[0].Text, nil
}

// GenerateSQL asks the Bedrock-hosted model to translate a
// natural-language prompt plus schema context into one SQL statement.
func (p *Provider) GenerateSQL(ctx context.Context, prompt, schemaContext string) (string, error) {
	userContent := prompt
	if schemaContext != "" {
		userContent = fmt.Sprintf("Schema:\n%s\n\nQuestion: %s", schemaContext, prompt)
	}
	text, err := p.invoke(ctx, sqlSystemPrompt, userContent, 1024)
	if err != nil {
		return "", err
	}
	return llm.ExtractSQL(text), nil
}

// HealthProbe issues a one-token invocation as a connectivity check.
func (p *Provider) HealthProbe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := p.invoke(ctx, "", "ping", 1)
	return time.Since(start), err
}
