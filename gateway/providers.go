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

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/vpakspace/universal-agent-connector-sub000/llm"
	"github.com/vpakspace/universal-agent-connector-sub000/llm/anthropic"
	"github.com/vpakspace/universal-agent-connector-sub000/llm/bedrock"
	"github.com/vpakspace/universal-agent-connector-sub000/llm/openai"
	"github.com/vpakspace/universal-agent-connector-sub000/llm/secrets"
)

// providerSpec is the shape of an agent's provider_config JSON: the
// provider instances plus an optional failover chain over them.
type providerSpec struct {
	Providers []llm.ProviderConfig `json:"providers"`
	Failover  *llm.FailoverConfig  `json:"failover,omitempty"`
}

// ProviderBootstrap builds concrete AI providers from an agent's stored
// provider configuration and installs them in the failover manager.
type ProviderBootstrap struct {
	failover *llm.FailoverManager
	resolver *secrets.Resolver
	logger   *log.Logger
}

// NewProviderBootstrap creates a ProviderBootstrap. resolver may be nil
// when no provider config references Secrets Manager ARNs.
func NewProviderBootstrap(fm *llm.FailoverManager, resolver *secrets.Resolver) *ProviderBootstrap {
	return &ProviderBootstrap{
		failover: fm,
		resolver: resolver,
		logger:   log.New(os.Stdout, "[PROVIDER_BOOTSTRAP] ", log.LstdFlags),
	}
}

// RegisterAgentProviders parses the agent's provider config JSON,
// constructs each provider, registers them under the agent's chain, and
// applies the failover ordering when one is specified.
func (b *ProviderBootstrap) RegisterAgentProviders(ctx context.Context, agentID, configJSON string) error {
	var spec providerSpec
	if err := json.Unmarshal([]byte(configJSON), &spec); err != nil {
		return fmt.Errorf("invalid provider config for agent %s: %w", agentID, err)
	}
	if len(spec.Providers) == 0 {
		return fmt.Errorf("provider config for agent %s lists no providers", agentID)
	}

	for _, cfg := range spec.Providers {
		provider, err := b.build(ctx, cfg)
		if err != nil {
			return err
		}
		if err := b.failover.RegisterProvider(agentID, provider); err != nil {
			return err
		}
		b.logger.Printf("Registered provider %s (%s) for agent %s", provider.Name(), provider.Type(), agentID)
	}

	if spec.Failover != nil {
		return b.failover.ConfigureFailover(agentID, spec.Failover.Primary, spec.Failover.Backups, spec.Failover.Threshold)
	}
	return nil
}

func (b *ProviderBootstrap) build(ctx context.Context, cfg llm.ProviderConfig) (llm.Provider, error) {
	apiKey, err := b.resolveAPIKey(ctx, cfg)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	switch cfg.Type {
	case llm.ProviderTypeAnthropic:
		return anthropic.NewProvider(anthropic.Config{
			Name:    cfg.Name,
			APIKey:  apiKey,
			BaseURL: cfg.Endpoint,
			Model:   cfg.Model,
			Timeout: timeout,
		})
	case llm.ProviderTypeOpenAI:
		return openai.NewProvider(openai.Config{
			Name:    cfg.Name,
			APIKey:  apiKey,
			BaseURL: cfg.Endpoint,
			Model:   cfg.Model,
			Timeout: timeout,
		})
	case llm.ProviderTypeBedrock:
		return bedrock.NewProvider(ctx, bedrock.Config{
			Name:   cfg.Name,
			Region: cfg.Region,
			Model:  cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unsupported provider type %q for provider %s", cfg.Type, cfg.Name)
	}
}

// resolveAPIKey prefers the Secrets Manager ARN over an inline key.
func (b *ProviderBootstrap) resolveAPIKey(ctx context.Context, cfg llm.ProviderConfig) (string, error) {
	if cfg.APIKeySecretARN != "" {
		if b.resolver == nil {
			return "", fmt.Errorf("provider %s references a secret ARN but no secrets resolver is configured", cfg.Name)
		}
		return b.resolver.Resolve(ctx, cfg.APIKeySecretARN)
	}
	return cfg.APIKey, nil
}
