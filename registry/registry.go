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

// Package registry owns agent identity: the encrypted credential bundle,
// pooling/timeout configuration, AI provider chain, and permission set.
package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vpakspace/universal-agent-connector-sub000/shared/types"
	"github.com/vpakspace/universal-agent-connector-sub000/vault"
)

// Registry error codes.
const (
	ErrAgentNotFound  = "agent_not_found"
	ErrAgentDuplicate = "agent_duplicate"
	ErrAgentInvalid   = "agent_invalid_config"
	ErrAgentDisabled  = "agent_disabled"
)

// RegistryError represents an agent registry failure.
type RegistryError struct {
	AgentID string
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *RegistryError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("registry error for agent %q (%s): %s", e.AgentID, e.Code, e.Message)
	}
	return fmt.Sprintf("registry error (%s): %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *RegistryError) Unwrap() error {
	return e.Cause
}

// RegisterInput carries everything needed to register a new agent.
type RegisterInput struct {
	Name               string               `json:"name"`
	DatabaseConfig     types.DatabaseConfig `json:"database_config"`
	ProviderConfigJSON string               `json:"provider_config,omitempty"`
	Permissions        types.PermissionSet  `json:"permissions,omitempty"`
	CacheTTLSeconds    int                  `json:"cache_ttl_seconds,omitempty"`
}

// AgentRegistry stores agents with their secrets encrypted at rest.
// Safe for concurrent use. Agents referenced by audit history are never
// hard-deleted; Disable soft-disables them instead.
type AgentRegistry struct {
	agents   map[string]*types.Agent
	vault    *vault.Vault
	rotation *vault.RotationManager
	logger   *log.Logger
	mu       sync.RWMutex
}

// Option configures the AgentRegistry.
type Option func(*AgentRegistry)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(r *AgentRegistry) {
		r.logger = l
	}
}

// New creates an AgentRegistry backed by the given vault and rotation
// manager.
func New(v *vault.Vault, rotation *vault.RotationManager, opts ...Option) *AgentRegistry {
	r := &AgentRegistry{
		agents:   make(map[string]*types.Agent),
		vault:    v,
		rotation: rotation,
		logger:   log.New(os.Stdout, "[AGENT_REGISTRY] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates and stores a new agent, encrypting its database and
// provider configuration, and installs its active credential bundle.
func (r *AgentRegistry) Register(input RegisterInput) (*types.Agent, error) {
	if input.Name == "" {
		return nil, &RegistryError{Code: ErrAgentInvalid, Message: "agent name is required"}
	}
	if err := input.DatabaseConfig.Validate(); err != nil {
		return nil, &RegistryError{Code: ErrAgentInvalid, Message: err.Error(), Cause: err}
	}

	dbJSON, err := json.Marshal(input.DatabaseConfig)
	if err != nil {
		return nil, &RegistryError{Code: ErrAgentInvalid, Message: "failed to serialize database config", Cause: err}
	}
	encryptedDB, err := r.vault.Encrypt(string(dbJSON))
	if err != nil {
		return nil, &RegistryError{Code: ErrAgentInvalid, Message: "failed to encrypt database config", Cause: err}
	}

	var encryptedProvider string
	if input.ProviderConfigJSON != "" {
		encryptedProvider, err = r.vault.Encrypt(input.ProviderConfigJSON)
		if err != nil {
			return nil, &RegistryError{Code: ErrAgentInvalid, Message: "failed to encrypt provider config", Cause: err}
		}
	}

	permissions := input.Permissions
	if permissions == nil {
		permissions = types.PermissionSet{"*": {types.ActionRead}}
	}

	now := time.Now().UTC()
	agent := &types.Agent{
		ID:                      uuid.New().String(),
		Name:                    input.Name,
		EncryptedDatabaseConfig: encryptedDB,
		EncryptedProviderConfig: encryptedProvider,
		Permissions:             permissions,
		CacheTTLSeconds:         input.CacheTTLSeconds,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	r.mu.Lock()
	r.agents[agent.ID] = agent
	r.mu.Unlock()

	r.rotation.SetActive(agent.ID, input.DatabaseConfig)
	r.logger.Printf("Registered agent %s (%s, engine=%s)", agent.Name, agent.ID, input.DatabaseConfig.Engine)

	copied := *agent
	return &copied, nil
}

// Get returns an agent by ID. Disabled agents are still returned; use
// GetActive when a live agent is required.
func (r *AgentRegistry) Get(agentID string) (*types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, &RegistryError{AgentID: agentID, Code: ErrAgentNotFound, Message: "agent not found"}
	}
	copied := *agent
	return &copied, nil
}

// GetActive returns an agent by ID, failing for soft-disabled agents.
func (r *AgentRegistry) GetActive(agentID string) (*types.Agent, error) {
	agent, err := r.Get(agentID)
	if err != nil {
		return nil, err
	}
	if agent.Disabled {
		return nil, &RegistryError{AgentID: agentID, Code: ErrAgentDisabled, Message: "agent is disabled"}
	}
	return agent, nil
}

// GetDatabaseConfig decrypts and returns the agent's connection bundle.
func (r *AgentRegistry) GetDatabaseConfig(agentID string) (types.DatabaseConfig, error) {
	agent, err := r.Get(agentID)
	if err != nil {
		return types.DatabaseConfig{}, err
	}

	plain, err := r.vault.Decrypt(agent.EncryptedDatabaseConfig)
	if err != nil {
		return types.DatabaseConfig{}, &RegistryError{AgentID: agentID, Code: ErrAgentInvalid, Message: "failed to decrypt database config", Cause: err}
	}

	var config types.DatabaseConfig
	if err := json.Unmarshal([]byte(plain), &config); err != nil {
		return types.DatabaseConfig{}, &RegistryError{AgentID: agentID, Code: ErrAgentInvalid, Message: "failed to parse database config", Cause: err}
	}
	return config, nil
}

// GetProviderConfigJSON decrypts and returns the agent's AI provider
// chain configuration, or "" when none is configured.
func (r *AgentRegistry) GetProviderConfigJSON(agentID string) (string, error) {
	agent, err := r.Get(agentID)
	if err != nil {
		return "", err
	}
	if agent.EncryptedProviderConfig == "" {
		return "", nil
	}
	plain, err := r.vault.Decrypt(agent.EncryptedProviderConfig)
	if err != nil {
		return "", &RegistryError{AgentID: agentID, Code: ErrAgentInvalid, Message: "failed to decrypt provider config", Cause: err}
	}
	return plain, nil
}

// GetPermissions returns the agent's permission set.
func (r *AgentRegistry) GetPermissions(agentID string) (types.PermissionSet, error) {
	agent, err := r.Get(agentID)
	if err != nil {
		return nil, err
	}
	return agent.Permissions, nil
}

// UpdateDatabaseConfig replaces the agent's connection bundle after
// validation, re-encrypting it and refreshing the active rotation slot.
func (r *AgentRegistry) UpdateDatabaseConfig(agentID string, config types.DatabaseConfig) error {
	if err := config.Validate(); err != nil {
		return &RegistryError{AgentID: agentID, Code: ErrAgentInvalid, Message: err.Error(), Cause: err}
	}

	dbJSON, err := json.Marshal(config)
	if err != nil {
		return &RegistryError{AgentID: agentID, Code: ErrAgentInvalid, Message: "failed to serialize database config", Cause: err}
	}
	encrypted, err := r.vault.Encrypt(string(dbJSON))
	if err != nil {
		return &RegistryError{AgentID: agentID, Code: ErrAgentInvalid, Message: "failed to encrypt database config", Cause: err}
	}

	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return &RegistryError{AgentID: agentID, Code: ErrAgentNotFound, Message: "agent not found"}
	}
	agent.EncryptedDatabaseConfig = encrypted
	agent.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	r.rotation.SetActive(agentID, config)
	return nil
}

// SetCacheTTL overrides the agent's cache TTL in seconds (0 clears the
// override and falls back to the system default).
func (r *AgentRegistry) SetCacheTTL(agentID string, ttlSeconds int) error {
	if ttlSeconds < 0 {
		return &RegistryError{AgentID: agentID, Code: ErrAgentInvalid, Message: "cache TTL cannot be negative"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return &RegistryError{AgentID: agentID, Code: ErrAgentNotFound, Message: "agent not found"}
	}
	agent.CacheTTLSeconds = ttlSeconds
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

// CacheTTL returns the agent's configured cache TTL, reporting false
// when none is set. Satisfies the query cache's TTL source contract.
func (r *AgentRegistry) CacheTTL(agentID string) (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok || agent.CacheTTLSeconds <= 0 {
		return 0, false
	}
	return time.Duration(agent.CacheTTLSeconds) * time.Second, true
}

// Disable soft-disables an agent. The agent stays resolvable for audit
// history but can no longer submit queries.
func (r *AgentRegistry) Disable(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return &RegistryError{AgentID: agentID, Code: ErrAgentNotFound, Message: "agent not found"}
	}
	agent.Disabled = true
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

// Enable re-enables a soft-disabled agent.
func (r *AgentRegistry) Enable(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return &RegistryError{AgentID: agentID, Code: ErrAgentNotFound, Message: "agent not found"}
	}
	agent.Disabled = false
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

// List returns copies of all registered agents.
func (r *AgentRegistry) List() []*types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*types.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		copied := *agent
		agents = append(agents, &copied)
	}
	return agents
}
