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

package llm

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/vpakspace/universal-agent-connector-sub000/metrics"
)

// DefaultFailureThreshold is the consecutive-failure count that triggers
// an automatic provider switch when no threshold is configured.
const DefaultFailureThreshold = 3

// agentChain holds one agent's provider chain and health bookkeeping.
type agentChain struct {
	providers map[string]Provider
	order     []string // primary first, then backups in configured order
	active    string
	threshold int
	health    map[string]*HealthStatus
}

func (c *agentChain) healthFor(name string) *HealthStatus {
	h, ok := c.health[name]
	if !ok {
		h = &HealthStatus{ProviderName: name, IsHealthy: true}
		c.health[name] = h
	}
	return h
}

// FailoverManager owns the AI provider chains of all agents, tracks
// provider health, and executes calls with sequential failover.
// Safe for concurrent use.
type FailoverManager struct {
	chains map[string]*agentChain
	logger *log.Logger
	mu     sync.Mutex
}

// ManagerOption configures the FailoverManager.
type ManagerOption func(*FailoverManager)

// WithManagerLogger sets a custom logger.
func WithManagerLogger(l *log.Logger) ManagerOption {
	return func(m *FailoverManager) {
		m.logger = l
	}
}

// NewFailoverManager creates an empty FailoverManager.
func NewFailoverManager(opts ...ManagerOption) *FailoverManager {
	m := &FailoverManager{
		chains: make(map[string]*agentChain),
		logger: log.New(os.Stdout, "[LLM_FAILOVER] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *FailoverManager) chainFor(agentID string) *agentChain {
	chain, ok := m.chains[agentID]
	if !ok {
		chain = &agentChain{
			providers: make(map[string]Provider),
			health:    make(map[string]*HealthStatus),
			threshold: DefaultFailureThreshold,
		}
		m.chains[agentID] = chain
	}
	return chain
}

// RegisterProvider adds a provider instance to an agent's chain. The
// first registered provider becomes the active one until failover is
// configured explicitly.
func (m *FailoverManager) RegisterProvider(agentID string, provider Provider) error {
	if provider == nil {
		return fmt.Errorf("provider cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.chainFor(agentID)
	name := provider.Name()
	if _, exists := chain.providers[name]; exists {
		return fmt.Errorf("provider %q already registered for agent %q", name, agentID)
	}

	chain.providers[name] = provider
	chain.order = append(chain.order, name)
	if chain.active == "" {
		chain.active = name
	}
	m.logger.Printf("Registered provider %s (type=%s) for agent %s", name, provider.Type(), agentID)
	return nil
}

// ConfigureFailover sets the chain order (primary then backups) and the
// consecutive-failure threshold. Every named provider must already be
// registered. The active provider resets to the primary.
func (m *FailoverManager) ConfigureFailover(agentID, primary string, backups []string, threshold int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[agentID]
	if !ok {
		return &UnknownProviderError{AgentID: agentID, Provider: primary}
	}

	names := append([]string{primary}, backups...)
	for _, name := range names {
		if _, exists := chain.providers[name]; !exists {
			return &UnknownProviderError{AgentID: agentID, Provider: name}
		}
	}

	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}

	chain.order = names
	chain.active = primary
	chain.threshold = threshold
	m.logger.Printf("Failover configured for agent %s: chain=%v threshold=%d", agentID, names, threshold)
	return nil
}

// SwitchProvider manually overrides the active provider. Fails with
// UnknownProviderError when the provider is not in the configured chain.
func (m *FailoverManager) SwitchProvider(agentID, providerName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[agentID]
	if !ok {
		return &UnknownProviderError{AgentID: agentID, Provider: providerName}
	}
	for _, name := range chain.order {
		if name == providerName {
			chain.active = providerName
			m.logger.Printf("Agent %s switched to provider %s (manual)", agentID, providerName)
			return nil
		}
	}
	return &UnknownProviderError{AgentID: agentID, Provider: providerName}
}

// ActiveProvider returns the name of the agent's active provider.
func (m *FailoverManager) ActiveProvider(agentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[agentID]
	if !ok || chain.active == "" {
		return "", fmt.Errorf("no providers configured for agent %q", agentID)
	}
	return chain.active, nil
}

// CheckHealth issues a probe against one provider and records the result.
// A failure increments consecutive_failures; success resets it to zero.
func (m *FailoverManager) CheckHealth(ctx context.Context, agentID, providerName string) (*HealthStatus, error) {
	m.mu.Lock()
	chain, ok := m.chains[agentID]
	if !ok {
		m.mu.Unlock()
		return nil, &UnknownProviderError{AgentID: agentID, Provider: providerName}
	}
	provider, exists := chain.providers[providerName]
	m.mu.Unlock()
	if !exists {
		return nil, &UnknownProviderError{AgentID: agentID, Provider: providerName}
	}

	// Probe outside the lock: provider calls can be slow.
	latency, err := provider.HealthProbe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	h := chain.healthFor(providerName)
	h.LastCheckTime = time.Now()
	h.LastLatency = latency
	if err != nil {
		h.ConsecutiveFailures++
		h.IsHealthy = false
		h.LastError = err.Error()
	} else {
		h.ConsecutiveFailures = 0
		h.IsHealthy = true
		h.LastError = ""
	}

	copied := *h
	return &copied, nil
}

// GetHealth returns a snapshot of the recorded health for one provider.
func (m *FailoverManager) GetHealth(agentID, providerName string) (*HealthStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[agentID]
	if !ok {
		return nil, &UnknownProviderError{AgentID: agentID, Provider: providerName}
	}
	if _, exists := chain.providers[providerName]; !exists {
		return nil, &UnknownProviderError{AgentID: agentID, Provider: providerName}
	}
	copied := *chain.healthFor(providerName)
	return &copied, nil
}

// ExecuteWithFailover runs fn against the active provider, walking the
// rest of the chain in configured order on failure. Attempts are
// strictly sequential, never a race. Returns AllProvidersFailedError
// only after every provider in the chain has failed once.
//
// Before the first attempt the manager proactively switches away from
// an active provider whose consecutive failures reached the threshold,
// so a known-bad provider is not retried on the next request.
func (m *FailoverManager) ExecuteWithFailover(ctx context.Context, agentID string, fn func(ctx context.Context, p Provider) error) error {
	m.mu.Lock()
	chain, ok := m.chains[agentID]
	if !ok || len(chain.order) == 0 {
		m.mu.Unlock()
		return fmt.Errorf("no providers configured for agent %q", agentID)
	}

	m.autoSwitchLocked(agentID, chain)

	// Snapshot the attempt order: active first, then the remaining chain
	// in configured order.
	attemptOrder := make([]string, 0, len(chain.order))
	attemptOrder = append(attemptOrder, chain.active)
	for _, name := range chain.order {
		if name != chain.active {
			attemptOrder = append(attemptOrder, name)
		}
	}
	providers := make(map[string]Provider, len(chain.providers))
	for name, p := range chain.providers {
		providers[name] = p
	}
	m.mu.Unlock()

	var attempts []Attempt
	for _, name := range attemptOrder {
		provider := providers[name]
		start := time.Now()
		err := fn(ctx, provider)
		latency := time.Since(start)
		metrics.RecordFailoverAttempt(name, err == nil)

		m.mu.Lock()
		h := chain.healthFor(name)
		h.LastCheckTime = time.Now()
		h.LastLatency = latency
		if err == nil {
			h.ConsecutiveFailures = 0
			h.IsHealthy = true
			h.LastError = ""
			m.mu.Unlock()
			return nil
		}
		h.ConsecutiveFailures++
		h.IsHealthy = false
		h.LastError = err.Error()
		m.mu.Unlock()

		m.logger.Printf("Provider %s failed for agent %s: %v", name, agentID, err)
		attempts = append(attempts, Attempt{Provider: name, Err: err, Latency: latency})
	}

	return &AllProvidersFailedError{AgentID: agentID, Attempts: attempts}
}

// autoSwitchLocked moves the active pointer to the next healthy backup
// when the active provider's consecutive failures reached the threshold.
// Callers must hold m.mu.
func (m *FailoverManager) autoSwitchLocked(agentID string, chain *agentChain) {
	active := chain.healthFor(chain.active)
	if active.ConsecutiveFailures < chain.threshold {
		return
	}

	for _, name := range chain.order {
		if name == chain.active {
			continue
		}
		h := chain.healthFor(name)
		if h.ConsecutiveFailures < chain.threshold {
			m.logger.Printf("Agent %s auto-switching provider %s -> %s (%d consecutive failures)",
				agentID, chain.active, name, active.ConsecutiveFailures)
			chain.active = name
			return
		}
	}
	// Every provider is over threshold; keep the current active.
}
