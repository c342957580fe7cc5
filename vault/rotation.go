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

package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vpakspace/universal-agent-connector-sub000/shared/types"
)

// RotationStatus tracks where an agent's credential bundle is in its
// rotation lifecycle.
type RotationStatus string

const (
	RotationNone       RotationStatus = "none"
	RotationStaged     RotationStatus = "staged"
	RotationActive     RotationStatus = "active"
	RotationRolledBack RotationStatus = "rolled_back"
)

// Rotation error codes.
const (
	ErrRotationValidation = "rotation_validation_failed"
	ErrRotationNone       = "rotation_nothing_staged"
	ErrRotationUnknown    = "rotation_unknown_agent"
)

// RotationError represents a credential rotation failure.
type RotationError struct {
	AgentID string
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *RotationError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("rotation error for agent %q (%s): %s", e.AgentID, e.Code, e.Message)
	}
	return fmt.Sprintf("rotation error (%s): %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *RotationError) Unwrap() error {
	return e.Cause
}

// ConnectionTester validates a credential bundle with a connector-level
// round trip before it may be staged. The connector package provides the
// production implementation.
type ConnectionTester interface {
	TestConnection(ctx context.Context, config types.DatabaseConfig) error
}

// CredentialState holds the active and optionally staged credential
// bundles for one agent.
type CredentialState struct {
	Active   types.DatabaseConfig
	Staged   *types.DatabaseConfig
	Previous *types.DatabaseConfig
	Status   RotationStatus
	StagedAt time.Time
}

// RotationManager manages zero-downtime credential rotation per agent.
//
// New connections pick up staged credentials at acquisition time; live
// pooled connections keep the bundle they captured and drain naturally.
// Activation is an atomic slot swap under the manager's lock.
type RotationManager struct {
	states map[string]*CredentialState
	tester ConnectionTester
	mu     sync.RWMutex
}

// NewRotationManager creates a rotation manager using the given tester
// for staged-credential validation.
func NewRotationManager(tester ConnectionTester) *RotationManager {
	return &RotationManager{
		states: make(map[string]*CredentialState),
		tester: tester,
	}
}

// SetActive installs the active credential bundle for an agent. Used at
// registration time and by tests.
func (m *RotationManager) SetActive(agentID string, config types.DatabaseConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[agentID] = &CredentialState{Active: config, Status: RotationNone}
}

// GetState returns a copy of the agent's credential state.
func (m *RotationManager) GetState(agentID string) (CredentialState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[agentID]
	if !ok {
		return CredentialState{}, &RotationError{AgentID: agentID, Code: ErrRotationUnknown, Message: "no credentials registered"}
	}
	return *state, nil
}

// CurrentConfig returns the bundle new connections should use: staged
// credentials are preferred during rotation, falling back to active.
func (m *RotationManager) CurrentConfig(agentID string) (types.DatabaseConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[agentID]
	if !ok {
		return types.DatabaseConfig{}, &RotationError{AgentID: agentID, Code: ErrRotationUnknown, Message: "no credentials registered"}
	}
	if state.Staged != nil {
		return *state.Staged, nil
	}
	return state.Active, nil
}

// ActiveConfig returns the active bundle, ignoring any staged rotation.
// Callers use this as the fallback when a staged bundle stops working.
func (m *RotationManager) ActiveConfig(agentID string) (types.DatabaseConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[agentID]
	if !ok {
		return types.DatabaseConfig{}, &RotationError{AgentID: agentID, Code: ErrRotationUnknown, Message: "no credentials registered"}
	}
	return state.Active, nil
}

// StageRotation validates new credentials with a connector round trip and
// marks them staged. Active state is never mutated on validation failure.
func (m *RotationManager) StageRotation(ctx context.Context, agentID string, newConfig types.DatabaseConfig) error {
	m.mu.RLock()
	state, ok := m.states[agentID]
	m.mu.RUnlock()
	if !ok {
		return &RotationError{AgentID: agentID, Code: ErrRotationUnknown, Message: "no credentials registered"}
	}

	if newConfig.Engine != state.Active.Engine {
		return &RotationError{
			AgentID: agentID,
			Code:    ErrRotationValidation,
			Message: fmt.Sprintf("engine mismatch: agent uses %q, staged credentials are for %q", state.Active.Engine, newConfig.Engine),
		}
	}

	if err := newConfig.Validate(); err != nil {
		return &RotationError{AgentID: agentID, Code: ErrRotationValidation, Message: err.Error(), Cause: err}
	}

	// Round-trip test outside the lock: connecting can be slow.
	if m.tester != nil {
		if err := m.tester.TestConnection(ctx, newConfig); err != nil {
			return &RotationError{AgentID: agentID, Code: ErrRotationValidation, Message: "test connection failed", Cause: err}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	staged := newConfig
	state.Staged = &staged
	state.Status = RotationStaged
	state.StagedAt = time.Now()
	return nil
}

// Activate promotes the staged bundle to active. Idempotent: activating
// with nothing staged after a completed rotation is a no-op.
func (m *RotationManager) Activate(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[agentID]
	if !ok {
		return &RotationError{AgentID: agentID, Code: ErrRotationUnknown, Message: "no credentials registered"}
	}

	if state.Staged == nil {
		if state.Status == RotationActive {
			return nil
		}
		return &RotationError{AgentID: agentID, Code: ErrRotationNone, Message: "no staged credentials to activate"}
	}

	previous := state.Active
	state.Previous = &previous
	state.Active = *state.Staged
	state.Staged = nil
	state.Status = RotationActive
	return nil
}

// Rollback restores the previous active bundle and discards anything
// staged. Fails when no rotation has been staged or activated.
func (m *RotationManager) Rollback(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[agentID]
	if !ok {
		return &RotationError{AgentID: agentID, Code: ErrRotationUnknown, Message: "no credentials registered"}
	}

	switch {
	case state.Staged != nil:
		// Rotation staged but not activated: discard the staged bundle.
		state.Staged = nil
		state.Status = RotationRolledBack
		return nil
	case state.Previous != nil:
		state.Active = *state.Previous
		state.Previous = nil
		state.Status = RotationRolledBack
		return nil
	default:
		return &RotationError{AgentID: agentID, Code: ErrRotationNone, Message: "nothing staged or rotated"}
	}
}
