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

// Package pool owns pooled, live database connectors per agent. It
// enforces each agent's pooling and timeout configuration and picks up
// rotated credentials on new connections without touching live ones.
package pool

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/vpakspace/universal-agent-connector-sub000/connector"
	"github.com/vpakspace/universal-agent-connector-sub000/shared/types"
)

// Pool error codes.
const (
	ErrPoolExhausted    = "pool_exhausted"
	ErrPoolUnknownAgent = "pool_unknown_agent"
	ErrPoolConnect      = "pool_connect_failed"
)

// PoolError represents a connection pool failure.
type PoolError struct {
	AgentID string
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *PoolError) Error() string {
	return fmt.Sprintf("pool error for agent %q (%s): %s", e.AgentID, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *PoolError) Unwrap() error {
	return e.Cause
}

// CredentialSource supplies the connection bundle new connectors should
// use. During rotation CurrentConfig prefers staged credentials;
// ActiveConfig is the fallback when the staged bundle fails to connect.
// The vault rotation manager satisfies this interface.
type CredentialSource interface {
	CurrentConfig(agentID string) (types.DatabaseConfig, error)
	ActiveConfig(agentID string) (types.DatabaseConfig, error)
}

// PooledConnector is a live connector checked out of the pool.
type PooledConnector struct {
	connector.Connector
	AgentID  string
	lastUsed time.Time
	errored  bool
}

// MarkErrored flags the connector as failed; the pool discards it on
// release instead of returning it to the idle set.
func (p *PooledConnector) MarkErrored() {
	p.errored = true
}

// agentPool holds the per-agent pool state.
type agentPool struct {
	pooling  types.PoolingConfig
	timeouts types.TimeoutConfig
	idle     chan *PooledConnector

	mu   sync.Mutex
	live int
}

func (ap *agentPool) maxTotal() int {
	return ap.pooling.MaxSize + ap.pooling.MaxOverflow
}

// Stats reports live pool counters for observability.
type Stats struct {
	Live    int `json:"live"`
	Idle    int `json:"idle"`
	MaxLive int `json:"max_live"`
}

// ConnectionPool manages pooled connectors for all registered agents.
// Safe for concurrent use.
type ConnectionPool struct {
	pools       map[string]*agentPool
	credentials CredentialSource
	factory     connector.Factory
	idleTimeout time.Duration
	logger      *log.Logger
	mu          sync.RWMutex
}

// Option configures the ConnectionPool.
type Option func(*ConnectionPool)

// WithFactory overrides the connector factory (used by tests).
func WithFactory(f connector.Factory) Option {
	return func(p *ConnectionPool) {
		p.factory = f
	}
}

// WithIdleTimeout sets how long idle connectors beyond min_size survive
// before reclamation. Defaults to 5 minutes.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *ConnectionPool) {
		p.idleTimeout = d
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(p *ConnectionPool) {
		p.logger = l
	}
}

// New creates a ConnectionPool backed by the given credential source.
func New(credentials CredentialSource, opts ...Option) *ConnectionPool {
	p := &ConnectionPool{
		pools:       make(map[string]*agentPool),
		credentials: credentials,
		factory:     connector.New,
		idleTimeout: 5 * time.Minute,
		logger:      log.New(os.Stdout, "[POOL] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register creates the pool for an agent. Configs are validated, never
// silently clamped.
func (p *ConnectionPool) Register(agentID string, pooling types.PoolingConfig, timeouts types.TimeoutConfig) error {
	if err := pooling.Validate(); err != nil {
		return err
	}
	if err := timeouts.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pools[agentID] = &agentPool{
		pooling:  pooling,
		timeouts: timeouts,
		idle:     make(chan *PooledConnector, pooling.MaxSize+pooling.MaxOverflow),
	}
	return nil
}

// Unregister tears down an agent's pool, disconnecting idle connectors.
func (p *ConnectionPool) Unregister(ctx context.Context, agentID string) {
	p.mu.Lock()
	ap, ok := p.pools[agentID]
	delete(p.pools, agentID)
	p.mu.Unlock()
	if !ok {
		return
	}

	for {
		select {
		case pc := <-ap.idle:
			_ = pc.Disconnect(ctx)
		default:
			return
		}
	}
}

func (p *ConnectionPool) poolFor(agentID string) (*agentPool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ap, ok := p.pools[agentID]
	if !ok {
		return nil, &PoolError{AgentID: agentID, Code: ErrPoolUnknownAgent, Message: "no pool registered"}
	}
	return ap, nil
}

// Acquire returns a pooled connector for the agent, blocking up to the
// agent's connect timeout when the pool is at capacity.
func (p *ConnectionPool) Acquire(ctx context.Context, agentID string) (*PooledConnector, error) {
	ap, err := p.poolFor(agentID)
	if err != nil {
		return nil, err
	}

	// Fast path: reuse an idle connector.
	select {
	case pc := <-ap.idle:
		pc.lastUsed = time.Now()
		return pc, nil
	default:
	}

	// Open a new connection if the pool has headroom.
	ap.mu.Lock()
	if ap.live < ap.maxTotal() {
		ap.live++
		ap.mu.Unlock()

		pc, err := p.dial(ctx, agentID, ap)
		if err != nil {
			ap.mu.Lock()
			ap.live--
			ap.mu.Unlock()
			return nil, err
		}
		return pc, nil
	}
	ap.mu.Unlock()

	// At capacity: wait for a release, bounded by the connect timeout.
	timer := time.NewTimer(ap.timeouts.ConnectTimeout())
	defer timer.Stop()

	select {
	case pc := <-ap.idle:
		pc.lastUsed = time.Now()
		return pc, nil
	case <-timer.C:
		return nil, &PoolError{
			AgentID: agentID,
			Code:    ErrPoolExhausted,
			Message: fmt.Sprintf("no connector available within %s (live=%d, max=%d)", ap.timeouts.ConnectTimeout(), ap.maxTotal(), ap.maxTotal()),
		}
	case <-ctx.Done():
		return nil, &PoolError{AgentID: agentID, Code: ErrPoolExhausted, Message: "context cancelled while waiting", Cause: ctx.Err()}
	}
}

// dial opens a new connector. Staged credentials are preferred during a
// rotation; if they fail to connect we fall back to the active bundle so
// rotation never causes downtime.
func (p *ConnectionPool) dial(ctx context.Context, agentID string, ap *agentPool) (*PooledConnector, error) {
	config, err := p.credentials.CurrentConfig(agentID)
	if err != nil {
		return nil, &PoolError{AgentID: agentID, Code: ErrPoolConnect, Message: "no credentials available", Cause: err}
	}

	conn, err := p.connect(ctx, config, ap)
	if err != nil {
		active, activeErr := p.credentials.ActiveConfig(agentID)
		if activeErr != nil || active == config {
			return nil, &PoolError{AgentID: agentID, Code: ErrPoolConnect, Message: "failed to connect", Cause: err}
		}

		p.logger.Printf("Staged credentials failed for agent %s, falling back to active bundle: %v", agentID, err)
		conn, err = p.connect(ctx, active, ap)
		if err != nil {
			return nil, &PoolError{AgentID: agentID, Code: ErrPoolConnect, Message: "failed to connect with active credentials", Cause: err}
		}
	}

	return &PooledConnector{Connector: conn, AgentID: agentID, lastUsed: time.Now()}, nil
}

func (p *ConnectionPool) connect(ctx context.Context, config types.DatabaseConfig, ap *agentPool) (connector.Connector, error) {
	conn, err := p.factory(config.Engine)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, ap.timeouts.ConnectTimeout())
	defer cancel()

	if err := conn.Connect(connectCtx, config); err != nil {
		return nil, err
	}
	return conn, nil
}

// Release returns a connector to the pool. Errored connectors are
// disconnected and discarded, never pooled.
func (p *ConnectionPool) Release(ctx context.Context, pc *PooledConnector) {
	if pc == nil {
		return
	}

	ap, err := p.poolFor(pc.AgentID)
	if err != nil {
		_ = pc.Disconnect(ctx)
		return
	}

	if pc.errored {
		_ = pc.Disconnect(ctx)
		ap.mu.Lock()
		ap.live--
		ap.mu.Unlock()
		return
	}

	pc.lastUsed = time.Now()
	select {
	case ap.idle <- pc:
	default:
		// Idle buffer full; shed the connection.
		_ = pc.Disconnect(ctx)
		ap.mu.Lock()
		ap.live--
		ap.mu.Unlock()
	}
}

// ReclaimIdle disconnects idle connectors beyond min_size that have been
// unused longer than the idle timeout. Safe to invoke concurrently with
// live request processing; also run by the periodic sweep.
func (p *ConnectionPool) ReclaimIdle(ctx context.Context) {
	p.mu.RLock()
	pools := make(map[string]*agentPool, len(p.pools))
	for id, ap := range p.pools {
		pools[id] = ap
	}
	p.mu.RUnlock()

	cutoff := time.Now().Add(-p.idleTimeout)
	for agentID, ap := range pools {
		var keep []*PooledConnector
	drain:
		for {
			select {
			case pc := <-ap.idle:
				if len(ap.idle)+len(keep)+1 > ap.pooling.MinSize && pc.lastUsed.Before(cutoff) {
					_ = pc.Disconnect(ctx)
					ap.mu.Lock()
					ap.live--
					ap.mu.Unlock()
					p.logger.Printf("Reclaimed idle connector for agent %s", agentID)
				} else {
					keep = append(keep, pc)
				}
			default:
				break drain
			}
		}
		for _, pc := range keep {
			select {
			case ap.idle <- pc:
			default:
				_ = pc.Disconnect(ctx)
				ap.mu.Lock()
				ap.live--
				ap.mu.Unlock()
			}
		}
	}
}

// StartReclaimLoop runs ReclaimIdle on a timer until the context ends.
func (p *ConnectionPool) StartReclaimLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.ReclaimIdle(ctx)
			}
		}
	}()
}

// GetStats returns pool counters for an agent.
func (p *ConnectionPool) GetStats(agentID string) (Stats, error) {
	ap, err := p.poolFor(agentID)
	if err != nil {
		return Stats{}, err
	}
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return Stats{Live: ap.live, Idle: len(ap.idle), MaxLive: ap.maxTotal()}, nil
}
