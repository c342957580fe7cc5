package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpakspace/universal-agent-connector-sub000/connector"
	"github.com/vpakspace/universal-agent-connector-sub000/shared/types"
)

type stubConnector struct {
	engine     types.DatabaseEngine
	connectErr error
	host       string

	mu          sync.Mutex
	connected   bool
	disconnects int
}

func (s *stubConnector) Connect(_ context.Context, cfg types.DatabaseConfig) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.host = cfg.Host
	return nil
}

func (s *stubConnector) Disconnect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.disconnects++
	return nil
}

func (s *stubConnector) Ping(_ context.Context) (time.Duration, error) { return time.Millisecond, nil }

func (s *stubConnector) Query(_ context.Context, _ *connector.Query) (*connector.QueryResult, error) {
	return &connector.QueryResult{}, nil
}

func (s *stubConnector) Engine() types.DatabaseEngine { return s.engine }

type stubCredentials struct {
	mu      sync.Mutex
	current types.DatabaseConfig
	active  types.DatabaseConfig
}

func (s *stubCredentials) CurrentConfig(string) (types.DatabaseConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *stubCredentials) ActiveConfig(string) (types.DatabaseConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, nil
}

func poolConfig() (types.PoolingConfig, types.TimeoutConfig) {
	return types.PoolingConfig{MinSize: 1, MaxSize: 2, MaxOverflow: 1},
		types.TimeoutConfig{ConnectTimeoutS: 1, QueryTimeoutS: 5, ReadTimeoutS: 5, WriteTimeoutS: 5}
}

func newTestPool(t *testing.T, factory connector.Factory) *ConnectionPool {
	t.Helper()
	cfg := types.DatabaseConfig{Engine: types.EnginePostgres, Host: "db-active", Timeouts: types.DefaultTimeoutConfig()}
	creds := &stubCredentials{current: cfg, active: cfg}

	p := New(creds, WithFactory(factory), WithIdleTimeout(time.Millisecond))
	pooling, timeouts := poolConfig()
	require.NoError(t, p.Register("agent-1", pooling, timeouts))
	return p
}

func TestPool_AcquireRelease(t *testing.T) {
	var created int
	p := newTestPool(t, func(e types.DatabaseEngine) (connector.Connector, error) {
		created++
		return &stubConnector{engine: e}, nil
	})

	pc, err := p.Acquire(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", pc.AgentID)
	assert.Equal(t, 1, created)

	p.Release(context.Background(), pc)

	// Released connector is reused, not recreated.
	pc2, err := p.Acquire(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Same(t, pc, pc2)
}

func TestPool_ExhaustionBlocksThenFails(t *testing.T) {
	p := newTestPool(t, func(e types.DatabaseEngine) (connector.Connector, error) {
		return &stubConnector{engine: e}, nil
	})

	// max_size=2 + max_overflow=1: three live connectors allowed.
	var held []*PooledConnector
	for i := 0; i < 3; i++ {
		pc, err := p.Acquire(context.Background(), "agent-1")
		require.NoError(t, err)
		held = append(held, pc)
	}

	start := time.Now()
	_, err := p.Acquire(context.Background(), "agent-1")
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)

	var perr *PoolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ErrPoolExhausted, perr.Code)

	for _, pc := range held {
		p.Release(context.Background(), pc)
	}
}

func TestPool_WaiterGetsReleasedConnector(t *testing.T) {
	p := newTestPool(t, func(e types.DatabaseEngine) (connector.Connector, error) {
		return &stubConnector{engine: e}, nil
	})

	var held []*PooledConnector
	for i := 0; i < 3; i++ {
		pc, err := p.Acquire(context.Background(), "agent-1")
		require.NoError(t, err)
		held = append(held, pc)
	}

	done := make(chan *PooledConnector, 1)
	go func() {
		pc, err := p.Acquire(context.Background(), "agent-1")
		if err == nil {
			done <- pc
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	p.Release(context.Background(), held[0])

	select {
	case pc, ok := <-done:
		require.True(t, ok)
		assert.Same(t, held[0], pc)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never received the released connector")
	}
}

func TestPool_ErroredConnectorDiscarded(t *testing.T) {
	var created int
	p := newTestPool(t, func(e types.DatabaseEngine) (connector.Connector, error) {
		created++
		return &stubConnector{engine: e}, nil
	})

	pc, err := p.Acquire(context.Background(), "agent-1")
	require.NoError(t, err)

	pc.MarkErrored()
	p.Release(context.Background(), pc)

	stats, err := p.GetStats("agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Live)
	assert.Equal(t, 0, stats.Idle)

	// Next acquire dials a fresh connector.
	_, err = p.Acquire(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, created)
}

func TestPool_StagedCredentialFallback(t *testing.T) {
	activeCfg := types.DatabaseConfig{Engine: types.EnginePostgres, Host: "db-active", Timeouts: types.DefaultTimeoutConfig()}
	stagedCfg := types.DatabaseConfig{Engine: types.EnginePostgres, Host: "db-staged", Timeouts: types.DefaultTimeoutConfig()}
	creds := &stubCredentials{current: stagedCfg, active: activeCfg}

	// Connectors dialed against the staged host fail; active host works.
	factory := func(e types.DatabaseEngine) (connector.Connector, error) {
		return &hostSensitiveConnector{failHost: "db-staged", engine: e}, nil
	}

	p := New(creds, WithFactory(factory))
	pooling, timeouts := poolConfig()
	require.NoError(t, p.Register("agent-1", pooling, timeouts))

	pc, err := p.Acquire(context.Background(), "agent-1")
	require.NoError(t, err)

	sc := pc.Connector.(*hostSensitiveConnector)
	assert.Equal(t, "db-active", sc.connectedHost)
}

type hostSensitiveConnector struct {
	stubConnector
	failHost      string
	engine        types.DatabaseEngine
	connectedHost string
}

func (h *hostSensitiveConnector) Connect(_ context.Context, cfg types.DatabaseConfig) error {
	if cfg.Host == h.failHost {
		return errors.New("auth failed")
	}
	h.connectedHost = cfg.Host
	return nil
}

func (h *hostSensitiveConnector) Engine() types.DatabaseEngine { return h.engine }

func TestPool_ReclaimIdleKeepsMinSize(t *testing.T) {
	p := newTestPool(t, func(e types.DatabaseEngine) (connector.Connector, error) {
		return &stubConnector{engine: e}, nil
	})

	var held []*PooledConnector
	for i := 0; i < 3; i++ {
		pc, err := p.Acquire(context.Background(), "agent-1")
		require.NoError(t, err)
		held = append(held, pc)
	}
	for _, pc := range held {
		p.Release(context.Background(), pc)
	}

	stats, _ := p.GetStats("agent-1")
	require.Equal(t, 3, stats.Idle)

	// Idle timeout is 1ms in the test pool; everything beyond min_size goes.
	time.Sleep(5 * time.Millisecond)
	p.ReclaimIdle(context.Background())

	stats, _ = p.GetStats("agent-1")
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 1, stats.Live)
}

func TestPool_UnknownAgent(t *testing.T) {
	p := newTestPool(t, func(e types.DatabaseEngine) (connector.Connector, error) {
		return &stubConnector{engine: e}, nil
	})

	_, err := p.Acquire(context.Background(), "ghost")
	require.Error(t, err)

	var perr *PoolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ErrPoolUnknownAgent, perr.Code)
}

func TestPool_RegisterRejectsInvalidConfig(t *testing.T) {
	p := New(&stubCredentials{})

	err := p.Register("agent-1", types.PoolingConfig{MinSize: 5, MaxSize: 2}, types.DefaultTimeoutConfig())
	assert.Error(t, err)

	err = p.Register("agent-1", types.DefaultPoolingConfig(), types.TimeoutConfig{ConnectTimeoutS: 0, QueryTimeoutS: 1, ReadTimeoutS: 1, WriteTimeoutS: 1})
	assert.Error(t, err)
}
