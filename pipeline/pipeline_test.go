package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpakspace/universal-agent-connector-sub000/approval"
	"github.com/vpakspace/universal-agent-connector-sub000/cache"
	"github.com/vpakspace/universal-agent-connector-sub000/connector"
	"github.com/vpakspace/universal-agent-connector-sub000/llm"
	"github.com/vpakspace/universal-agent-connector-sub000/nlsql"
	"github.com/vpakspace/universal-agent-connector-sub000/pool"
	"github.com/vpakspace/universal-agent-connector-sub000/registry"
	"github.com/vpakspace/universal-agent-connector-sub000/security"
	"github.com/vpakspace/universal-agent-connector-sub000/shared/types"
	"github.com/vpakspace/universal-agent-connector-sub000/trace"
	"github.com/vpakspace/universal-agent-connector-sub000/vault"
)

// execConnector records executed statements and returns canned rows.
type execConnector struct {
	mu      sync.Mutex
	queries []connector.Query
	rows    []map[string]interface{}
	columns []string
}

func (c *execConnector) Connect(_ context.Context, _ types.DatabaseConfig) error { return nil }
func (c *execConnector) Disconnect(_ context.Context) error                      { return nil }
func (c *execConnector) Ping(_ context.Context) (time.Duration, error)           { return time.Millisecond, nil }
func (c *execConnector) Engine() types.DatabaseEngine                            { return types.EnginePostgres }

func (c *execConnector) Query(_ context.Context, q *connector.Query) (*connector.QueryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, *q)
	return &connector.QueryResult{
		Rows:     c.rows,
		Columns:  c.columns,
		RowCount: len(c.rows),
		Duration: time.Millisecond,
	}, nil
}

func (c *execConnector) executed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries)
}

// trackingProvider is an llm.Provider that counts GenerateSQL calls.
type trackingProvider struct {
	mu    sync.Mutex
	sql   string
	calls int
}

func (p *trackingProvider) Name() string           { return "tracking" }
func (p *trackingProvider) Type() llm.ProviderType { return llm.ProviderTypeCustom }

func (p *trackingProvider) GenerateSQL(_ context.Context, _, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.sql, nil
}

func (p *trackingProvider) HealthProbe(_ context.Context) (time.Duration, error) {
	return time.Millisecond, nil
}

func (p *trackingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type okTester struct{}

func (okTester) TestConnection(_ context.Context, _ types.DatabaseConfig) error { return nil }

type harness struct {
	pipeline  *Pipeline
	agentID   string
	conn      *execConnector
	provider  *trackingProvider
	converter *nlsql.Converter
	registry  *registry.AgentRegistry
	tracer    *trace.Tracer
}

func testDatabaseConfig() types.DatabaseConfig {
	return types.DatabaseConfig{
		Engine:   types.EnginePostgres,
		Host:     "db.internal",
		Port:     5432,
		Database: "app",
		Username: "svc",
		Password: "secret",
		Pooling:  types.PoolingConfig{MinSize: 1, MaxSize: 3, MaxOverflow: 1},
		Timeouts: types.TimeoutConfig{ConnectTimeoutS: 2, QueryTimeoutS: 10, ReadTimeoutS: 10, WriteTimeoutS: 10},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	v, err := vault.New("pipeline-test-master-key")
	require.NoError(t, err)
	rotation := vault.NewRotationManager(okTester{})
	reg := registry.New(v, rotation)

	agent, err := reg.Register(registry.RegisterInput{
		Name:           "analytics",
		DatabaseConfig: testDatabaseConfig(),
		Permissions:    types.PermissionSet{"*": {types.ActionRead, types.ActionWrite}},
	})
	require.NoError(t, err)

	conn := &execConnector{
		rows: []map[string]interface{}{
			{"id": 1, "email": "alice@example.com"},
			{"id": 2, "email": "bob@example.com"},
		},
		columns: []string{"id", "email"},
	}
	connPool := pool.New(rotation, pool.WithFactory(func(_ types.DatabaseEngine) (connector.Connector, error) {
		return conn, nil
	}))
	cfg := testDatabaseConfig()
	require.NoError(t, connPool.Register(agent.ID, cfg.Pooling, cfg.Timeouts))

	provider := &trackingProvider{sql: "SELECT id, email FROM users"}
	fm := llm.NewFailoverManager()
	require.NoError(t, fm.RegisterProvider(agent.ID, provider))

	conv := nlsql.NewConverter(fm, nlsql.SchemaProviderFunc(
		func(_ context.Context, _ string) (string, error) {
			return "CREATE TABLE users (id int, email text)", nil
		}))

	tracer := trace.NewTracer(100)
	p := New(Config{
		Registry:  reg,
		Pool:      connPool,
		Converter: conv,
		RLS:       security.NewRowLevelSecurityEngine(),
		Validator: security.NewQueryComplexityValidator(),
		Masker:    security.NewColumnMaskingEngine(),
		Approvals: approval.NewQueue(),
		Cache:     cache.New(cache.NewMemoryStore(0), cache.WithTTLSource(reg)),
		Tracer:    tracer,
	})

	return &harness{
		pipeline:  p,
		agentID:   agent.ID,
		conn:      conn,
		provider:  provider,
		converter: conv,
		registry:  reg,
		tracer:    tracer,
	}
}

func TestSubmitQueryHappyPath(t *testing.T) {
	h := newHarness(t)

	resp := h.pipeline.SubmitQuery(context.Background(), SubmitRequest{
		AgentID: h.agentID,
		Text:    "show all users",
	})
	require.Equal(t, StatusDone, resp.Status, "reason: %s", resp.Reason)
	assert.Equal(t, nlsql.SourceLLM, resp.ConversionSource)
	assert.Equal(t, "SELECT id, email FROM users", resp.SQL)
	require.NotNil(t, resp.Result)
	assert.Equal(t, 2, resp.Result.RowCount)
	assert.Equal(t, 1, h.conn.executed())

	tr, err := h.pipeline.GetTrace(resp.TraceID)
	require.NoError(t, err)
	stages := make([]trace.Stage, 0, len(tr.Spans))
	for _, span := range tr.Spans {
		stages = append(stages, span.Stage)
	}
	assert.Equal(t, []trace.Stage{
		trace.StageInput, trace.StageSQLGeneration, trace.StageValidation,
		trace.StageExecution, trace.StageResult,
	}, stages)
	assert.True(t, tr.Terminal)
	assert.False(t, tr.Failed)
}

func TestConversionSourceReporting(t *testing.T) {
	h := newHarness(t)

	// No pattern, no template: LLM.
	resp := h.pipeline.SubmitQuery(context.Background(), SubmitRequest{
		AgentID: h.agentID,
		Text:    "show all users",
	})
	require.Equal(t, StatusDone, resp.Status)
	assert.Equal(t, nlsql.SourceLLM, resp.ConversionSource)
	llmCalls := h.provider.callCount()
	assert.Equal(t, 1, llmCalls)

	// A matching approved pattern: LLM is never invoked.
	h.converter.AddPattern(nlsql.ApprovedPattern{
		Name:        "all-users",
		Keywords:    []string{"active", "users"},
		SQLTemplate: "SELECT id, email FROM users WHERE active = true",
		Enabled:     true,
	})
	resp = h.pipeline.SubmitQuery(context.Background(), SubmitRequest{
		AgentID: h.agentID,
		Text:    "show ACTIVE users",
	})
	require.Equal(t, StatusDone, resp.Status)
	assert.Equal(t, nlsql.SourceApprovedPattern, resp.ConversionSource)
	assert.Equal(t, llmCalls, h.provider.callCount(), "approved pattern must bypass the LLM")
}

func TestApprovalFlowWithExecutionCap(t *testing.T) {
	h := newHarness(t)
	h.provider.sql = "DELETE FROM users"

	req := SubmitRequest{AgentID: h.agentID, Text: "delete every user"}

	// Unbounded DELETE suspends on approval.
	resp := h.pipeline.SubmitQuery(context.Background(), req)
	require.Equal(t, StatusPendingApproval, resp.Status)
	require.NotEmpty(t, resp.ApprovalID)
	assert.Contains(t, resp.Reason, "requires approval")
	assert.Equal(t, 0, h.conn.executed())

	require.NoError(t, h.pipeline.Approve(resp.ApprovalID, 1))

	// Resubmission executes exactly once.
	resumed := h.pipeline.SubmitQuery(context.Background(), req)
	require.Equal(t, StatusDone, resumed.Status, "reason: %s", resumed.Reason)
	assert.Equal(t, resp.ApprovalID, resumed.ApprovalID)
	assert.Equal(t, 1, h.conn.executed())

	// Second resubmission exceeds the execution budget.
	again := h.pipeline.SubmitQuery(context.Background(), req)
	require.Equal(t, StatusError, again.Status)
	assert.Contains(t, again.Reason, "execution limit")
	assert.Equal(t, 1, h.conn.executed())
}

func TestResubmitWhileStillPendingStaysPending(t *testing.T) {
	h := newHarness(t)
	h.provider.sql = "DELETE FROM users"

	req := SubmitRequest{AgentID: h.agentID, Text: "delete every user"}

	first := h.pipeline.SubmitQuery(context.Background(), req)
	require.Equal(t, StatusPendingApproval, first.Status)
	require.NotEmpty(t, first.ApprovalID)

	// Resubmitting before any decision is not an error: the caller keeps
	// waiting on the same approval, and nothing executes.
	again := h.pipeline.SubmitQuery(context.Background(), req)
	require.Equal(t, StatusPendingApproval, again.Status, "reason: %s", again.Reason)
	assert.Equal(t, first.ApprovalID, again.ApprovalID)
	assert.Equal(t, 0, h.conn.executed())

	// The queue still holds exactly one pending request.
	assert.Len(t, h.pipeline.PendingApprovals(), 1)

	// Approval then resumes normally.
	require.NoError(t, h.pipeline.Approve(first.ApprovalID, 1))
	resumed := h.pipeline.SubmitQuery(context.Background(), req)
	require.Equal(t, StatusDone, resumed.Status, "reason: %s", resumed.Reason)
	assert.Equal(t, 1, h.conn.executed())
}

func TestRejectedQueryNeverExecutes(t *testing.T) {
	h := newHarness(t)
	h.provider.sql = "DELETE FROM users"

	req := SubmitRequest{AgentID: h.agentID, Text: "delete every user"}
	resp := h.pipeline.SubmitQuery(context.Background(), req)
	require.Equal(t, StatusPendingApproval, resp.Status)

	require.NoError(t, h.pipeline.Reject(resp.ApprovalID, "too destructive"))

	// The pending record is dropped on reject: resubmission re-queues.
	again := h.pipeline.SubmitQuery(context.Background(), req)
	require.Equal(t, StatusPendingApproval, again.Status)
	assert.NotEqual(t, resp.ApprovalID, again.ApprovalID)
	assert.Equal(t, 0, h.conn.executed())
}

func TestMaskingAppliedToResults(t *testing.T) {
	h := newHarness(t)
	h.pipeline.masker.AddRule(security.MaskingRule{
		ColumnPattern: "email",
		Mode:          security.MaskHash,
		Enabled:       true,
	})
	h.conn.rows = []map[string]interface{}{
		{"id": 1, "email": "alice@example.com"},
		{"id": 2, "email": "bob@example.com"},
		{"id": 3, "email": "alice@example.com"},
	}

	resp := h.pipeline.SubmitQuery(context.Background(), SubmitRequest{
		AgentID: h.agentID,
		Text:    "show all users",
	})
	require.Equal(t, StatusDone, resp.Status)

	rows := resp.Result.Rows
	assert.Equal(t, rows[0]["email"], rows[2]["email"], "identical values mask identically")
	assert.NotEqual(t, rows[0]["email"], rows[1]["email"], "different values mask differently")
	assert.NotContains(t, rows[0]["email"], "@")
	// The connector's own rows stay unmasked.
	assert.Equal(t, "alice@example.com", h.conn.rows[0]["email"])
}

func TestCacheHitSkipsExecutionSpan(t *testing.T) {
	h := newHarness(t)
	req := SubmitRequest{AgentID: h.agentID, Text: "show all users"}

	first := h.pipeline.SubmitQuery(context.Background(), req)
	require.Equal(t, StatusDone, first.Status)
	assert.Equal(t, 1, h.conn.executed())

	second := h.pipeline.SubmitQuery(context.Background(), req)
	require.Equal(t, StatusDone, second.Status)
	assert.Equal(t, 1, h.conn.executed(), "second call must be served from cache")
	assert.True(t, second.Result.Cached)

	tr, err := h.pipeline.GetTrace(second.TraceID)
	require.NoError(t, err)
	for _, span := range tr.Spans {
		assert.NotEqual(t, trace.StageExecution, span.Stage,
			"cache hit must not record an execution span")
	}

	// Invalidation brings the next call back to the database.
	removed, err := h.pipeline.InvalidateCache(context.Background(), h.agentID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	third := h.pipeline.SubmitQuery(context.Background(), req)
	require.Equal(t, StatusDone, third.Status)
	assert.Equal(t, 2, h.conn.executed())
}

func TestRLSAppliedBeforeExecution(t *testing.T) {
	h := newHarness(t)
	h.pipeline.rls.AddRule(security.RLSRule{
		Table:     "users",
		Predicate: "tenant_id = {tenant_id}",
		Enabled:   true,
	})

	resp := h.pipeline.SubmitQuery(context.Background(), SubmitRequest{
		AgentID: h.agentID,
		Text:    "show all users",
		Context: map[string]interface{}{"tenant_id": "t-9"},
	})
	require.Equal(t, StatusDone, resp.Status, "reason: %s", resp.Reason)
	assert.Contains(t, resp.SQL, "tenant_id = 't-9'")
	assert.Contains(t, h.conn.queries[0].Statement, "tenant_id = 't-9'")
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t)

	readOnly, err := h.registry.Register(registry.RegisterInput{
		Name:           "read-only",
		DatabaseConfig: testDatabaseConfig(),
		Permissions:    types.PermissionSet{"*": {types.ActionRead}},
	})
	require.NoError(t, err)
	cfg := testDatabaseConfig()
	require.NoError(t, h.pipeline.pool.Register(readOnly.ID, cfg.Pooling, cfg.Timeouts))

	fm := llm.NewFailoverManager()
	writer := &trackingProvider{sql: "UPDATE users SET active = false WHERE id = 1"}
	require.NoError(t, fm.RegisterProvider(readOnly.ID, writer))
	h.pipeline.converter = nlsql.NewConverter(fm, nlsql.SchemaProviderFunc(
		func(_ context.Context, _ string) (string, error) { return "schema", nil }))

	resp := h.pipeline.SubmitQuery(context.Background(), SubmitRequest{
		AgentID: readOnly.ID,
		Text:    "deactivate user 1",
	})
	require.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Reason, "permission")
	assert.Equal(t, 0, h.conn.executed())
}

func TestDisabledAgentRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Disable(h.agentID))

	resp := h.pipeline.SubmitQuery(context.Background(), SubmitRequest{
		AgentID: h.agentID,
		Text:    "show all users",
	})
	require.Equal(t, StatusError, resp.Status)

	tr, err := h.pipeline.GetTrace(resp.TraceID)
	require.NoError(t, err)
	assert.True(t, tr.Failed)
	require.Len(t, tr.Spans, 1)
	assert.Equal(t, trace.StageInput, tr.Spans[0].Stage)
	assert.NotEmpty(t, tr.Spans[0].Error)
}

func TestPreviewQueryDoesNotExecuteOrCache(t *testing.T) {
	h := newHarness(t)

	preview, err := h.pipeline.PreviewQuery(context.Background(), h.agentID, "show all users")
	require.NoError(t, err)
	assert.Equal(t, "SELECT id, email FROM users", preview.SQL)
	assert.Equal(t, nlsql.SourceLLM, preview.ConversionSource)
	assert.Equal(t, 0, h.conn.executed())

	stats, err := h.pipeline.CacheStats(context.Background(), h.agentID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries, "preview must not touch the cache")
}

func TestForbiddenVerbQueuedNotExecuted(t *testing.T) {
	h := newHarness(t)
	h.provider.sql = "DROP TABLE users"

	resp := h.pipeline.SubmitQuery(context.Background(), SubmitRequest{
		AgentID: h.agentID,
		Text:    "remove the users table",
	})
	// Forbidden verb: critical, queued for approval rather than executed.
	require.Equal(t, StatusPendingApproval, resp.Status)
	assert.Contains(t, resp.Reason, "DROP")
	assert.Equal(t, 0, h.conn.executed())
}
