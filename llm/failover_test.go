package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	name     string
	ptype    ProviderType
	sql      string
	genErr   error
	probeErr error
	calls    int
	probes   int
}

func (m *mockProvider) Name() string       { return m.name }
func (m *mockProvider) Type() ProviderType { return m.ptype }

func (m *mockProvider) GenerateSQL(_ context.Context, _, _ string) (string, error) {
	m.calls++
	if m.genErr != nil {
		return "", m.genErr
	}
	return m.sql, nil
}

func (m *mockProvider) HealthProbe(_ context.Context) (time.Duration, error) {
	m.probes++
	return 5 * time.Millisecond, m.probeErr
}

func setupChain(t *testing.T, providers ...*mockProvider) (*FailoverManager, string) {
	t.Helper()
	m := NewFailoverManager()
	agentID := "agent-1"
	for _, p := range providers {
		require.NoError(t, m.RegisterProvider(agentID, p))
	}
	return m, agentID
}

func TestFailover_ExhaustionAttemptsEveryProviderOnce(t *testing.T) {
	p1 := &mockProvider{name: "openai-primary", ptype: ProviderTypeOpenAI, genErr: errors.New("rate limited")}
	p2 := &mockProvider{name: "anthropic-backup", ptype: ProviderTypeAnthropic, genErr: errors.New("timeout")}
	p3 := &mockProvider{name: "bedrock-backup", ptype: ProviderTypeBedrock, genErr: errors.New("throttled")}
	m, agentID := setupChain(t, p1, p2, p3)
	require.NoError(t, m.ConfigureFailover(agentID, "openai-primary", []string{"anthropic-backup", "bedrock-backup"}, 3))

	var order []string
	err := m.ExecuteWithFailover(context.Background(), agentID, func(ctx context.Context, p Provider) error {
		order = append(order, p.Name())
		_, err := p.GenerateSQL(ctx, "show users", "")
		return err
	})
	require.Error(t, err)

	// Exactly one attempt per provider, in configured order.
	assert.Equal(t, []string{"openai-primary", "anthropic-backup", "bedrock-backup"}, order)
	assert.Equal(t, 1, p1.calls)
	assert.Equal(t, 1, p2.calls)
	assert.Equal(t, 1, p3.calls)

	var allFailed *AllProvidersFailedError
	require.True(t, errors.As(err, &allFailed))
	assert.Len(t, allFailed.Attempts, 3)
	assert.Equal(t, "openai-primary", allFailed.Attempts[0].Provider)
}

func TestFailover_SucceedsOnFirstWorkingProvider(t *testing.T) {
	p1 := &mockProvider{name: "openai-primary", ptype: ProviderTypeOpenAI, genErr: errors.New("down")}
	p2 := &mockProvider{name: "anthropic-backup", ptype: ProviderTypeAnthropic, sql: "SELECT 1"}
	m, agentID := setupChain(t, p1, p2)
	require.NoError(t, m.ConfigureFailover(agentID, "openai-primary", []string{"anthropic-backup"}, 3))

	var got string
	err := m.ExecuteWithFailover(context.Background(), agentID, func(ctx context.Context, p Provider) error {
		sql, err := p.GenerateSQL(ctx, "show users", "")
		got = sql
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", got)
	assert.Equal(t, 1, p1.calls)
	assert.Equal(t, 1, p2.calls)
}

func TestFailover_AutomaticSwitchAfterThreshold(t *testing.T) {
	p1 := &mockProvider{name: "openai-primary", ptype: ProviderTypeOpenAI, probeErr: errors.New("unreachable")}
	p2 := &mockProvider{name: "anthropic-backup", ptype: ProviderTypeAnthropic, sql: "SELECT 1"}
	m, agentID := setupChain(t, p1, p2)
	require.NoError(t, m.ConfigureFailover(agentID, "openai-primary", []string{"anthropic-backup"}, 3))

	// Three consecutive failed health checks against the primary.
	for i := 0; i < 3; i++ {
		h, err := m.CheckHealth(context.Background(), agentID, "openai-primary")
		require.NoError(t, err)
		assert.Equal(t, i+1, h.ConsecutiveFailures)
		assert.False(t, h.IsHealthy)
	}

	// The next request goes to the backup without touching the primary
	// and without an explicit SwitchProvider call.
	var used string
	err := m.ExecuteWithFailover(context.Background(), agentID, func(ctx context.Context, p Provider) error {
		used = p.Name()
		_, err := p.GenerateSQL(ctx, "show users", "")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic-backup", used)
	assert.Equal(t, 0, p1.calls)

	active, err := m.ActiveProvider(agentID)
	require.NoError(t, err)
	assert.Equal(t, "anthropic-backup", active)
}

func TestFailover_HealthResetOnSuccess(t *testing.T) {
	p1 := &mockProvider{name: "openai-primary", ptype: ProviderTypeOpenAI, probeErr: errors.New("blip")}
	m, agentID := setupChain(t, p1)

	_, err := m.CheckHealth(context.Background(), agentID, "openai-primary")
	require.NoError(t, err)
	h, err := m.GetHealth(agentID, "openai-primary")
	require.NoError(t, err)
	assert.Equal(t, 1, h.ConsecutiveFailures)

	p1.probeErr = nil
	h, err = m.CheckHealth(context.Background(), agentID, "openai-primary")
	require.NoError(t, err)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.True(t, h.IsHealthy)
	assert.Equal(t, 5*time.Millisecond, h.LastLatency)
}

func TestFailover_ManualSwitch(t *testing.T) {
	p1 := &mockProvider{name: "openai-primary", ptype: ProviderTypeOpenAI}
	p2 := &mockProvider{name: "anthropic-backup", ptype: ProviderTypeAnthropic}
	m, agentID := setupChain(t, p1, p2)
	require.NoError(t, m.ConfigureFailover(agentID, "openai-primary", []string{"anthropic-backup"}, 3))

	require.NoError(t, m.SwitchProvider(agentID, "anthropic-backup"))
	active, err := m.ActiveProvider(agentID)
	require.NoError(t, err)
	assert.Equal(t, "anthropic-backup", active)

	err = m.SwitchProvider(agentID, "gemini-nope")
	var unknown *UnknownProviderError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "gemini-nope", unknown.Provider)
}

// failoverAttempts reads the provider-failover counter for one
// provider/result pair from the default Prometheus registry.
func failoverAttempts(t *testing.T, provider, result string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "agent_connector_provider_failovers_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := make(map[string]string, len(metric.GetLabel()))
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["provider"] == provider && labels["result"] == result {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestFailover_AttemptsAreCounted(t *testing.T) {
	// Provider names unique to this test so counter values start at zero.
	p1 := &mockProvider{name: "counted-primary", ptype: ProviderTypeOpenAI, genErr: errors.New("down")}
	p2 := &mockProvider{name: "counted-backup", ptype: ProviderTypeAnthropic, sql: "SELECT 1"}
	m, agentID := setupChain(t, p1, p2)
	require.NoError(t, m.ConfigureFailover(agentID, "counted-primary", []string{"counted-backup"}, 3))

	err := m.ExecuteWithFailover(context.Background(), agentID, func(ctx context.Context, p Provider) error {
		_, err := p.GenerateSQL(ctx, "show users", "")
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, failoverAttempts(t, "counted-primary", "failure"))
	assert.Equal(t, 1.0, failoverAttempts(t, "counted-backup", "success"))
	assert.Equal(t, 0.0, failoverAttempts(t, "counted-primary", "success"))
}

func TestFailover_ConfigureRejectsUnknownProvider(t *testing.T) {
	p1 := &mockProvider{name: "openai-primary", ptype: ProviderTypeOpenAI}
	m, agentID := setupChain(t, p1)

	err := m.ConfigureFailover(agentID, "openai-primary", []string{"ghost"}, 3)
	var unknown *UnknownProviderError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "ghost", unknown.Provider)
}

func TestFailover_DuplicateRegistrationRejected(t *testing.T) {
	p1 := &mockProvider{name: "openai-primary", ptype: ProviderTypeOpenAI}
	m, agentID := setupChain(t, p1)

	err := m.RegisterProvider(agentID, &mockProvider{name: "openai-primary"})
	assert.Error(t, err)
}

func TestFailover_NoProvidersConfigured(t *testing.T) {
	m := NewFailoverManager()
	err := m.ExecuteWithFailover(context.Background(), "ghost", func(context.Context, Provider) error {
		return nil
	})
	assert.Error(t, err)
}

func TestExtractSQL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare statement", "SELECT * FROM users", "SELECT * FROM users"},
		{"trailing semicolon", "SELECT 1;", "SELECT 1"},
		{"sql fence", "```sql\nSELECT * FROM users\n```", "SELECT * FROM users"},
		{"plain fence", "```\nSELECT 1\n```", "SELECT 1"},
		{"prose before fence", "Here is the query:\n```sql\nSELECT id FROM t;\n```", "SELECT id FROM t"},
		{"whitespace", "  SELECT 1  ", "SELECT 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractSQL(tt.input))
		})
	}
}
