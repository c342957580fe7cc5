package trace

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStages = []Stage{StageInput, StageSQLGeneration, StageValidation, StageApproval, StageExecution, StageResult}

func recordFullTrace(t *testing.T, tracer *Tracer, agentID string) string {
	t.Helper()
	traceID := tracer.StartTrace(agentID, "show all users", "select")
	for _, stage := range allStages {
		require.NoError(t, tracer.StartSpan(traceID, stage))
		require.NoError(t, tracer.EndSpan(traceID, stage, nil, nil))
	}
	return traceID
}

func TestFullTraceHasAllSixStages(t *testing.T) {
	tracer := NewTracer(10)
	traceID := recordFullTrace(t, tracer, "agent-1")

	tr, err := tracer.GetTrace(traceID)
	require.NoError(t, err)
	require.Len(t, tr.Spans, 6)
	for i, stage := range allStages {
		assert.Equal(t, stage, tr.Spans[i].Stage)
		assert.False(t, tr.Spans[i].EndTime.IsZero())
	}
	assert.True(t, tr.Terminal)
	assert.False(t, tr.Failed)
	assert.False(t, tr.CompletedAt.IsZero())
}

func TestSpansStrictlyOrdered(t *testing.T) {
	tracer := NewTracer(10)
	traceID := recordFullTrace(t, tracer, "agent-1")

	tr, err := tracer.GetTrace(traceID)
	require.NoError(t, err)
	for i := 1; i < len(tr.Spans); i++ {
		assert.False(t, tr.Spans[i].StartTime.Before(tr.Spans[i-1].EndTime),
			"span %s must not start before %s ended", tr.Spans[i].Stage, tr.Spans[i-1].Stage)
	}
}

func TestErrorSpanTerminatesTrace(t *testing.T) {
	tracer := NewTracer(10)
	traceID := tracer.StartTrace("agent-1", "drop everything", "delete")

	require.NoError(t, tracer.StartSpan(traceID, StageInput))
	require.NoError(t, tracer.EndSpan(traceID, StageInput, nil, nil))
	require.NoError(t, tracer.StartSpan(traceID, StageValidation))
	require.NoError(t, tracer.EndSpan(traceID, StageValidation, nil, errors.New("forbidden verb DROP detected")))

	// Later stages are never started for an aborted trace.
	err := tracer.StartSpan(traceID, StageExecution)
	var traceErr *TraceError
	require.ErrorAs(t, err, &traceErr)
	assert.Equal(t, ErrTraceTerminated, traceErr.Code)

	tr, getErr := tracer.GetTrace(traceID)
	require.NoError(t, getErr)
	assert.True(t, tr.Failed)
	assert.Equal(t, "forbidden verb DROP detected", tr.Spans[1].Error)
}

func TestStartSpanWhilePreviousOpenFails(t *testing.T) {
	tracer := NewTracer(10)
	traceID := tracer.StartTrace("agent-1", "q", "select")

	require.NoError(t, tracer.StartSpan(traceID, StageInput))
	err := tracer.StartSpan(traceID, StageSQLGeneration)
	var traceErr *TraceError
	require.ErrorAs(t, err, &traceErr)
	assert.Equal(t, ErrSpanAlreadyOpen, traceErr.Code)
}

func TestEndSpanWrongStageFails(t *testing.T) {
	tracer := NewTracer(10)
	traceID := tracer.StartTrace("agent-1", "q", "select")

	require.NoError(t, tracer.StartSpan(traceID, StageInput))
	err := tracer.EndSpan(traceID, StageValidation, nil, nil)
	var traceErr *TraceError
	require.ErrorAs(t, err, &traceErr)
	assert.Equal(t, ErrSpanNotOpen, traceErr.Code)
}

func TestGetTraceNotFound(t *testing.T) {
	tracer := NewTracer(10)

	_, err := tracer.GetTrace("no-such-trace")
	var traceErr *TraceError
	require.ErrorAs(t, err, &traceErr)
	assert.Equal(t, ErrTraceNotFound, traceErr.Code)
}

func TestRingBufferEvictsOldest(t *testing.T) {
	tracer := NewTracer(3)

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = tracer.StartTrace("agent-1", fmt.Sprintf("query %d", i), "select")
	}

	assert.Equal(t, 3, tracer.Len())

	// The two oldest traces are gone; the three newest remain.
	for _, evicted := range ids[:2] {
		_, err := tracer.GetTrace(evicted)
		assert.Error(t, err)
	}
	for _, kept := range ids[2:] {
		_, err := tracer.GetTrace(kept)
		assert.NoError(t, err)
	}
}

func TestListTracesFilters(t *testing.T) {
	tracer := NewTracer(10)
	recordFullTrace(t, tracer, "agent-1")
	recordFullTrace(t, tracer, "agent-2")

	failedID := tracer.StartTrace("agent-1", "bad query", "delete")
	require.NoError(t, tracer.StartSpan(failedID, StageInput))
	require.NoError(t, tracer.EndSpan(failedID, StageInput, nil, errors.New("boom")))

	assert.Len(t, tracer.ListTraces(Filter{}), 3)
	assert.Len(t, tracer.ListTraces(Filter{AgentID: "agent-1"}), 2)
	assert.Len(t, tracer.ListTraces(Filter{QueryType: "delete"}), 1)

	success := true
	assert.Len(t, tracer.ListTraces(Filter{Success: &success}), 2)
	failure := false
	failedTraces := tracer.ListTraces(Filter{AgentID: "agent-1", Success: &failure})
	require.Len(t, failedTraces, 1)
	assert.Equal(t, failedID, failedTraces[0].TraceID)
}

func TestGetTraceReturnsSnapshot(t *testing.T) {
	tracer := NewTracer(10)
	traceID := recordFullTrace(t, tracer, "agent-1")

	tr, err := tracer.GetTrace(traceID)
	require.NoError(t, err)
	tr.Spans[0].Stage = "tampered"

	fresh, err := tracer.GetTrace(traceID)
	require.NoError(t, err)
	assert.Equal(t, StageInput, fresh.Spans[0].Stage)
}
