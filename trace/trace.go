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

// Package trace records per-query execution timelines. Each query gets
// a trace holding one span per pipeline stage; traces live in a
// fixed-capacity ring buffer so memory stays bounded.
//
// The approval stage is recorded only when a query is flagged for human
// review, so a successful unflagged query carries five spans (input,
// sql_generation, validation, execution, result) and an approved one
// carries six. A cache hit additionally skips the execution span.
package trace

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stage names the pipeline phases a span can cover.
type Stage string

const (
	StageInput         Stage = "input"
	StageSQLGeneration Stage = "sql_generation"
	StageValidation    Stage = "validation"
	StageApproval      Stage = "approval"
	StageExecution     Stage = "execution"
	StageResult        Stage = "result"
)

// Trace error codes.
const (
	ErrTraceNotFound   = "trace_not_found"
	ErrTraceTerminated = "trace_terminated"
	ErrSpanNotOpen     = "span_not_open"
	ErrSpanAlreadyOpen = "span_already_open"
)

// TraceError reports a tracer operation failure.
type TraceError struct {
	TraceID string
	Code    string
	Message string
}

// Error implements the error interface.
func (e *TraceError) Error() string {
	return fmt.Sprintf("trace %q (%s): %s", e.TraceID, e.Code, e.Message)
}

// Span covers one stage of one query.
type Span struct {
	Stage     Stage                  `json:"stage"`
	StartTime time.Time              `json:"start_time"`
	EndTime   time.Time              `json:"end_time"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Duration is the span's elapsed time; zero while still open.
func (s *Span) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Trace is the recorded timeline of one query. Spans are append-only
// and strictly ordered; once the result span or an error span closes
// the trace no further spans are accepted.
type Trace struct {
	TraceID     string    `json:"trace_id"`
	AgentID     string    `json:"agent_id"`
	Query       string    `json:"query"`
	QueryType   string    `json:"query_type,omitempty"`
	Spans       []Span    `json:"spans"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Terminal    bool      `json:"terminal"`
	Failed      bool      `json:"failed"`
}

// Filter selects traces in ListTraces. Nil fields match everything.
type Filter struct {
	AgentID   string
	Success   *bool
	QueryType string
}

// Tracer owns the process-wide trace ring buffer.
// Safe for concurrent use.
type Tracer struct {
	capacity int
	traces   map[string]*Trace
	order    []string // oldest first
	now      func() time.Time
	mu       sync.Mutex
}

// DefaultCapacity bounds the ring buffer when none is configured.
const DefaultCapacity = 1000

// TracerOption configures the Tracer.
type TracerOption func(*Tracer)

// WithTracerClock overrides the time source (tests).
func WithTracerClock(now func() time.Time) TracerOption {
	return func(t *Tracer) {
		t.now = now
	}
}

// NewTracer creates a tracer holding at most capacity traces. A
// non-positive capacity falls back to the default.
func NewTracer(capacity int, opts ...TracerOption) *Tracer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	t := &Tracer{
		capacity: capacity,
		traces:   make(map[string]*Trace),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartTrace opens a new trace and returns its ID. The oldest trace is
// evicted once the buffer is full.
func (t *Tracer) StartTrace(agentID, query, queryType string) string {
	traceID := uuid.New().String()
	tr := &Trace{
		TraceID:   traceID,
		AgentID:   agentID,
		Query:     query,
		QueryType: queryType,
		StartedAt: t.now(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) >= t.capacity {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.traces, oldest)
	}
	t.traces[traceID] = tr
	t.order = append(t.order, traceID)
	return traceID
}

// SetQueryType tags a trace once the statement kind is known, which is
// usually only after SQL generation.
func (t *Tracer) SetQueryType(traceID, queryType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.traces[traceID]; ok {
		tr.QueryType = queryType
	}
}

// StartSpan opens a span for a stage. Fails on unknown traces,
// terminated traces, and when the previous span is still open.
func (t *Tracer) StartSpan(traceID string, stage Stage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.traces[traceID]
	if !ok {
		return &TraceError{TraceID: traceID, Code: ErrTraceNotFound, Message: "not found"}
	}
	if tr.Terminal {
		return &TraceError{TraceID: traceID, Code: ErrTraceTerminated,
			Message: fmt.Sprintf("cannot start %s span on a terminated trace", stage)}
	}
	if n := len(tr.Spans); n > 0 && tr.Spans[n-1].EndTime.IsZero() {
		return &TraceError{TraceID: traceID, Code: ErrSpanAlreadyOpen,
			Message: fmt.Sprintf("span %s is still open", tr.Spans[n-1].Stage)}
	}

	tr.Spans = append(tr.Spans, Span{Stage: stage, StartTime: t.now()})
	return nil
}

// EndSpan closes the open span for a stage. A non-nil err marks the
// span failed and terminates the trace; closing the result span also
// terminates it, successfully.
func (t *Tracer) EndSpan(traceID string, stage Stage, metadata map[string]interface{}, spanErr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.traces[traceID]
	if !ok {
		return &TraceError{TraceID: traceID, Code: ErrTraceNotFound, Message: "not found"}
	}

	n := len(tr.Spans)
	if n == 0 || tr.Spans[n-1].Stage != stage || !tr.Spans[n-1].EndTime.IsZero() {
		return &TraceError{TraceID: traceID, Code: ErrSpanNotOpen,
			Message: fmt.Sprintf("no open %s span", stage)}
	}

	span := &tr.Spans[n-1]
	span.EndTime = t.now()
	span.Metadata = metadata
	if spanErr != nil {
		span.Error = spanErr.Error()
		tr.Terminal = true
		tr.Failed = true
		tr.CompletedAt = span.EndTime
	} else if stage == StageResult {
		tr.Terminal = true
		tr.CompletedAt = span.EndTime
	}
	return nil
}

// GetTrace returns a snapshot of one trace.
func (t *Tracer) GetTrace(traceID string) (*Trace, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.traces[traceID]
	if !ok {
		return nil, &TraceError{TraceID: traceID, Code: ErrTraceNotFound, Message: "not found"}
	}
	return copyTrace(tr), nil
}

// ListTraces returns matching traces, oldest first.
func (t *Tracer) ListTraces(filter Filter) []Trace {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Trace, 0)
	for _, traceID := range t.order {
		tr := t.traces[traceID]
		if filter.AgentID != "" && tr.AgentID != filter.AgentID {
			continue
		}
		if filter.QueryType != "" && tr.QueryType != filter.QueryType {
			continue
		}
		if filter.Success != nil {
			succeeded := tr.Terminal && !tr.Failed
			if *filter.Success != succeeded {
				continue
			}
		}
		out = append(out, *copyTrace(tr))
	}
	return out
}

// Len reports the number of retained traces.
func (t *Tracer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.traces)
}

func copyTrace(tr *Trace) *Trace {
	copied := *tr
	copied.Spans = make([]Span, len(tr.Spans))
	copy(copied.Spans, tr.Spans)
	return &copied
}
