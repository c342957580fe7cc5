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

// Package pipeline composes the governed query flow: agent lookup,
// NL-to-SQL conversion, row-level security, complexity validation,
// approval gating, cache, execution, and masking. Every stage is
// traced, and "needs approval" is a first-class response status, not
// an error.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vpakspace/universal-agent-connector-sub000/approval"
	"github.com/vpakspace/universal-agent-connector-sub000/cache"
	"github.com/vpakspace/universal-agent-connector-sub000/connector"
	"github.com/vpakspace/universal-agent-connector-sub000/metrics"
	"github.com/vpakspace/universal-agent-connector-sub000/nlsql"
	"github.com/vpakspace/universal-agent-connector-sub000/pool"
	"github.com/vpakspace/universal-agent-connector-sub000/registry"
	"github.com/vpakspace/universal-agent-connector-sub000/security"
	"github.com/vpakspace/universal-agent-connector-sub000/shared/logger"
	"github.com/vpakspace/universal-agent-connector-sub000/shared/types"
	"github.com/vpakspace/universal-agent-connector-sub000/trace"
)

// State is a step in the pipeline state machine.
type State string

const (
	StateReceived        State = "RECEIVED"
	StateConverting      State = "CONVERTING"
	StateRLSApplied      State = "RLS_APPLIED"
	StateValidating      State = "VALIDATING"
	StateApprovalPending State = "APPROVAL_PENDING"
	StateReady           State = "READY"
	StateCacheCheck      State = "CACHE_CHECK"
	StateExecuting       State = "EXECUTING"
	StateMasking         State = "MASKING"
	StateDone            State = "DONE"
	StateError           State = "ERROR"
)

// Status is the caller-facing outcome of a submission.
type Status string

const (
	StatusDone            Status = "done"
	StatusPendingApproval Status = "pending_approval"
	StatusError           Status = "error"
)

// SubmitRequest is one natural-language query submission.
type SubmitRequest struct {
	AgentID      string                 `json:"agent_id"`
	Text         string                 `json:"text"`
	TemplateName string                 `json:"template_name,omitempty"`
	Params       map[string]interface{} `json:"params,omitempty"`
	// Context carries RLS variables such as the tenant or user ID.
	Context map[string]interface{} `json:"context,omitempty"`
	// CacheTTLOverride overrides the agent's cache TTL for this result.
	CacheTTLOverride time.Duration `json:"-"`
}

// Response is the structured outcome of a submission.
type Response struct {
	Status           Status                 `json:"status"`
	SQL              string                 `json:"sql,omitempty"`
	ConversionSource nlsql.ConversionSource `json:"conversion_source,omitempty"`
	Result           *connector.QueryResult `json:"result,omitempty"`
	ApprovalID       string                 `json:"approval_id,omitempty"`
	TraceID          string                 `json:"trace_id"`
	Reason           string                 `json:"reason,omitempty"`
}

// Preview is the outcome of a preview call: SQL without execution.
type Preview struct {
	SQL              string                 `json:"sql"`
	ConversionSource nlsql.ConversionSource `json:"conversion_source"`
}

// pendingQuery is a submission suspended on human approval.
type pendingQuery struct {
	approvalID string
	traceID    string
	request    SubmitRequest
	sql        string
	source     nlsql.ConversionSource
}

// Pipeline is the governed query orchestrator. All collaborating
// stores are injected at construction; the pipeline holds no hidden
// process-wide state.
type Pipeline struct {
	registry  *registry.AgentRegistry
	pool      *pool.ConnectionPool
	converter *nlsql.Converter
	rls       *security.RowLevelSecurityEngine
	validator *security.QueryComplexityValidator
	masker    *security.ColumnMaskingEngine
	approvals *approval.Queue
	cache     *cache.QueryCache
	tracer    *trace.Tracer
	log       *logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingQuery // by approval ID
	byQuery map[string]string        // (agent, sql) -> approval ID
}

// Config wires the pipeline's collaborators.
type Config struct {
	Registry  *registry.AgentRegistry
	Pool      *pool.ConnectionPool
	Converter *nlsql.Converter
	RLS       *security.RowLevelSecurityEngine
	Validator *security.QueryComplexityValidator
	Masker    *security.ColumnMaskingEngine
	Approvals *approval.Queue
	Cache     *cache.QueryCache
	Tracer    *trace.Tracer
	Logger    *logger.Logger
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	lg := cfg.Logger
	if lg == nil {
		lg = logger.New("pipeline")
	}
	return &Pipeline{
		registry:  cfg.Registry,
		pool:      cfg.Pool,
		converter: cfg.Converter,
		rls:       cfg.RLS,
		validator: cfg.Validator,
		masker:    cfg.Masker,
		approvals: cfg.Approvals,
		cache:     cfg.Cache,
		tracer:    cfg.Tracer,
		log:       lg,
		pending:   make(map[string]*pendingQuery),
		byQuery:   make(map[string]string),
	}
}

// SubmitQuery runs one query through the full pipeline. High-risk
// queries return pending_approval and suspend; resubmitting the same
// request after approval resumes at the cache check, consuming one
// execution slot.
func (p *Pipeline) SubmitQuery(ctx context.Context, req SubmitRequest) *Response {
	traceID := p.tracer.StartTrace(req.AgentID, req.Text, "")

	// RECEIVED: permission and identity gate.
	if err := p.tracer.StartSpan(traceID, trace.StageInput); err != nil {
		return p.fail(traceID, trace.StageInput, req, err)
	}
	agent, err := p.registry.GetActive(req.AgentID)
	if err != nil {
		_ = p.tracer.EndSpan(traceID, trace.StageInput, nil, err)
		return p.errorResponse(traceID, req, err)
	}
	_ = p.tracer.EndSpan(traceID, trace.StageInput, map[string]interface{}{"agent": agent.Name}, nil)

	// CONVERTING then RLS_APPLIED.
	if err := p.tracer.StartSpan(traceID, trace.StageSQLGeneration); err != nil {
		return p.fail(traceID, trace.StageSQLGeneration, req, err)
	}
	conversion, err := p.converter.Convert(ctx, nlsql.Request{
		AgentID:      req.AgentID,
		Text:         req.Text,
		TemplateName: req.TemplateName,
		Params:       req.Params,
	})
	if err != nil {
		_ = p.tracer.EndSpan(traceID, trace.StageSQLGeneration, nil, err)
		return p.errorResponse(traceID, req, err)
	}
	sql, err := p.rls.Apply(conversion.SQL, req.AgentID, req.Context)
	if err != nil {
		_ = p.tracer.EndSpan(traceID, trace.StageSQLGeneration, nil, err)
		return p.errorResponse(traceID, req, err)
	}
	p.tracer.SetQueryType(traceID, statementKind(sql))
	_ = p.tracer.EndSpan(traceID, trace.StageSQLGeneration, map[string]interface{}{
		"conversion_source": string(conversion.Source),
		"rls_applied":       sql != conversion.SQL,
	}, nil)

	if !p.permitted(agent.Permissions, sql) {
		reason := fmt.Errorf("agent %q lacks %s permission for this statement", req.AgentID, requiredAction(sql))
		return p.failOpenSpan(ctx, traceID, trace.StageValidation, req, reason)
	}

	// VALIDATING.
	if err := p.tracer.StartSpan(traceID, trace.StageValidation); err != nil {
		return p.fail(traceID, trace.StageValidation, req, err)
	}
	validation := p.validator.Validate(sql, req.AgentID)
	_ = p.tracer.EndSpan(traceID, trace.StageValidation, map[string]interface{}{
		"risk_level":       string(validation.RiskLevel),
		"complexity_score": validation.ComplexityScore,
		"reasons":          validation.Reasons,
	}, nil)

	if validation.RequiresApproval {
		return p.gateOnApproval(ctx, traceID, req, sql, conversion.Source, validation)
	}

	return p.executeGoverned(ctx, traceID, req, sql, conversion.Source, "")
}

// gateOnApproval suspends a flagged query, or resumes it when the
// matching approval request has been approved in the meantime.
func (p *Pipeline) gateOnApproval(ctx context.Context, traceID string, req SubmitRequest, sql string, source nlsql.ConversionSource, validation security.ValidationResult) *Response {
	key := req.AgentID + "\x00" + sql

	p.mu.Lock()
	approvalID, known := p.byQuery[key]
	p.mu.Unlock()

	if known {
		// Resubmission of a suspended query: still pending means the
		// caller keeps waiting, approved means resume. Errors are
		// reserved for rejected or exhausted approvals.
		if current, err := p.approvals.Get(approvalID); err == nil && current.Status == approval.StatusPending {
			if err := p.tracer.StartSpan(traceID, trace.StageApproval); err == nil {
				_ = p.tracer.EndSpan(traceID, trace.StageApproval, map[string]interface{}{
					"approval_id": approvalID,
					"awaiting":    true,
				}, nil)
			}
			metrics.RecordQuery(string(StatusPendingApproval))
			return &Response{
				Status:           StatusPendingApproval,
				SQL:              sql,
				ConversionSource: source,
				ApprovalID:       approvalID,
				TraceID:          traceID,
				Reason:           "awaiting approval decision",
			}
		}
		if err := p.approvals.ConsumeExecution(approvalID); err != nil {
			_ = p.tracer.StartSpan(traceID, trace.StageApproval)
			_ = p.tracer.EndSpan(traceID, trace.StageApproval,
				map[string]interface{}{"approval_id": approvalID}, err)
			resp := p.errorResponse(traceID, req, err)
			resp.ApprovalID = approvalID
			return resp
		}
		if err := p.tracer.StartSpan(traceID, trace.StageApproval); err == nil {
			_ = p.tracer.EndSpan(traceID, trace.StageApproval, map[string]interface{}{
				"approval_id": approvalID,
				"resumed":     true,
			}, nil)
		}
		return p.executeGoverned(ctx, traceID, req, sql, source, approvalID)
	}

	request := p.approvals.Submit(req.AgentID, req.Text, sql, validation)
	p.mu.Lock()
	p.pending[request.ApprovalID] = &pendingQuery{
		approvalID: request.ApprovalID,
		traceID:    traceID,
		request:    req,
		sql:        sql,
		source:     source,
	}
	p.byQuery[key] = request.ApprovalID
	p.mu.Unlock()
	metrics.SetApprovalQueueDepth(p.approvals.PendingCount())

	if err := p.tracer.StartSpan(traceID, trace.StageApproval); err == nil {
		_ = p.tracer.EndSpan(traceID, trace.StageApproval, map[string]interface{}{
			"approval_id": request.ApprovalID,
			"risk_level":  string(validation.RiskLevel),
		}, nil)
	}

	reason := "requires approval"
	if len(validation.Reasons) > 0 {
		reason = "requires approval: " + strings.Join(validation.Reasons, "; ")
	}
	p.log.Warn(req.AgentID, traceID, "query suspended pending approval",
		map[string]interface{}{"approval_id": request.ApprovalID, "risk": validation.RiskLevel})
	metrics.RecordQuery(string(StatusPendingApproval))

	return &Response{
		Status:           StatusPendingApproval,
		SQL:              sql,
		ConversionSource: source,
		ApprovalID:       request.ApprovalID,
		TraceID:          traceID,
		Reason:           reason,
	}
}

// executeGoverned runs CACHE_CHECK -> EXECUTING -> MASKING -> DONE.
// A cache hit jumps straight to masking, recording no execution span.
func (p *Pipeline) executeGoverned(ctx context.Context, traceID string, req SubmitRequest, sql string, source nlsql.ConversionSource, approvalID string) *Response {
	cached, err := p.cache.Get(ctx, req.AgentID, sql, req.Params)
	if err != nil {
		return p.failOpenSpan(ctx, traceID, trace.StageExecution, req, err)
	}
	metrics.RecordCacheLookup(cached != nil)

	var result *connector.QueryResult
	if cached != nil {
		result = cached
	} else {
		if err := p.tracer.StartSpan(traceID, trace.StageExecution); err != nil {
			return p.fail(traceID, trace.StageExecution, req, err)
		}
		start := time.Now()
		result, err = p.execute(ctx, req, sql)
		metrics.RecordStage(string(trace.StageExecution), time.Since(start))
		if err != nil {
			_ = p.tracer.EndSpan(traceID, trace.StageExecution, nil, err)
			return p.errorResponse(traceID, req, err)
		}
		_ = p.tracer.EndSpan(traceID, trace.StageExecution, map[string]interface{}{
			"row_count":   result.RowCount,
			"duration_ms": result.Duration.Milliseconds(),
		}, nil)

		if putErr := p.cache.Put(ctx, req.AgentID, sql, req.Params, *result, req.CacheTTLOverride); putErr != nil {
			p.log.Warn(req.AgentID, traceID, "failed to cache result",
				map[string]interface{}{"error": putErr.Error()})
		}
	}

	// MASKING and result assembly.
	if err := p.tracer.StartSpan(traceID, trace.StageResult); err != nil {
		return p.fail(traceID, trace.StageResult, req, err)
	}
	maskedRows := p.masker.Mask(result.Rows, result.Columns, req.AgentID)
	final := *result
	final.Rows = maskedRows
	_ = p.tracer.EndSpan(traceID, trace.StageResult, map[string]interface{}{
		"row_count": final.RowCount,
		"cache_hit": cached != nil,
	}, nil)

	metrics.RecordQuery(string(StatusDone))
	p.log.Info(req.AgentID, traceID, "query completed", map[string]interface{}{
		"rows":      final.RowCount,
		"cache_hit": cached != nil,
		"source":    string(source),
	})

	return &Response{
		Status:           StatusDone,
		SQL:              sql,
		ConversionSource: source,
		Result:           &final,
		ApprovalID:       approvalID,
		TraceID:          traceID,
	}
}

// execute acquires a pooled connector and runs the statement with the
// agent's query timeout.
func (p *Pipeline) execute(ctx context.Context, req SubmitRequest, sql string) (*connector.QueryResult, error) {
	acquireStart := time.Now()
	pc, err := p.pool.Acquire(ctx, req.AgentID)
	metrics.RecordPoolAcquireWait(time.Since(acquireStart))
	if err != nil {
		return nil, err
	}
	defer p.pool.Release(ctx, pc)

	dbConfig, err := p.registry.GetDatabaseConfig(req.AgentID)
	if err != nil {
		return nil, err
	}

	result, err := pc.Connector.Query(ctx, &connector.Query{
		Statement:  sql,
		Parameters: req.Params,
		Timeout:    dbConfig.Timeouts.QueryTimeout(),
	})
	if err != nil {
		pc.MarkErrored()
		return nil, err
	}
	return result, nil
}

// PreviewQuery converts without executing: no cache interaction, no
// database access, no approval gating.
func (p *Pipeline) PreviewQuery(ctx context.Context, agentID, text string) (*Preview, error) {
	if _, err := p.registry.GetActive(agentID); err != nil {
		return nil, err
	}
	conversion, err := p.converter.Convert(ctx, nlsql.Request{AgentID: agentID, Text: text})
	if err != nil {
		return nil, err
	}
	return &Preview{SQL: conversion.SQL, ConversionSource: conversion.Source}, nil
}

// Approve grants a suspended query an execution budget.
func (p *Pipeline) Approve(approvalID string, maxExecutions int) error {
	if err := p.approvals.Approve(approvalID, maxExecutions); err != nil {
		return err
	}
	metrics.SetApprovalQueueDepth(p.approvals.PendingCount())
	return nil
}

// Reject declines a suspended query and drops its pending state.
func (p *Pipeline) Reject(approvalID, reason string) error {
	if err := p.approvals.Reject(approvalID, reason); err != nil {
		return err
	}
	p.clearPending(approvalID)
	metrics.SetApprovalQueueDepth(p.approvals.PendingCount())
	return nil
}

// GetTrace returns one query's recorded timeline.
func (p *Pipeline) GetTrace(traceID string) (*trace.Trace, error) {
	return p.tracer.GetTrace(traceID)
}

// ListTraces returns recorded traces matching the filter.
func (p *Pipeline) ListTraces(filter trace.Filter) []trace.Trace {
	return p.tracer.ListTraces(filter)
}

// InvalidateCache clears cached results by agent and/or SQL pattern.
func (p *Pipeline) InvalidateCache(ctx context.Context, agentID, pattern string) (int, error) {
	return p.cache.Invalidate(ctx, agentID, pattern)
}

// CacheStats reports cache effectiveness for one agent or globally.
func (p *Pipeline) CacheStats(ctx context.Context, agentID string) (cache.Stats, error) {
	return p.cache.GetStats(ctx, agentID)
}

// PendingApprovals lists queries waiting on human review.
func (p *Pipeline) PendingApprovals() []approval.Request {
	return p.approvals.ListPending()
}

// clearPending forgets a suspended query so a later identical
// submission goes through validation and approval from scratch. The
// mapping is kept after the execution budget is spent on purpose:
// resubmitting an exhausted query must report the limit, not quietly
// re-queue it.
func (p *Pipeline) clearPending(approvalID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pq, ok := p.pending[approvalID]; ok {
		delete(p.byQuery, pq.request.AgentID+"\x00"+pq.sql)
		delete(p.pending, approvalID)
	}
}

// failOpenSpan records a stage that failed before its span could do
// any work.
func (p *Pipeline) failOpenSpan(_ context.Context, traceID string, stage trace.Stage, req SubmitRequest, cause error) *Response {
	if err := p.tracer.StartSpan(traceID, stage); err == nil {
		_ = p.tracer.EndSpan(traceID, stage, nil, cause)
	}
	return p.errorResponse(traceID, req, cause)
}

// fail handles tracer bookkeeping errors themselves.
func (p *Pipeline) fail(traceID string, stage trace.Stage, req SubmitRequest, err error) *Response {
	p.log.ErrorWithStage(req.AgentID, traceID, "trace bookkeeping failed", string(stage), err, nil)
	return p.errorResponse(traceID, req, err)
}

func (p *Pipeline) errorResponse(traceID string, req SubmitRequest, err error) *Response {
	p.log.Error(req.AgentID, traceID, "query failed", map[string]interface{}{"error": err.Error()})
	metrics.RecordQuery(string(StatusError))
	return &Response{
		Status:  StatusError,
		TraceID: traceID,
		Reason:  err.Error(),
	}
}

// permitted checks the agent's permission set against the statement
// kind before validation, read for SELECT and write for anything else.
func (p *Pipeline) permitted(perms types.PermissionSet, sql string) bool {
	return perms.Allows("*", requiredAction(sql))
}

func requiredAction(sql string) types.Action {
	if statementKind(sql) == "select" {
		return types.ActionRead
	}
	return types.ActionWrite
}

// statementKind reports the leading SQL verb, lowercased.
func statementKind(sql string) string {
	fields := strings.Fields(strings.ToLower(sql))
	if len(fields) == 0 {
		return "unknown"
	}
	return fields[0]
}
