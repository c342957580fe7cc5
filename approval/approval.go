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

// Package approval implements the human-in-the-loop queue for
// high-risk queries. A flagged query waits here as an ApprovalRequest
// until an admin approves it with a bounded execution count or rejects
// it.
package approval

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vpakspace/universal-agent-connector-sub000/security"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Approval error codes.
const (
	ErrApprovalNotFound       = "approval_not_found"
	ErrApprovalInvalidState   = "approval_invalid_state"
	ErrApprovalNotApproved    = "approval_not_approved"
	ErrApprovalExecutionLimit = "approval_execution_limit_exceeded"
)

// ApprovalError represents a queue operation failure.
type ApprovalError struct {
	ApprovalID string
	Code       string
	Message    string
}

// Error implements the error interface.
func (e *ApprovalError) Error() string {
	return fmt.Sprintf("approval %q (%s): %s", e.ApprovalID, e.Code, e.Message)
}

// Request is one query awaiting or past human review.
type Request struct {
	ApprovalID     string                    `json:"approval_id"`
	AgentID        string                    `json:"agent_id"`
	QueryText      string                    `json:"query_text"`
	GeneratedSQL   string                    `json:"generated_sql"`
	Risk           security.ValidationResult `json:"risk"`
	Status         Status                    `json:"status"`
	Reason         string                    `json:"reason,omitempty"`
	MaxExecutions  int                       `json:"max_executions"`
	ExecutionsUsed int                       `json:"executions_used"`
	CreatedAt      time.Time                 `json:"created_at"`
	DecidedAt      *time.Time                `json:"decided_at,omitempty"`
}

// Queue holds pending approval requests and enforces bounded execution
// counts after approval. Safe for concurrent use.
type Queue struct {
	requests map[string]*Request
	logger   *log.Logger
	mu       sync.Mutex
}

// NewQueue creates an empty approval queue.
func NewQueue() *Queue {
	return &Queue{
		requests: make(map[string]*Request),
		logger:   log.New(os.Stdout, "[APPROVAL] ", log.LstdFlags),
	}
}

// Submit enqueues a flagged query and returns the pending request.
func (q *Queue) Submit(agentID, queryText, generatedSQL string, risk security.ValidationResult) *Request {
	req := &Request{
		ApprovalID:   uuid.New().String(),
		AgentID:      agentID,
		QueryText:    queryText,
		GeneratedSQL: generatedSQL,
		Risk:         risk,
		Status:       StatusPending,
		CreatedAt:    time.Now(),
	}

	q.mu.Lock()
	q.requests[req.ApprovalID] = req
	q.mu.Unlock()

	q.logger.Printf("Queued approval %s for agent %s (risk=%s)", req.ApprovalID, agentID, risk.RiskLevel)
	copied := *req
	return &copied
}

// Approve moves a pending request to approved with an execution budget.
func (q *Queue) Approve(approvalID string, maxExecutions int) error {
	if maxExecutions <= 0 {
		return &ApprovalError{ApprovalID: approvalID, Code: ErrApprovalInvalidState,
			Message: "max_executions must be positive"}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[approvalID]
	if !ok {
		return &ApprovalError{ApprovalID: approvalID, Code: ErrApprovalNotFound, Message: "not found"}
	}
	if req.Status != StatusPending {
		return &ApprovalError{ApprovalID: approvalID, Code: ErrApprovalInvalidState,
			Message: fmt.Sprintf("cannot approve request in status %q", req.Status)}
	}

	now := time.Now()
	req.Status = StatusApproved
	req.MaxExecutions = maxExecutions
	req.DecidedAt = &now
	q.logger.Printf("Approved %s (max_executions=%d)", approvalID, maxExecutions)
	return nil
}

// Reject moves a pending request to rejected with a reason.
func (q *Queue) Reject(approvalID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[approvalID]
	if !ok {
		return &ApprovalError{ApprovalID: approvalID, Code: ErrApprovalNotFound, Message: "not found"}
	}
	if req.Status != StatusPending {
		return &ApprovalError{ApprovalID: approvalID, Code: ErrApprovalInvalidState,
			Message: fmt.Sprintf("cannot reject request in status %q", req.Status)}
	}

	now := time.Now()
	req.Status = StatusRejected
	req.Reason = reason
	req.DecidedAt = &now
	q.logger.Printf("Rejected %s: %s", approvalID, reason)
	return nil
}

// ConsumeExecution claims one execution slot of an approved request.
// Fails once executions_used reaches max_executions, and fails for any
// non-approved status.
func (q *Queue) ConsumeExecution(approvalID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[approvalID]
	if !ok {
		return &ApprovalError{ApprovalID: approvalID, Code: ErrApprovalNotFound, Message: "not found"}
	}
	if req.Status != StatusApproved {
		return &ApprovalError{ApprovalID: approvalID, Code: ErrApprovalNotApproved,
			Message: fmt.Sprintf("request is %q, not approved", req.Status)}
	}
	if req.ExecutionsUsed >= req.MaxExecutions {
		return &ApprovalError{ApprovalID: approvalID, Code: ErrApprovalExecutionLimit,
			Message: fmt.Sprintf("execution limit reached (%d of %d used)", req.ExecutionsUsed, req.MaxExecutions)}
	}

	req.ExecutionsUsed++
	return nil
}

// Get returns a snapshot of one request.
func (q *Queue) Get(approvalID string) (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[approvalID]
	if !ok {
		return nil, &ApprovalError{ApprovalID: approvalID, Code: ErrApprovalNotFound, Message: "not found"}
	}
	copied := *req
	return &copied, nil
}

// ListPending returns pending requests oldest first.
func (q *Queue) ListPending() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Request, 0)
	for _, req := range q.requests {
		if req.Status == StatusPending {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingCount reports the queue depth for metrics.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, req := range q.requests {
		if req.Status == StatusPending {
			count++
		}
	}
	return count
}
