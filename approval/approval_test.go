package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpakspace/universal-agent-connector-sub000/security"
)

func highRisk() security.ValidationResult {
	return security.ValidationResult{
		RiskLevel:        security.RiskHigh,
		ComplexityScore:  45,
		RequiresApproval: true,
		Reasons:          []string{"unbounded DELETE/UPDATE without WHERE clause"},
	}
}

func TestSubmitCreatesPendingRequest(t *testing.T) {
	q := NewQueue()

	req := q.Submit("agent-1", "delete all users", "DELETE FROM users", highRisk())
	assert.NotEmpty(t, req.ApprovalID)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, 0, req.ExecutionsUsed)

	stored, err := q.Get(req.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM users", stored.GeneratedSQL)
}

func TestApproveThenConsumeWithinCap(t *testing.T) {
	q := NewQueue()
	req := q.Submit("agent-1", "delete all users", "DELETE FROM users", highRisk())

	require.NoError(t, q.Approve(req.ApprovalID, 2))

	// Exactly two consumptions succeed; the third hits the cap.
	require.NoError(t, q.ConsumeExecution(req.ApprovalID))
	require.NoError(t, q.ConsumeExecution(req.ApprovalID))

	err := q.ConsumeExecution(req.ApprovalID)
	var apErr *ApprovalError
	require.ErrorAs(t, err, &apErr)
	assert.Equal(t, ErrApprovalExecutionLimit, apErr.Code)

	stored, getErr := q.Get(req.ApprovalID)
	require.NoError(t, getErr)
	assert.Equal(t, 2, stored.ExecutionsUsed)
}

func TestConsumePendingRequestFails(t *testing.T) {
	q := NewQueue()
	req := q.Submit("agent-1", "q", "DELETE FROM users", highRisk())

	err := q.ConsumeExecution(req.ApprovalID)
	var apErr *ApprovalError
	require.ErrorAs(t, err, &apErr)
	assert.Equal(t, ErrApprovalNotApproved, apErr.Code)
}

func TestConsumeRejectedRequestFails(t *testing.T) {
	q := NewQueue()
	req := q.Submit("agent-1", "q", "DELETE FROM users", highRisk())
	require.NoError(t, q.Reject(req.ApprovalID, "too risky"))

	err := q.ConsumeExecution(req.ApprovalID)
	var apErr *ApprovalError
	require.ErrorAs(t, err, &apErr)
	assert.Equal(t, ErrApprovalNotApproved, apErr.Code)
}

func TestApproveNotFound(t *testing.T) {
	q := NewQueue()

	err := q.Approve("no-such-id", 1)
	var apErr *ApprovalError
	require.ErrorAs(t, err, &apErr)
	assert.Equal(t, ErrApprovalNotFound, apErr.Code)
}

func TestApproveTwiceFails(t *testing.T) {
	q := NewQueue()
	req := q.Submit("agent-1", "q", "DELETE FROM users", highRisk())
	require.NoError(t, q.Approve(req.ApprovalID, 1))

	err := q.Approve(req.ApprovalID, 5)
	var apErr *ApprovalError
	require.ErrorAs(t, err, &apErr)
	assert.Equal(t, ErrApprovalInvalidState, apErr.Code)
}

func TestRejectApprovedFails(t *testing.T) {
	q := NewQueue()
	req := q.Submit("agent-1", "q", "DELETE FROM users", highRisk())
	require.NoError(t, q.Approve(req.ApprovalID, 1))

	err := q.Reject(req.ApprovalID, "changed my mind")
	var apErr *ApprovalError
	require.ErrorAs(t, err, &apErr)
	assert.Equal(t, ErrApprovalInvalidState, apErr.Code)
}

func TestApproveNonPositiveCapRejected(t *testing.T) {
	q := NewQueue()
	req := q.Submit("agent-1", "q", "DELETE FROM users", highRisk())

	err := q.Approve(req.ApprovalID, 0)
	var apErr *ApprovalError
	require.ErrorAs(t, err, &apErr)
	assert.Equal(t, ErrApprovalInvalidState, apErr.Code)
}

func TestListPendingAndDepth(t *testing.T) {
	q := NewQueue()
	first := q.Submit("agent-1", "q1", "DELETE FROM a", highRisk())
	q.Submit("agent-1", "q2", "DELETE FROM b", highRisk())
	q.Submit("agent-2", "q3", "DELETE FROM c", highRisk())

	require.NoError(t, q.Approve(first.ApprovalID, 1))

	pending := q.ListPending()
	assert.Len(t, pending, 2)
	assert.Equal(t, 2, q.PendingCount())
}

func TestGetReturnsSnapshot(t *testing.T) {
	q := NewQueue()
	req := q.Submit("agent-1", "q", "DELETE FROM users", highRisk())

	snapshot, err := q.Get(req.ApprovalID)
	require.NoError(t, err)
	snapshot.Status = StatusRejected

	fresh, err := q.Get(req.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, fresh.Status)
}
