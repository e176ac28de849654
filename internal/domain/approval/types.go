// Package approval models multi-party approval of require_approval decisions.
//
// A Request starts pending and moves exactly once to approved, rejected,
// timeout or cancelled. Any single rejection ends it as rejected; it is
// approved once RequiredApprovals distinct approvers have approved.
package approval

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
)

// Sentinel errors for approval operations.
var (
	// ErrRequestNotFound is returned by repositories for unknown ids.
	ErrRequestNotFound = errors.New("approval request not found")
	// ErrNoApprovalConfig is returned when approval is needed but not configured.
	ErrNoApprovalConfig = errors.New("no approval configuration")
	// ErrNoApprovers is returned when the approval configuration lists nobody.
	ErrNoApprovers = errors.New("approval configuration has no approvers")
	// ErrDuplicateRequest is returned when a supplied id is already pending
	// for a different requester, tool or parameters, and by Repository.Create
	// for an existing id.
	ErrDuplicateRequest = errors.New("approval request id already in use")
	// ErrUpdateConflict is returned by Repository.Update when concurrent
	// writers kept winning the request.
	ErrUpdateConflict = errors.New("approval request updated concurrently")
	// ErrThrottled matches every *ThrottledError.
	ErrThrottled = errors.New("too many approval requests")
)

// ThrottledError is returned when a requester exceeds the request limit.
type ThrottledError struct {
	Requester  string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many approval requests from %s, retry after %s",
		e.Requester, e.RetryAfter.Round(time.Second))
}

func (e *ThrottledError) Is(target error) bool { return target == ErrThrottled }

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s != StatusPending }

// Vote is one approver's decision.
type Vote struct {
	Approver  policy.Subject `json:"approver"`
	Approved  bool           `json:"approved"`
	Timestamp time.Time      `json:"timestamp"`
	Comment   string         `json:"comment,omitempty"`
}

// Request is the aggregate tracking one pending decision.
type Request struct {
	ID         string         `json:"id"`
	Requester  policy.Subject `json:"requester"`
	ToolName   string         `json:"toolName"`
	ToolParams map[string]any `json:"toolParams,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Status     Status         `json:"status"`
	CreatedAt  time.Time      `json:"createdAt"`
	// Approvers and RequiredApprovals are snapshotted from the config at creation.
	Approvers         []policy.Subject `json:"approvers"`
	RequiredApprovals int              `json:"requiredApprovals"`
	Approvals         []Vote           `json:"approvals"`
	ExpiresAt         *time.Time       `json:"expiresAt,omitempty"`
	// TimeoutAction is snapshotted so a restored request times out the same way.
	TimeoutAction policy.TimeoutAction `json:"timeoutAction,omitempty"`
	SessionID     string               `json:"sessionId,omitempty"`
	AgentID       string               `json:"agentId,omitempty"`
	ResolvedAt    *time.Time           `json:"resolvedAt,omitempty"`
	CancelReason  string               `json:"cancelReason,omitempty"`
}

// Clone returns a deep copy safe to hand to collaborators.
func (r *Request) Clone() *Request {
	c := *r
	c.Approvers = slices.Clone(r.Approvers)
	c.Approvals = slices.Clone(r.Approvals)
	if r.ToolParams != nil {
		c.ToolParams = make(map[string]any, len(r.ToolParams))
		for k, v := range r.ToolParams {
			c.ToolParams[k] = v
		}
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// IsApprover reports whether s is in the approver snapshot.
func (r *Request) IsApprover(s policy.Subject) bool {
	return slices.ContainsFunc(r.Approvers, s.Equal)
}

// HasVoted reports whether s already voted on r.
func (r *Request) HasVoted(s policy.Subject) bool {
	return slices.ContainsFunc(r.Approvals, func(v Vote) bool { return v.Approver.Equal(s) })
}

// ApprovedCount returns the number of approving votes.
func (r *Request) ApprovedCount() int {
	n := 0
	for _, v := range r.Approvals {
		if v.Approved {
			n++
		}
	}
	return n
}

// Remaining returns how many more approvals are needed.
func (r *Request) Remaining() int {
	return max(r.RequiredApprovals-r.ApprovedCount(), 0)
}

// Outcome returns the boolean decision passed to completion handlers.
func (r *Request) Outcome() bool {
	switch r.Status {
	case StatusApproved:
		return true
	case StatusTimeout:
		return r.TimeoutAction == policy.TimeoutApprove
	}
	return false
}

// Action is a vote submitted by an approver.
type Action struct {
	RequestID string         `json:"requestId"`
	Approver  policy.Subject `json:"approver"`
	Approved  bool           `json:"approved"`
	Comment   string         `json:"comment,omitempty"`
}

// ResultCode classifies an ActionResult.
type ResultCode string

const (
	CodeOK                   ResultCode = "ok"
	CodeNotFound             ResultCode = "not_found"
	CodeNotPending           ResultCode = "not_pending"
	CodeUnauthorizedApprover ResultCode = "unauthorized_approver"
	CodeDuplicateVote        ResultCode = "duplicate_vote"
)

// ActionResult reports the outcome of a vote or cancellation. Stale,
// unauthorized and duplicate actions are reported here with Success false.
type ActionResult struct {
	Success bool       `json:"success"`
	Code    ResultCode `json:"code"`
	Message string     `json:"message"`
	Status  Status     `json:"status,omitempty"`
	// Remaining is the number of approvals still needed while pending.
	Remaining int `json:"remaining"`
	// Request is a snapshot after the action was applied.
	Request *Request `json:"request,omitempty"`
}

// Filter selects pending requests. Set fields are combined with AND.
type Filter struct {
	AgentID   string
	Approver  *policy.Subject
	Requester *policy.Subject
}

// Matches reports whether r satisfies the filter.
func (f Filter) Matches(r *Request) bool {
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if f.Approver != nil && !r.IsApprover(*f.Approver) {
		return false
	}
	if f.Requester != nil && !r.Requester.Equal(*f.Requester) {
		return false
	}
	return true
}
