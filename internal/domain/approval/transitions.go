package approval

import (
	"fmt"
	"time"

	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
)

// NewRequest builds a pending request from a check context and the approval
// configuration in force. The approver list is copied.
func NewRequest(id string, cc policy.CheckContext, reason string, cfg policy.ApprovalConfig, now time.Time) *Request {
	r := &Request{
		ID:                id,
		Requester:         cc.Subject,
		ToolName:          cc.ToolName,
		Reason:            reason,
		Status:            StatusPending,
		CreatedAt:         now,
		Approvers:         append([]policy.Subject(nil), cfg.Approvers...),
		RequiredApprovals: cfg.RequiredApprovals,
		Approvals:         []Vote{},
		TimeoutAction:     cfg.TimeoutAction,
		SessionID:         cc.SessionID,
		AgentID:           cc.AgentID,
	}
	if r.TimeoutAction == "" {
		r.TimeoutAction = policy.TimeoutReject
	}
	if len(cc.ToolParams) > 0 {
		r.ToolParams = make(map[string]any, len(cc.ToolParams))
		for k, v := range cc.ToolParams {
			r.ToolParams[k] = v
		}
	}
	if d := cfg.Timeout(); d > 0 {
		exp := now.Add(d)
		r.ExpiresAt = &exp
	}
	return r
}

// ApplyVote validates a and records it. A rejection ends the request at
// once; otherwise it is approved when the quorum is reached. The caller must
// serialize calls per request.
func (r *Request) ApplyVote(a Action, now time.Time) ActionResult {
	if r.Status != StatusPending {
		return ActionResult{
			Code:    CodeNotPending,
			Message: fmt.Sprintf("request %s is already %s", r.ID, r.Status),
			Status:  r.Status,
		}
	}
	if !r.IsApprover(a.Approver) {
		return ActionResult{
			Code:      CodeUnauthorizedApprover,
			Message:   fmt.Sprintf("%s is not an approver for request %s", a.Approver, r.ID),
			Status:    r.Status,
			Remaining: r.Remaining(),
		}
	}
	if r.HasVoted(a.Approver) {
		return ActionResult{
			Code:      CodeDuplicateVote,
			Message:   fmt.Sprintf("%s already voted on request %s", a.Approver, r.ID),
			Status:    r.Status,
			Remaining: r.Remaining(),
		}
	}

	r.Approvals = append(r.Approvals, Vote{
		Approver:  a.Approver,
		Approved:  a.Approved,
		Timestamp: now,
		Comment:   a.Comment,
	})

	res := ActionResult{Success: true, Code: CodeOK}
	switch {
	case !a.Approved:
		r.resolve(StatusRejected, now)
		res.Message = fmt.Sprintf("request %s rejected by %s", r.ID, a.Approver)
	case r.ApprovedCount() >= r.RequiredApprovals:
		r.resolve(StatusApproved, now)
		res.Message = fmt.Sprintf("request %s approved", r.ID)
	default:
		res.Remaining = r.Remaining()
		res.Message = fmt.Sprintf("approval recorded, %d more needed", res.Remaining)
	}
	res.Status = r.Status
	return res
}

// Expire moves a pending request to timeout. It reports false when the
// request had already left pending.
func (r *Request) Expire(now time.Time) bool {
	if r.Status != StatusPending {
		return false
	}
	r.resolve(StatusTimeout, now)
	return true
}

// Cancel moves a pending request to cancelled. It reports false when the
// request had already left pending.
func (r *Request) Cancel(reason string, now time.Time) bool {
	if r.Status != StatusPending {
		return false
	}
	r.CancelReason = reason
	r.resolve(StatusCancelled, now)
	return true
}

func (r *Request) resolve(s Status, now time.Time) {
	r.Status = s
	r.ResolvedAt = &now
}
