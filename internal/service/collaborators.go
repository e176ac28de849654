package service

import (
	"context"
	"log/slog"

	"github.com/Sentinel-Gate/agentguard/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/agentguard/internal/domain/approval"
)

func memoryRepositories(string) (approval.Repository, error) {
	return memory.NewApprovalStore(), nil
}

// LogNotifier writes new approval requests to the log. Hosts without a
// messaging integration use it so approvers can find request ids.
type LogNotifier struct {
	Logger *slog.Logger
}

var _ approval.Notifier = LogNotifier{}

func (n LogNotifier) NotifyApprovalRequest(_ context.Context, r *approval.Request) error {
	approvers := make([]string, len(r.Approvers))
	for i, a := range r.Approvers {
		approvers[i] = a.Key()
	}
	n.Logger.Info("approval requested",
		"request_id", r.ID,
		"requester", r.Requester.Key(),
		"tool", r.ToolName,
		"reason", r.Reason,
		"approvers", approvers,
		"required", r.RequiredApprovals,
		"expires_at", r.ExpiresAt,
	)
	return nil
}

// LogCompletion writes decided approval requests to the log.
type LogCompletion struct {
	Logger *slog.Logger
}

var _ approval.CompletionHandler = LogCompletion{}

func (c LogCompletion) OnApprovalCompleted(_ context.Context, r *approval.Request, approved bool) error {
	c.Logger.Info("approval completed",
		"request_id", r.ID,
		"status", r.Status,
		"approved", approved,
		"votes", len(r.Approvals),
	)
	return nil
}
