package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/agentguard/internal/config"
	"github.com/Sentinel-Gate/agentguard/internal/domain/approval"
	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
	"github.com/Sentinel-Gate/agentguard/internal/service"
)

var approvalFlags struct {
	agent     string
	approver  string
	requester string
	as        string
	comment   string
	reason    string
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Inspect and resolve pending approval requests",
	Long: `Inspect and resolve pending approval requests of a tenant.

Requests only outlive a single command when approvals.store is "file" or
"sqlite"; with the memory store each invocation starts empty.`,
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending requests, oldest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		filter := approval.Filter{AgentID: approvalFlags.agent}
		var err error
		if filter.Approver, err = optionalSubject(approvalFlags.approver); err != nil {
			return err
		}
		if filter.Requester, err = optionalSubject(approvalFlags.requester); err != nil {
			return err
		}
		return withApprovals(cmd, func(ctx context.Context, svc *service.ApprovalService) error {
			reqs, err := svc.GetPendingRequests(ctx, filter)
			if err != nil {
				return err
			}
			if reqs == nil {
				reqs = []*approval.Request{}
			}
			return writeJSON(cmd.OutOrStdout(), reqs)
		})
	},
}

var approvalsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize pending requests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApprovals(cmd, func(ctx context.Context, svc *service.ApprovalService) error {
			stats, err := svc.Stats(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		})
	},
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Record an approving vote",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVote(cmd, args[0], true)
	},
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Record a rejecting vote; one rejection resolves the request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVote(cmd, args[0], false)
	},
}

var approvalsCancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Withdraw a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApprovals(cmd, func(ctx context.Context, svc *service.ApprovalService) error {
			res, err := svc.Cancel(ctx, args[0], approvalFlags.reason)
			if err != nil {
				return err
			}
			return writeActionResult(cmd, res)
		})
	},
}

func init() {
	lf := approvalsListCmd.Flags()
	lf.StringVar(&approvalFlags.agent, "agent", "", "only requests from this agent")
	lf.StringVar(&approvalFlags.approver, "approver", "", "only requests this subject may vote on")
	lf.StringVar(&approvalFlags.requester, "requester", "", "only requests opened by this subject")

	for _, c := range []*cobra.Command{approvalsApproveCmd, approvalsRejectCmd} {
		c.Flags().StringVar(&approvalFlags.as, "as", "", "approver subject as type:id")
		c.Flags().StringVar(&approvalFlags.comment, "comment", "", "comment stored with the vote")
		_ = c.MarkFlagRequired("as")
	}
	approvalsCancelCmd.Flags().StringVar(&approvalFlags.reason, "reason", "", "why the request is withdrawn")

	approvalsCmd.AddCommand(approvalsListCmd, approvalsStatsCmd, approvalsApproveCmd, approvalsRejectCmd, approvalsCancelCmd)
	rootCmd.AddCommand(approvalsCmd)
}

func runVote(cmd *cobra.Command, id string, approved bool) error {
	approver, err := parseSubject(approvalFlags.as)
	if err != nil {
		return err
	}
	return withApprovals(cmd, func(ctx context.Context, svc *service.ApprovalService) error {
		res, err := svc.ProcessAction(ctx, approval.Action{
			RequestID: id,
			Approver:  approver,
			Approved:  approved,
			Comment:   approvalFlags.comment,
		})
		if err != nil {
			return err
		}
		return writeActionResult(cmd, res)
	})
}

// withApprovals opens the tenant's approval workflow for fn.
func withApprovals(cmd *cobra.Command, fn func(context.Context, *service.ApprovalService) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Approvals.Store == config.StoreMemory {
		a.logger.Warn("approvals.store is memory; requests do not persist between commands")
	}
	tenant, err := a.tenant(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, tenant.Approvals)
}

// writeActionResult prints res and turns a refused action into an error.
func writeActionResult(cmd *cobra.Command, res approval.ActionResult) error {
	if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Success {
		return errors.New(res.Message)
	}
	return nil
}

func optionalSubject(raw string) (*policy.Subject, error) {
	if raw == "" {
		return nil, nil
	}
	s, err := parseSubject(raw)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
