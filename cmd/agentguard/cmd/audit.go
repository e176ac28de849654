package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/agentguard/internal/domain/audit"
)

var auditFlags struct {
	subject   string
	tool      string
	result    string
	session   string
	since     time.Duration
	limit     int
	olderThan time.Duration
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and maintain the decision audit trail",
	Long: `Query and maintain the decision audit trail.

Queries read the configured audit output. With audit.output "stdout" the
trail lives only in the current process, so use a file:// or sqlite://
output to inspect decisions across commands.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List recent decisions, newest first",
	RunE:  runAuditQuery,
}

var auditPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete decisions older than a cutoff (sqlite output only)",
	RunE:  runAuditPurge,
}

func init() {
	qf := auditQueryCmd.Flags()
	qf.StringVar(&auditFlags.subject, "subject", "", "only decisions for this subject id")
	qf.StringVar(&auditFlags.tool, "tool", "", "only decisions for this tool")
	qf.StringVar(&auditFlags.result, "result", "", "allowed, denied or approval_required")
	qf.StringVar(&auditFlags.session, "session", "", "only decisions in this session")
	qf.DurationVar(&auditFlags.since, "since", 0, "only decisions newer than this, e.g. 1h")
	qf.IntVar(&auditFlags.limit, "limit", audit.DefaultQueryLimit, "maximum number of records")

	auditPurgeCmd.Flags().DurationVar(&auditFlags.olderThan, "older-than", 0, "age cutoff, e.g. 720h")
	_ = auditPurgeCmd.MarkFlagRequired("older-than")

	auditCmd.AddCommand(auditQueryCmd, auditPurgeCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditQuery(cmd *cobra.Command, _ []string) error {
	filter := audit.Filter{
		SubjectID: auditFlags.subject,
		ToolName:  auditFlags.tool,
		Result:    auditFlags.result,
		SessionID: auditFlags.session,
		Limit:     auditFlags.limit,
	}
	if auditFlags.since > 0 {
		filter.StartTime = time.Now().Add(-auditFlags.since)
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.query.Query(ctx, filter)
	if err != nil {
		return err
	}
	if records == nil {
		records = []audit.Record{}
	}
	return writeJSON(cmd.OutOrStdout(), records)
}

type decisionPurger interface {
	PurgeDecisions(ctx context.Context, cutoff time.Time) (int64, error)
}

func runAuditPurge(cmd *cobra.Command, _ []string) error {
	if auditFlags.olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	p, ok := a.query.(decisionPurger)
	if !ok {
		return fmt.Errorf("audit output %s does not support purge", a.cfg.Audit.Output)
	}
	n, err := p.PurgeDecisions(ctx, time.Now().Add(-auditFlags.olderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "purged %d decisions\n", n)
	return nil
}
