package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/agentguard/internal/domain/approval"
	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
	"github.com/Sentinel-Gate/agentguard/internal/service"
)

var checkFlags struct {
	subject        string
	tool           string
	params         []string
	session        string
	agent          string
	ip             string
	at             string
	createApproval bool
	reason         string
	showMetrics    bool
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a tool call",
	Long: `Evaluate whether a subject may call a tool and print the decision as JSON.

With --create-approval, a require_approval decision also opens an approval
request under the decision's approval id.

Examples:
  agentguard check --subject fiona --tool payments.refund --param amount=120
  agentguard --tenant acme check --subject role:finance --tool reports.export
  agentguard check --subject fiona --tool payments.refund --create-approval --reason "customer refund"`,
	RunE: runCheck,
}

func init() {
	f := checkCmd.Flags()
	f.StringVar(&checkFlags.subject, "subject", "", "subject as type:id (a bare id is a user)")
	f.StringVar(&checkFlags.tool, "tool", "", "tool name, e.g. payments.refund")
	f.StringArrayVar(&checkFlags.params, "param", nil, "tool parameter key=value (repeatable; JSON values keep their type)")
	f.StringVar(&checkFlags.session, "session", "", "session id")
	f.StringVar(&checkFlags.agent, "agent", "", "agent id")
	f.StringVar(&checkFlags.ip, "ip", "", "caller IP address")
	f.StringVar(&checkFlags.at, "at", "", "request time (RFC 3339); defaults to now")
	f.BoolVar(&checkFlags.createApproval, "create-approval", false, "open an approval request when approval is required")
	f.StringVar(&checkFlags.reason, "reason", "", "reason recorded on the approval request")
	f.BoolVar(&checkFlags.showMetrics, "metrics", false, "print collected metrics to stderr")
	_ = checkCmd.MarkFlagRequired("subject")
	_ = checkCmd.MarkFlagRequired("tool")
	rootCmd.AddCommand(checkCmd)
}

type checkOutput struct {
	Tenant   string             `json:"tenant"`
	Decision policy.CheckResult `json:"decision"`
	Approval *approval.Request  `json:"approval,omitempty"`
}

func runCheck(cmd *cobra.Command, _ []string) error {
	subject, err := parseSubject(checkFlags.subject)
	if err != nil {
		return err
	}
	params, err := parseParams(checkFlags.params)
	if err != nil {
		return err
	}
	cc := policy.CheckContext{
		Subject:    subject,
		ToolName:   checkFlags.tool,
		ToolParams: params,
		SessionID:  checkFlags.session,
		AgentID:    checkFlags.agent,
		IPAddress:  checkFlags.ip,
	}
	if checkFlags.at != "" {
		if cc.Timestamp, err = time.Parse(time.RFC3339, checkFlags.at); err != nil {
			return fmt.Errorf("--at: %w", err)
		}
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	tenant, err := a.tenant(ctx)
	if err != nil {
		return err
	}
	out := checkOutput{Tenant: tenant.ID, Decision: tenant.Policy.Check(ctx, cc)}
	if out.Decision.RequiresApproval && checkFlags.createApproval {
		out.Approval, err = tenant.Approvals.CreateRequest(ctx, service.CreateInput{
			Context:    cc,
			ApprovalID: out.Decision.ApprovalID,
			Reason:     checkFlags.reason,
		})
		if err != nil {
			return err
		}
	}
	if checkFlags.showMetrics {
		if err := printMetrics(cmd.ErrOrStderr(), a.promReg); err != nil {
			return err
		}
	}
	return writeJSON(cmd.OutOrStdout(), out)
}
