package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/agentguard/internal/domain/audit"
)

var (
	historyAll   bool
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show permission configuration changes, newest first",
	Long: `Show when a tenant's permission configuration was loaded, updated or
removed, by whom, and the fingerprint of each version.

History persists only when approvals.store or audit.output uses sqlite.`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().BoolVar(&historyAll, "all", false, "show every tenant")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum number of records")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	tenant := a.tenantID()
	if historyAll {
		tenant = ""
	}
	records, err := a.history.ListHistory(ctx, tenant, historyLimit)
	if err != nil {
		return err
	}
	if records == nil {
		records = []audit.HistoryRecord{}
	}
	return writeJSON(cmd.OutOrStdout(), records)
}
