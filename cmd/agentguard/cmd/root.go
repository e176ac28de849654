// Package cmd provides the CLI commands for agentguard.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/agentguard/internal/config"
)

var (
	cfgFile    string
	tenantFlag string
)

var rootCmd = &cobra.Command{
	Use:   "agentguard",
	Short: "agentguard - authorization core for multi-agent tool calls",
	Long: `agentguard decides whether an agent may call a tool, runs multi-party
approvals for sensitive calls and restricts which records and fields an
authorized call may touch.

Configuration:
  Process settings are loaded from agentguard.yaml in the current directory,
  $HOME/.agentguard/, or /etc/agentguard/.

  Environment variables override config values with the AGENTGUARD_ prefix.
  Example: AGENTGUARD_AUDIT_OUTPUT=file:///var/log/agentguard

  Each tenant's permissions live in <policy_dir>/<tenant>.yaml.

Commands:
  check       Evaluate a tool call
  scope       Evaluate data scope for a resource operation
  roles       Show roles and effective permissions of a subject
  validate    Validate policy documents
  apply       Install a policy document for a tenant
  approvals   List, vote on and cancel approval requests
  audit       Query and purge decision records
  history     Show configuration history
  version     Print version information`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./agentguard.yaml)")
	rootCmd.PersistentFlags().StringVar(&tenantFlag, "tenant", "", "tenant id (default: default_tenant from config)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
