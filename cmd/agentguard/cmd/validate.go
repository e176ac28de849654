package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	celeval "github.com/Sentinel-Gate/agentguard/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/agentguard/internal/config"
	"github.com/Sentinel-Gate/agentguard/internal/service"
)

var validateCmd = &cobra.Command{
	Use:   "validate [policy-file...]",
	Short: "Validate policy documents",
	Long: `Validate policy documents without loading them into a running tenant.
Checks rule patterns and expressions, role inheritance cycles, approval
configuration and data scope rules.

With no arguments, every tenant document in the configured policy directory
is validated.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	files := args
	if len(files) == 0 {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		source := config.NewDirSource(cfg.PolicyDir)
		tenants, err := source.Tenants()
		if err != nil {
			return err
		}
		for _, t := range tenants {
			path, err := source.Path(t)
			if err != nil {
				return err
			}
			files = append(files, path)
		}
		if len(files) == 0 {
			return fmt.Errorf("no policy documents in %s", cfg.PolicyDir)
		}
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range files {
		doc, err := config.LoadPolicyFile(path)
		if err == nil {
			err = validateDocument(doc)
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s\n  %v\n", filepath.Base(path), err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (%d rules, %d roles, %d data scope rules)\n",
			filepath.Base(path), len(doc.Rules), len(doc.Roles), len(doc.DataScopeRules))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d policy documents invalid", failed, len(files))
	}
	return nil
}

// validateDocument runs the static checks and then compiles the document
// the way a tenant load would, which also rejects inheritance cycles.
func validateDocument(doc *config.PolicyDocument) error {
	exprs, err := celeval.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create CEL evaluator: %w", err)
	}
	if err := doc.Validate(exprs); err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ps, err := service.NewPolicyService(doc.PermissionConfig, doc.DataScopeRules, logger,
		service.WithExpressionEvaluator(exprs))
	if err != nil {
		return err
	}
	ps.Close()
	return nil
}
