package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/agentguard/internal/config"
)

var applyActor string

var applyCmd = &cobra.Command{
	Use:   "apply <policy-file>",
	Short: "Install a policy document for a tenant",
	Long: `Validate a policy document, install it as the tenant's document in the
policy directory and record the change in the configuration history.

The previous document is replaced atomically; an invalid document leaves
it untouched.

Example:
  agentguard --tenant acme apply ./acme-policy.yaml --actor alice`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringVar(&applyActor, "actor", os.Getenv("USER"), "who made the change, recorded in history")
	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	doc, err := config.DecodePolicy(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	if err := validateDocument(doc); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	tenant := a.tenantID()
	path, err := a.source.Path(tenant)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("install policy: %w", err)
	}
	if _, err := a.registry.Update(ctx, tenant, doc.TenantConfig(), applyActor); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "applied %s to tenant %s (%d rules)\n", filepath.Base(args[0]), tenant, len(doc.Rules))
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".policy-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
