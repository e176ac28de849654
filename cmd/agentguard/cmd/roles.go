package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/agentguard/internal/domain/hierarchy"
)

var rolesSubject string

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "Show roles and effective permissions of a subject",
	Long: `Print the roles a subject holds directly, through groups and through
inheritance, the permissions those roles grant, and any pattern that one
role grants while another denies it.

Example:
  agentguard roles --subject fiona`,
	RunE: runRoles,
}

func init() {
	rolesCmd.Flags().StringVar(&rolesSubject, "subject", "", "subject as type:id (a bare id is a user)")
	_ = rolesCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(rolesCmd)
}

type rolesOutput struct {
	Tenant      string               `json:"tenant"`
	Subject     string               `json:"subject"`
	Roles       []string             `json:"roles"`
	Permissions []string             `json:"permissions"`
	Conflicts   []hierarchy.Conflict `json:"conflicts,omitempty"`
}

func runRoles(cmd *cobra.Command, _ []string) error {
	subject, err := parseSubject(rolesSubject)
	if err != nil {
		return err
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
	return writeJSON(cmd.OutOrStdout(), rolesOutput{
		Tenant:      tenant.ID,
		Subject:     subject.Key(),
		Roles:       tenant.Policy.RolesOf(subject),
		Permissions: tenant.Policy.EffectivePermissions(subject),
		Conflicts:   tenant.Policy.DetectConflicts(subject),
	})
}
