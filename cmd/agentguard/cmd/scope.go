package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/agentguard/internal/domain/datascope"
)

var scopeFlags struct {
	subject      string
	resourceType string
	resource     string
	operation    string
	data         string
	org          datascope.OrganizationContext
}

var scopeCmd = &cobra.Command{
	Use:   "scope",
	Short: "Evaluate data scope rules",
}

var scopeCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate data scope for a resource operation",
	Long: `Evaluate which rows and fields a subject may touch and print the result.
When --data is given, the record is also projected through the result:
hidden fields are removed and masked fields are redacted.

Example:
  agentguard scope check --subject fiona --resource-type database \
    --resource crm.customers --operation read --user-id fiona \
    --data '{"userId":"fiona","email":"fiona@example.com","ssn":"123-45-6789"}'`,
	RunE: runScopeCheck,
}

func init() {
	f := scopeCheckCmd.Flags()
	f.StringVar(&scopeFlags.subject, "subject", "", "subject as type:id (a bare id is a user)")
	f.StringVar(&scopeFlags.resourceType, "resource-type", "", "file, database, api or tool")
	f.StringVar(&scopeFlags.resource, "resource", "", "resource id matched against resource patterns")
	f.StringVar(&scopeFlags.operation, "operation", "read", "read, write, delete or execute")
	f.StringVar(&scopeFlags.data, "data", "", "resource record as a JSON object")
	f.StringVar(&scopeFlags.org.UserID, "user-id", "", "caller user id")
	f.StringVar(&scopeFlags.org.TeamID, "team-id", "", "caller team id")
	f.StringVar(&scopeFlags.org.DepartmentID, "department-id", "", "caller department id")
	f.StringVar(&scopeFlags.org.OrganizationID, "org-id", "", "caller organization id")
	_ = scopeCheckCmd.MarkFlagRequired("subject")
	_ = scopeCheckCmd.MarkFlagRequired("resource-type")
	_ = scopeCheckCmd.MarkFlagRequired("resource")
	scopeCmd.AddCommand(scopeCheckCmd)
	rootCmd.AddCommand(scopeCmd)
}

type scopeOutput struct {
	Tenant    string           `json:"tenant"`
	Result    datascope.Result `json:"result"`
	Projected map[string]any   `json:"projected,omitempty"`
}

func runScopeCheck(cmd *cobra.Command, _ []string) error {
	subject, err := parseSubject(scopeFlags.subject)
	if err != nil {
		return err
	}
	dcc := datascope.CheckContext{
		Subject:      subject,
		ResourceType: datascope.ResourceType(scopeFlags.resourceType),
		ResourceID:   scopeFlags.resource,
		Operation:    datascope.Operation(scopeFlags.operation),
	}
	if scopeFlags.data != "" {
		if err := json.Unmarshal([]byte(scopeFlags.data), &dcc.ResourceData); err != nil {
			return fmt.Errorf("--data: %w", err)
		}
	}
	if scopeFlags.org != (datascope.OrganizationContext{}) {
		org := scopeFlags.org
		dcc.OrganizationContext = &org
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
	out := scopeOutput{Tenant: tenant.ID, Result: tenant.Policy.CheckDataScope(ctx, dcc)}
	if out.Result.Allowed && dcc.ResourceData != nil {
		out.Projected = datascope.ApplyFieldFilter(dcc.ResourceData, out.Result)
	}
	return writeJSON(cmd.OutOrStdout(), out)
}
