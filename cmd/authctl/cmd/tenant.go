package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/credential"
	"wattguard.io/internal/rbac"
)

func (c *cli) tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	var rawConfig string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var settings map[string]any
			if rawConfig != "" {
				if err := json.Unmarshal([]byte(rawConfig), &settings); err != nil {
					return fmt.Errorf("--config-json: %w", err)
				}
			}
			return c.withAdmin(cmd, func(ctx context.Context, _ *Env, admin *rbac.Service, _ *credential.Service) error {
				t, err := admin.CreateTenant(ctx, operator(), args[0], settings)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), t, t.ID)
			})
		},
	}
	create.Flags().StringVar(&rawConfig, "config-json", "", "Tenant configuration as a JSON object")

	cmd.AddCommand(create)
	return cmd
}

func (c *cli) memberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage tenant memberships",
	}

	var roles []string
	add := &cobra.Command{
		Use:   "add <tenant-id> <identifier>",
		Short: "Add a principal to a tenant and assign system roles",
		Example: `  authctl member add 01J8Z3... tech@acme.test --role operator
  authctl member add 01J8Z3... boss@acme.test --role admin --role manager`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, identifier := args[0], args[1]
			return c.withAdmin(cmd, func(ctx context.Context, env *Env, admin *rbac.Service, _ *credential.Service) error {
				p, err := env.Store.Principals().FindByIdentifier(ctx, identifier)
				if err != nil {
					return fmt.Errorf("principal %s: %w", identifier, err)
				}
				if err := admin.AddMember(ctx, operator(), tenantID, p.ID); err != nil {
					return err
				}
				for _, role := range roles {
					if err := admin.AssignRole(ctx, operator(), tenantID, p.ID, auth.SystemRoleID(role)); err != nil {
						return fmt.Errorf("assign %s: %w", role, err)
					}
				}
				view := map[string]any{"tenant_id": tenantID, "principal_id": p.ID, "roles": roles}
				return c.print(cmd.OutOrStdout(), view, fmt.Sprintf("added %s to %s", identifier, tenantID))
			})
		},
	}
	add.Flags().StringSliceVar(&roles, "role", nil, "System role to assign (repeatable)")

	cmd.AddCommand(add)
	return cmd
}
