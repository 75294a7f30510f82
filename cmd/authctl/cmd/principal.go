package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/credential"
	"wattguard.io/internal/rbac"
)

type principalView struct {
	ID         string               `json:"id" yaml:"id"`
	Identifier string               `json:"identifier" yaml:"identifier"`
	Status     auth.PrincipalStatus `json:"status" yaml:"status"`
	GlobalRole string               `json:"global_role,omitempty" yaml:"global_role,omitempty"`
}

func (c *cli) principalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "principal",
		Short: "Create and unlock principals",
	}

	var (
		secret     string
		status     string
		globalRole string
	)
	create := &cobra.Command{
		Use:   "create <identifier>",
		Short: "Register a principal, optionally holding a global role",
		Example: `  authctl principal create ops@wattguard.io --secret "$SECRET" --global-role super_admin
  authctl principal create tech@acme.test --secret "$SECRET" --status pending_activation`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--secret is required")
			}
			return c.withAdmin(cmd, func(ctx context.Context, _ *Env, admin *rbac.Service, _ *credential.Service) error {
				p, err := admin.RegisterPrincipal(ctx, operator(), args[0], secret, auth.PrincipalStatus(status))
				if err != nil {
					return err
				}
				view := principalView{ID: p.ID, Identifier: p.Identifier, Status: p.Status}
				if globalRole != "" {
					if err := admin.AssignGlobalRole(ctx, operator(), p.ID, auth.SystemRoleID(globalRole)); err != nil {
						return fmt.Errorf("assign global role: %w", err)
					}
					view.GlobalRole = globalRole
				}
				return c.print(cmd.OutOrStdout(), view, p.ID)
			})
		},
	}
	create.Flags().StringVar(&secret, "secret", "", "Initial secret")
	create.Flags().StringVar(&status, "status", string(auth.StatusActive), "Initial status")
	create.Flags().StringVar(&globalRole, "global-role", "", "Global role to bind, e.g. super_admin")

	unlock := &cobra.Command{
		Use:   "unlock <identifier>",
		Short: "Clear a lockout and the failed attempt counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withAdmin(cmd, func(ctx context.Context, _ *Env, admin *rbac.Service, _ *credential.Service) error {
				if err := admin.UnlockPrincipal(ctx, operator(), args[0]); err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), map[string]string{"identifier": args[0], "result": "unlocked"}, "unlocked "+args[0])
			})
		},
	}

	cmd.AddCommand(create, unlock)
	return cmd
}
