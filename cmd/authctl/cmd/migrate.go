package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"wattguard.io/internal/migrate"
)

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
					applied, err := m.Up(ctx)
					if err != nil {
						return err
					}
					if len(applied) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
						return nil
					}
					for _, name := range applied {
						fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
					name, err := m.Down(ctx)
					if err != nil {
						return err
					}
					if name == "" {
						fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
						return nil
					}
					fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", name)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and when they were applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
					status, err := m.Status(ctx)
					if err != nil {
						return err
					}
					for _, s := range status {
						applied := "pending"
						if !s.AppliedAt.IsZero() {
							applied = s.AppliedAt.UTC().Format("2006-01-02T15:04:05Z")
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%-32s %s\n", s.Name, applied)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func (c *cli) withManager(cmd *cobra.Command, fn func(ctx context.Context, m *migrate.Manager) error) error {
	return c.withEnv(cmd, func(ctx context.Context, env *Env) error {
		if env.DB == nil {
			return errors.New("migrations require store.driver=postgres")
		}
		return fn(ctx, migrate.NewManager(env.DB))
	})
}
