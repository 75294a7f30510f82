package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"wattguard.io/internal/audit"
	"wattguard.io/internal/auth"
)

func (c *cli) auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Export and verify the audit log",
	}

	var (
		tenant string
		from   string
		to     string
		limit  int
	)
	export := &cobra.Command{
		Use:     "export",
		Short:   "Write audit entries as newline-delimited JSON",
		Example: `  authctl audit export --tenant 01J8Z3... --from 2026-01-01T00:00:00Z > audit.ndjson`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := auditFilter(tenant, from, to, limit)
			if err != nil {
				return err
			}
			return c.withEnv(cmd, func(ctx context.Context, env *Env) error {
				n, err := audit.WriteNDJSON(ctx, env.Store.Audit(), filter, cmd.OutOrStdout())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d entries\n", n)
				return nil
			})
		},
	}
	export.Flags().StringVar(&tenant, "tenant", "", "Restrict to one tenant")
	export.Flags().StringVar(&from, "from", "", "Earliest timestamp (RFC3339)")
	export.Flags().StringVar(&to, "to", "", "Latest timestamp (RFC3339)")
	export.Flags().IntVar(&limit, "limit", 0, "Maximum entries, 0 for all")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check the hash chain of the whole audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEnv(cmd, func(ctx context.Context, env *Env) error {
				var entries []auth.AuditEntry
				err := audit.Export(ctx, env.Store.Audit(), auth.AuditFilter{}, func(e auth.AuditEntry) error {
					entries = append(entries, e)
					return nil
				})
				if err != nil {
					return err
				}
				if err := audit.VerifyFromGenesis(entries); err != nil {
					return err
				}
				view := map[string]any{"entries": len(entries), "result": "ok"}
				return c.print(cmd.OutOrStdout(), view, fmt.Sprintf("ok %d entries", len(entries)))
			})
		},
	}

	cmd.AddCommand(export, verify)
	return cmd
}

func auditFilter(tenant, from, to string, limit int) (auth.AuditFilter, error) {
	f := auth.AuditFilter{TenantID: tenant, Limit: limit}
	if limit < 0 {
		return f, errors.New("--limit must not be negative")
	}
	var err error
	if from != "" {
		if f.From, err = time.Parse(time.RFC3339, from); err != nil {
			return f, fmt.Errorf("--from: %w", err)
		}
	}
	if to != "" {
		if f.To, err = time.Parse(time.RFC3339, to); err != nil {
			return f, fmt.Errorf("--to: %w", err)
		}
	}
	return f, nil
}
