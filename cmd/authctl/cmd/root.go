// Package cmd implements the authctl operator commands.
package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"wattguard.io/internal/audit"
	"wattguard.io/internal/auth"
	"wattguard.io/internal/config"
	"wattguard.io/internal/credential"
	"wattguard.io/internal/rbac"
	"wattguard.io/internal/store/memory"
	"wattguard.io/internal/store/pg"
)

// Version is set at build time.
var Version = "0.1.0"

// actorID marks audit entries written by operator commands.
const actorID = "authctl"

// Env is the backend a command runs against. DB is nil for the memory driver.
type Env struct {
	Store auth.Store
	DB    *sql.DB
	Close func() error
}

// Opener connects to the configured backend.
type Opener func(ctx context.Context, configPath string) (*Env, error)

// OpenFromConfig loads configuration and opens the repository store it names.
func OpenFromConfig(ctx context.Context, configPath string) (*Env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Driver == "memory" {
		return &Env{Store: memory.New(), Close: func() error { return nil }}, nil
	}
	st, err := pg.Open(cfg.Postgres.DSN, pg.PoolConfig{
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := st.DB().PingContext(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Env{Store: st, DB: st.DB(), Close: st.Close}, nil
}

type cli struct {
	open       Opener
	configPath string
	output     string
}

// NewRootCmd builds the command tree. A nil opener uses OpenFromConfig.
func NewRootCmd(open Opener) *cobra.Command {
	if open == nil {
		open = OpenFromConfig
	}
	c := &cli{open: open}
	root := &cobra.Command{
		Use:   "authctl",
		Short: "Operator CLI for the wattguard authorization engine",
		Long: `authctl applies schema migrations, bootstraps principals and tenants,
and exports or verifies the tamper-evident audit log.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to config.yaml")
	root.PersistentFlags().StringVarP(&c.output, "output", "o", "text", "Output format: text, json or yaml")

	root.AddCommand(c.migrateCmd(), c.principalCmd(), c.tenantCmd(), c.memberCmd(), c.auditCmd())
	return root
}

// withEnv opens the backend for one command and always closes it.
func (c *cli) withEnv(cmd *cobra.Command, fn func(ctx context.Context, env *Env) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := c.open(ctx, c.configPath)
	if err != nil {
		return err
	}
	defer func() { _ = env.Close() }()
	return fn(ctx, env)
}

// withAdmin additionally wires the RBAC service. Its audit queue is drained before returning.
func (c *cli) withAdmin(cmd *cobra.Command, fn func(ctx context.Context, env *Env, admin *rbac.Service, creds *credential.Service) error) error {
	return c.withEnv(cmd, func(ctx context.Context, env *Env) error {
		if err := rbac.SeedCatalog(ctx, env.Store); err != nil {
			return fmt.Errorf("seed catalog: %w", err)
		}
		creds, err := credential.New(env.Store.Principals())
		if err != nil {
			return err
		}
		log := audit.New(env.Store.Audit(), audit.Config{})
		defer log.Close()
		admin, err := rbac.New(env.Store, creds, log)
		if err != nil {
			return err
		}
		return fn(ctx, env, admin, creds)
	})
}

func operator() auth.PrincipalContext {
	return auth.PrincipalContext{PrincipalID: actorID}
}

// print writes v in the selected format; text uses the supplied line.
func (c *cli) print(w io.Writer, v any, text string) error {
	switch c.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	case "text", "":
		_, err := fmt.Fprintln(w, text)
		return err
	default:
		return fmt.Errorf("unknown output format %q", c.output)
	}
}
