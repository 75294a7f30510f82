package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"wattguard.io/internal/audit"
	"wattguard.io/internal/authz"
	"wattguard.io/internal/config"
	"wattguard.io/internal/credential"
	"wattguard.io/internal/grpcapi"
	"wattguard.io/internal/httpapi"
	"wattguard.io/internal/obs"
	"wattguard.io/internal/permission"
	"wattguard.io/internal/rbac"
	"wattguard.io/internal/session"
	"wattguard.io/internal/stream"
	"wattguard.io/internal/tenancy"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config.yaml (defaults to the standard search path)")
		migrateUp  = flag.Bool("migrate", false, "Apply pending migrations before serving")
	)
	flag.Parse()

	if err := run(*configPath, *migrateUp); err != nil {
		fmt.Fprintf(os.Stderr, "authd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, migrateUp bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := obs.InitLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, migrateUp)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := rbac.SeedCatalog(ctx, b.store); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}

	creds, err := credential.New(b.store.Principals(),
		credential.WithLockout(cfg.Lockout.Threshold, cfg.Lockout.Duration),
		credential.WithRequireVerifiedEmail(cfg.Login.RequireVerifiedEmail),
	)
	if err != nil {
		return err
	}
	sessions, err := session.New(b.sessions, cfg.Token.Secret,
		session.WithIssuer(cfg.Token.Issuer),
		session.WithLifetimes(
			session.Lifetimes{Access: cfg.Token.AccessTTL, Refresh: cfg.Token.RefreshTTL},
			session.Lifetimes{Access: cfg.Token.RememberAccessTTL, Refresh: cfg.Token.RememberRefreshTTL},
		),
	)
	if err != nil {
		return err
	}

	auditCfg := audit.Config{
		QueueSize:    cfg.Audit.QueueSize,
		MaxRetries:   cfg.Audit.MaxRetries,
		RetryBackoff: cfg.Audit.RetryBackoff,
		WriteTimeout: cfg.Audit.WriteTimeout,
	}
	var hub *stream.Hub
	if cfg.Audit.StreamBuffer > 0 {
		hub = stream.New(cfg.Audit.StreamBuffer)
		auditCfg.Publisher = hub
	}
	auditLog := audit.New(b.store.Audit(), auditCfg)
	defer auditLog.Close()

	enforcer := tenancy.New(b.store, cfg.Tenancy.SystemRoles)
	engine, err := authz.New(authz.Deps{
		Store:       b.store,
		Credentials: creds,
		Sessions:    sessions,
		Resolver:    permission.New(b.store),
		Tenancy:     enforcer,
		Limiter:     b.limiter,
		Audit:       auditLog,
	}, authz.Config{
		StoreTimeout:  cfg.Authz.StoreTimeout,
		StrictActions: cfg.Authz.StrictActions,
	})
	if err != nil {
		return err
	}
	admin, err := rbac.New(b.store, creds, auditLog, rbac.WithSessions(sessions))
	if err != nil {
		return err
	}

	api, err := httpapi.New(httpapi.Options{
		Engine:         engine,
		Admin:          admin,
		Tenancy:        enforcer,
		Audit:          b.store.Audit(),
		Stream:         hub,
		Ready:          b.probes,
		Version:        version,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		TrustForwarded: cfg.HTTP.TrustForwarded,
		IPPerSecond:    cfg.RateLimit.IPPerSecond,
		IPBurst:        cfg.RateLimit.IPBurst,
	})
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	grpcSrv, err := grpcapi.NewServer(grpcapi.Options{Engine: engine})
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("http listening", zap.String("addr", httpSrv.Addr), zap.String("version", version))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		log.Info("grpc listening", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go watchReadiness(ctx, b.probes, grpcSrv)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
		log.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcSrv.SetReady(false)
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown", zap.Error(serr))
	}
	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcSrv.Stop()
	}
	log.Info("stopped")
	return err
}

// watchReadiness keeps the gRPC health status in step with the dependency probes.
func watchReadiness(ctx context.Context, probes []httpapi.ReadyProbe, srv *grpcapi.Server) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		ok := true
		for _, p := range probes {
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := p.Check(pctx)
			cancel()
			if err != nil {
				ok = false
				break
			}
		}
		srv.SetReady(ok)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
