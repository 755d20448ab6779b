package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"campusgov.org/internal/audit"
	"campusgov.org/internal/audit/kafka"
	"campusgov.org/internal/auth"
	"campusgov.org/internal/authz"
	"campusgov.org/internal/config"
	"campusgov.org/internal/grant"
	"campusgov.org/internal/grpcapi"
	"campusgov.org/internal/httpapi"
	"campusgov.org/internal/impersonation"
	"campusgov.org/internal/obs"
	"campusgov.org/internal/session"
	"campusgov.org/internal/store/pg"
	"campusgov.org/internal/stream"
	"campusgov.org/internal/tenant"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type stores struct {
	users    auth.UserStore
	tenants  tenant.Store
	sessions session.Store
	grants   grant.Store
	audit    audit.Store
	locker   grant.Locker
	ready    httpapi.ReadyFunc
	close    func()
}

func memoryStores() stores {
	return stores{
		users:    auth.NewMemoryUsers(),
		tenants:  tenant.NewMemoryStore(),
		sessions: session.NewMemoryStore(),
		grants:   grant.NewMemoryStore(),
		audit:    audit.NewMemoryStore(),
		locker:   grant.NewKeyedMutex(),
		close:    func() {},
	}
}

func pgStores(dsn string) (stores, error) {
	db, err := pg.Open(dsn)
	if err != nil {
		return stores{}, err
	}
	return stores{
		users:    db,
		tenants:  db,
		sessions: db,
		grants:   db,
		audit:    db,
		locker:   pg.NewAdvisoryLocker(db),
		ready:    db.Ping,
		close:    func() { _ = db.Close() },
	}, nil
}

func main() {
	if err := run(); err != nil {
		obs.LogEvent(obs.LevelError, "server stopped", map[string]any{"error": err})
		os.Exit(1)
	}
	obs.LogEvent(obs.LevelInfo, "stopped", nil)
}

func run() error {
	var (
		configPath = pflag.String("config", os.Getenv("GOV_CONFIG"), "path to YAML config")
		seedPath   = pflag.String("seed", os.Getenv("GOV_SEED"), "path to YAML seed of tenants and users")
		httpAddr   = pflag.String("http-addr", "", "HTTP listen address (overrides config)")
		grpcAddr   = pflag.String("grpc-addr", "", "gRPC listen address (overrides config)")
		dsn        = pflag.String("pg-dsn", "", "PostgreSQL DSN; empty keeps state in memory")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if pflag.CommandLine.Changed("http-addr") {
		cfg.HTTPAddr = *httpAddr
	}
	if pflag.CommandLine.Changed("grpc-addr") {
		cfg.GRPCAddr = *grpcAddr
	}
	if pflag.CommandLine.Changed("pg-dsn") {
		cfg.PGDSN = *dsn
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	st := memoryStores()
	if cfg.PGDSN != "" {
		if st, err = pgStores(cfg.PGDSN); err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
	}
	defer st.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *seedPath != "" {
		seed, err := config.LoadSeed(*seedPath)
		if err != nil {
			return fmt.Errorf("load seed: %w", err)
		}
		if err := seed.Apply(ctx, st.tenants, st.users); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
	}

	ledger := audit.NewLedger(st.audit)
	hub := stream.New()
	ledger.Subscribe(hub)
	var exporter *kafka.Exporter
	if len(cfg.Kafka.Brokers) > 0 {
		exporter = kafka.NewExporter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		ledger.Subscribe(exporter)
	}

	tenants := tenant.NewRegistry(st.tenants, ledger)
	sessions := session.NewRegistry(st.sessions, ledger, session.Config{
		IdleTimeout:     cfg.Sessions.IdleTimeout.Std(),
		AbsoluteTimeout: cfg.Sessions.AbsoluteTimeout.Std(),
	})
	grants := grant.NewManager(st.grants, st.users, ledger, sessions, grant.Config{
		OverrideCeiling:      cfg.Grants.OverrideCeiling.Std(),
		ImpersonationCeiling: cfg.Grants.ImpersonationCeiling.Std(),
	}, grant.WithLocker(st.locker))
	resolver := authz.NewResolver(authz.Deps{
		Tenants:  tenants,
		Sessions: sessions,
		Users:    st.users,
		Grants:   grants,
		Ledger:   ledger,
	})
	tokens, err := auth.NewTokenIssuer(cfg.TokenSecret)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}

	api := httpapi.New(httpapi.Deps{
		Tokens:           tokens,
		Users:            st.users,
		Tenants:          tenants,
		Sessions:         sessions,
		Grants:           grants,
		Impersonation:    impersonation.NewBroker(grants, sessions, st.users),
		Resolver:         resolver,
		Ledger:           ledger,
		Stream:           hub,
		Ready:            st.ready,
		AuthenticatorKey: cfg.AuthenticatorKey,
		Version:          version,
		RateBurst:        cfg.Limits.Burst,
		RatePerSec:       cfg.Limits.RPS,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := grpcapi.NewServer(st.ready, 10*time.Second)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		obs.LogEvent(obs.LevelInfo, "http listening", map[string]any{"addr": srv.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		obs.LogEvent(obs.LevelInfo, "grpc listening", map[string]any{"addr": cfg.GRPCAddr})
		return grpcSrv.Serve(gctx, lis)
	})
	g.Go(func() error {
		return grant.NewSweeper(grants, cfg.Grants.SweepInterval.Std()).Run(gctx)
	})
	if exporter != nil {
		g.Go(func() error { return exporter.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

