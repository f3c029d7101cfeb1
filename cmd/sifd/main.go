package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"sifworks.org/internal/auth"
	"sifworks.org/internal/config"
	"sifworks.org/internal/environment"
	"sifworks.org/internal/functional"
	"sifworks.org/internal/httpapi"
	"sifworks.org/internal/migrate"
	"sifworks.org/internal/obs"
	"sifworks.org/internal/payload"
	"sifworks.org/internal/rights"
	"sifworks.org/internal/scheduler"
	pgstore "sifworks.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("sifd: %v", err)
	}
}

// backends groups the repositories the provider runs on.
type backends struct {
	jobs     functional.JobRepository
	bindings functional.BindingRepository
	envs     environment.Store
	ready    httpapi.ReadyProbe
	close    func() error
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	demo, hasDemo := demoRegister(cfg)
	if cfg.PG.DSN == "" {
		var regs []environment.ApplicationRegister
		if hasDemo {
			regs = append(regs, demo)
		}
		obs.Warn("no database configured, state is kept in memory", map[string]any{"demo_register": hasDemo})
		return &backends{
			jobs:     functional.NewMemoryJobs(),
			bindings: functional.NewMemoryBindings(),
			envs:     environment.NewInMemory(regs...),
			close:    func() error { return nil },
		}, nil
	}

	store, err := pgstore.Open(cfg.PG.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.PG.Migrate {
		if err := migrateSchema(ctx, store); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	if hasDemo {
		if err := store.PutApplicationRegister(ctx, demo); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seed demo register: %w", err)
		}
	}
	return &backends{
		jobs:     store,
		bindings: store.Bindings(),
		envs:     store,
		ready:    httpapi.ReadyProbe{DB: store.DB()},
		close:    store.Close,
	}, nil
}

func migrateSchema(ctx context.Context, store *pgstore.Store) error {
	mgr := migrate.NewManager(store.DB())
	applied, err := mgr.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	seeded, err := mgr.Seed(ctx)
	if err != nil {
		return fmt.Errorf("seed schema: %w", err)
	}
	obs.Info("schema migrated", map[string]any{"migrations": applied, "seeds": seeded})
	return nil
}

// demoRegister grants the configured demo application full rights on the
// Payloads service in zone Gov.
func demoRegister(cfg *config.Config) (environment.ApplicationRegister, bool) {
	if cfg.Demo.ApplicationKey == "" || cfg.Demo.SharedSecret == "" {
		return environment.ApplicationRegister{}, false
	}
	return environment.ApplicationRegister{
		ApplicationKey: cfg.Demo.ApplicationKey,
		SharedSecret:   cfg.Demo.SharedSecret,
		DefaultZoneID:  "Gov",
		Zones: []environment.Zone{{
			ID:          "Gov",
			Description: "demo zone",
			Services: []environment.Service{{
				Name: payload.ServiceName,
				Type: environment.ServiceFunctional,
				Rights: rights.NewSet(
					rights.Right{Type: rights.Create, Value: rights.Approved},
					rights.Right{Type: rights.Query, Value: rights.Approved},
					rights.Right{Type: rights.Update, Value: rights.Approved},
					rights.Right{Type: rights.Delete, Value: rights.Approved},
				),
			}},
		}},
	}, true
}

func newAuthenticator(cfg *config.Config, envs environment.Store) (*auth.Authenticator, error) {
	mode, err := auth.ParseMode(cfg.Auth.Mode)
	if err != nil {
		return nil, err
	}
	opts := []auth.AuthenticatorOption{
		auth.WithTokenService(auth.NewHMACTokenService(auth.WithMaxAge(cfg.HMACMaxAge()))),
	}
	if mode == auth.ModeBrokered {
		opts = append(opts, auth.WithBrokeredIdentity(environment.Identity{
			ApplicationKey: cfg.Broker.ApplicationKey,
			SolutionID:     cfg.Broker.SolutionID,
			UserToken:      cfg.Broker.UserToken,
			InstanceID:     cfg.Broker.InstanceID,
		}))
	}
	return auth.NewAuthenticator(envs, opts...)
}

func run() error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = be.close() }()

	authn, err := newAuthenticator(cfg, be.envs)
	if err != nil {
		return err
	}

	registry := scheduler.NewRegistry()
	if err := registry.Register(payload.ServiceName, func() (*functional.Service, error) {
		return payload.New(be.jobs, be.bindings)
	}); err != nil {
		return err
	}
	sched := scheduler.New(registry, scheduler.Config{
		Classes:          cfg.Job.Classes,
		StartupDelay:     cfg.StartupDelay(),
		TimeoutEnabled:   cfg.Job.Timeout.Enabled,
		TimeoutFrequency: cfg.TimeoutFrequency(),
		ShutdownGrace:    cfg.ShutdownGrace(),
	})
	// Stop owns cancellation so Shutdown hooks run before Startup loops end.
	if err := sched.Start(context.Background()); err != nil {
		return err
	}

	api, err := httpapi.New(be.ready, version, sched, be.envs, authn,
		httpapi.WithBinding(cfg.Job.Binding),
		httpapi.WithRateLimit(cfg.Rate.Burst, cfg.Rate.RPS),
	)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthServer(be.ready, sched.Names())
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		obs.Info("http listening", map[string]any{"addr": srv.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		obs.Info("grpc listening", map[string]any{"addr": lis.Addr().String()})
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go refreshHealth(ctx, health)

	var runErr error
	select {
	case <-ctx.Done():
		obs.Info("shutting down", nil)
	case runErr = <-errCh:
		obs.Error("server failed", map[string]any{"error": runErr})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	health.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("http shutdown", map[string]any{"error": err})
	}
	grpcSrv.GracefulStop()
	if err := sched.Stop(shutdownCtx); err != nil {
		obs.Error("scheduler stop", map[string]any{"error": err})
	}
	obs.Info("stopped", nil)
	return runErr
}

func refreshHealth(ctx context.Context, h *httpapi.HealthServer) {
	_ = h.Refresh(ctx)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = h.Refresh(ctx)
		}
	}
}
