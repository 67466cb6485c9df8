package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"

	"github.com/neomorfeo/memberiq/internal/adapter/memdir"
	"github.com/neomorfeo/memberiq/internal/adapter/memory"
	"github.com/neomorfeo/memberiq/internal/adapter/otel"
	"github.com/neomorfeo/memberiq/internal/adapter/river"
	"github.com/neomorfeo/memberiq/internal/adapter/sqlite"
	"github.com/neomorfeo/memberiq/internal/app"
	"github.com/neomorfeo/memberiq/internal/config"
	"github.com/neomorfeo/memberiq/internal/domain"

	handler "github.com/neomorfeo/memberiq/internal/adapter/http"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := run(); err != nil {
		slog.Error("memberiq exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Configuration ---
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if port := os.Getenv("PORT"); port != "" {
		p, convErr := strconv.Atoi(port)
		if convErr != nil {
			return fmt.Errorf("parsing PORT: %w", convErr)
		}
		cfg.Server.Port = p
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	// --- Observability ---
	otelProviders, err := otel.Setup(ctx, otel.ConfigFromEnv())
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			slog.Error("otel shutdown", "error", err)
		}
	}()

	// --- Adapters (out) ---
	db, err := otel.OpenDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	sqliteStore, err := sqlite.NewFromDB(db, sqlite.Config{
		BaseDelay:   cfg.Reconciler.BaseDelay,
		MaxDelay:    cfg.Reconciler.MaxDelay,
		MaxAttempts: cfg.Reconciler.MaxAttempts,
		RecordTTL:   cfg.Reconciler.RecordTTL,
	})
	if err != nil {
		return fmt.Errorf("reconciliation store: %w", err)
	}
	store := otel.NewTracingStore(sqliteStore)
	cache := memory.NewResponseCache()

	riverClient, err := river.Setup(ctx, db, river.Config{
		Store:                  store,
		Cache:                  cache,
		RetentionSweepInterval: cfg.Reconciler.RetentionSweepInterval,
		CacheSweepInterval:     cfg.Cache.SweepInterval,
	})
	if err != nil {
		return fmt.Errorf("river: %w", err)
	}
	if err := riverClient.Start(ctx); err != nil {
		return fmt.Errorf("starting river: %w", err)
	}
	publisher := otel.NewTracingPublisher(river.NewPublisher(riverClient))

	// --- Providers ---
	registry := app.NewRegistry(cfg.Breaker)
	for name, pc := range cfg.Providers {
		factory, err := factoryFor(name, pc)
		if err != nil {
			return err
		}
		if pc.Role == config.RoleSecondary {
			err = registry.RegisterSecondary(name, factory)
		} else {
			err = registry.RegisterPrimary(name, factory)
		}
		if err != nil {
			return fmt.Errorf("registering provider %q: %w", name, err)
		}
	}
	if err := registry.Activate(cfg.Specs()); err != nil {
		return fmt.Errorf("activating providers: %w", err)
	}

	// --- Application ---
	svc := app.NewMembershipService(registry, store, cache, publisher, cfg.Cache.TTL)

	reconciler := app.NewReconciler(registry, store, publisher, app.ReconcilerConfig{
		WorkerID: cfg.Reconciler.WorkerID,
		Lease:    cfg.Reconciler.Lease,
		Batch:    cfg.Reconciler.Batch,
		Interval: cfg.Reconciler.Interval,
	})
	go func() {
		if err := reconciler.Run(ctx); err != nil {
			slog.Error("reconciler stopped", "error", err)
		}
	}()

	// Config changes re-run provider activation; the active set only
	// swaps when the new one activates cleanly.
	if cfgPath != "" {
		watcher, err := config.NewWatcher(cfgPath, func(next config.Config) {
			if err := registry.Activate(next.Specs()); err != nil {
				slog.Error("provider re-activation failed, keeping active set", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		defer watcher.Stop()
		watcher.Start(ctx)
	}

	// --- Adapters (in) ---
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(otelchi.Middleware("memberiq", otelchi.WithChiRoutes(router)))

	api := humachi.New(router, huma.DefaultConfig("memberiq", "0.1.0"))
	handler.Register(api, svc)

	// --- Server ---
	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("memberiq listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-done:
	}

	slog.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	cancel()
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("river shutdown", "error", err)
	}

	slog.Info("stopped")
	return nil
}

// factoryFor maps a configured provider kind to a constructor. Constructed
// providers are wrapped in a tracing decorator; the registry adds the
// circuit breaker on top during activation.
func factoryFor(name string, pc config.Provider) (app.Factory, error) {
	switch pc.Kind {
	case "memdir":
		return func(spec app.ProviderSpec) (domain.Provider, error) {
			p, err := memdir.FromSettings(spec.Settings)
			if err != nil {
				return nil, err
			}
			active := name
			if spec.Prefix != "" {
				active = spec.Prefix
			}
			return otel.NewTracingProvider(active, p), nil
		}, nil
	default:
		return nil, fmt.Errorf("provider %q: unknown kind %q", name, pc.Kind)
	}
}
