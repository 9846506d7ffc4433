// Package app wires the Keplear subsystems into a running service.
//
// The [App] struct owns the full lifecycle: New connects the results store,
// loads exercises and builds the HTTP API; Run serves until the context is
// cancelled; Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithStore). When an
// option is not provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/keplear/keplear/internal/config"
	"github.com/keplear/keplear/internal/health"
	"github.com/keplear/keplear/internal/observe"
	"github.com/keplear/keplear/pkg/results"
	"github.com/keplear/keplear/pkg/results/postgres"
)

// shutdownTimeout bounds the HTTP server drain during shutdown.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	manager *Manager
	store   results.Store
	server  *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a results store instead of connecting one from config.
func WithStore(s results.Store) Option {
	return func(a *App) { a.store = s }
}

// New wires the application together. The registry carries the capture
// source factories registered by main.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── Results store ────────────────────────────────────────────────────
	if a.store == nil && cfg.Storage.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: connect results store: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}
	if a.store == nil {
		slog.Warn("No results store configured; finished sessions are kept in memory only")
	}

	// ── Session manager ──────────────────────────────────────────────────
	manager, err := NewManager(cfg, registry, a.store, observe.DefaultMetrics())
	if err != nil {
		return nil, err
	}
	a.manager = manager
	a.closers = append(a.closers, manager.Close)

	// ── HTTP server ──────────────────────────────────────────────────────
	probes := []health.Probe{{
		Name: "capture",
		Check: func(context.Context) error {
			if !slices.Contains(registry.SourceNames(), cfg.Capture.Source) {
				return fmt.Errorf("capture source %q not registered", cfg.Capture.Source)
			}
			return nil
		},
	}}
	if a.store != nil {
		probes = append(probes, health.Probe{Name: "storage", Check: a.store.Ping})
	}

	mux := http.NewServeMux()
	a.registerAPI(mux)
	health.New(probes...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

// Manager exposes the session manager, mainly for tests.
func (a *App) Manager() *Manager { return a.manager }

// Handler exposes the HTTP handler tree, mainly for tests.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Run serves the HTTP API until ctx is cancelled, then drains it.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("HTTP API listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(drainCtx)
	})

	return g.Wait()
}

// Shutdown stops the live session (if any) and tears subsystems down in
// reverse-init order. It respects the context deadline: remaining closers
// are skipped once ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("Shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("Shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("Closer error", "index", i, "error", err)
			}
		}
		slog.Info("Shutdown complete")
	})
	return shutdownErr
}
