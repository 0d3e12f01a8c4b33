// Package app wires the proxy together: config, registry, limiter, stats,
// recorder, security and the HTTP server, plus the config hot-reload hook.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pasoproxy/paso/internal/adapter/limiter"
	"github.com/pasoproxy/paso/internal/adapter/proxy"
	"github.com/pasoproxy/paso/internal/adapter/recorder"
	"github.com/pasoproxy/paso/internal/adapter/registry"
	"github.com/pasoproxy/paso/internal/adapter/security"
	"github.com/pasoproxy/paso/internal/adapter/stats"
	"github.com/pasoproxy/paso/internal/app/handlers"
	"github.com/pasoproxy/paso/internal/app/middleware"
	"github.com/pasoproxy/paso/internal/config"
	"github.com/pasoproxy/paso/internal/core/constants"
	"github.com/pasoproxy/paso/internal/logger"
	"github.com/pasoproxy/paso/internal/router"
	"github.com/pasoproxy/paso/internal/version"
)

// Application owns the process-lifetime components.
type Application struct {
	cfg *config.Config
	log logger.StyledLogger

	registry *registry.MemoryBackendRegistry
	limiter  *limiter.Manager
	stats    *stats.Collector
	recorder *recorder.Recorder
	security *security.Services
	server   *handlers.Server

	httpServer *http.Server
	errCh      chan error
}

func New(cfg *config.Config, log logger.StyledLogger) (*Application, error) {
	backendRegistry := registry.NewMemoryBackendRegistry(log)
	backends, fallbacks, err := cfg.ResolveBackends()
	if err != nil {
		return nil, fmt.Errorf("resolve backends: %w", err)
	}
	if err := backendRegistry.Reload(context.Background(), backends, fallbacks); err != nil {
		return nil, fmt.Errorf("load backends: %w", err)
	}

	collector := stats.NewCollector()
	requestRecorder := recorder.New(log)

	securityServices, err := security.NewServices(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("security services: %w", err)
	}

	forwarder, err := proxy.NewService(
		backendRegistry,
		cfg.ProxySettings.Parsers.ToDomain(),
		collector,
		&proxy.Config{
			NumRetries:      cfg.RouterSettings.NumRetries,
			StreamPeekBytes: cfg.ProxySettings.StreamPeekBytes,
		},
		log,
	)
	if err != nil {
		return nil, fmt.Errorf("proxy service: %w", err)
	}

	concurrency := limiter.NewManager(log)
	server := handlers.NewServer(cfg, forwarder, concurrency, securityServices.Keys,
		backendRegistry, requestRecorder, collector, log)

	routes := router.NewRouteRegistry(log)
	server.RegisterRoutes(routes)

	mux := http.NewServeMux()
	routes.WireUp(mux, securityServices.ChainMiddleware())

	var handler http.Handler = stampVersion(mux)
	if cfg.Server.RequestLogging {
		handler = middleware.RequestLogging(log)(handler)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.GetAddress(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		// No WriteTimeout: SSE relays hold responses open for minutes
	}

	return &Application{
		cfg:        cfg,
		log:        log,
		registry:   backendRegistry,
		limiter:    concurrency,
		stats:      collector,
		recorder:   requestRecorder,
		security:   securityServices,
		server:     server,
		httpServer: httpServer,
		errCh:      make(chan error, 1),
	}, nil
}

// Start brings the listener up and begins watching the config file.
func (a *Application) Start(ctx context.Context) error {
	a.log.Info("Starting server",
		"address", a.httpServer.Addr,
		"backends", len(a.registry.ListBackends(ctx)))

	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.errCh <- err
		}
	}()

	config.Watch(a.cfg.Filename, a.applyReload, func(err error) {
		a.log.Error("Config reload failed, keeping previous config", "error", err)
	})

	// surface an immediate bind failure instead of running on
	select {
	case err := <-a.errCh:
		return fmt.Errorf("server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Errors exposes late listener failures.
func (a *Application) Errors() <-chan error {
	return a.errCh
}

// applyReload publishes a validated config snapshot: the backend registry
// swaps atomically, the key table follows, in-flight requests keep the
// backends they were routed with.
func (a *Application) applyReload(cfg *config.Config) {
	backends, fallbacks, err := cfg.ResolveBackends()
	if err != nil {
		a.log.Error("Config reload rejected", "error", err)
		return
	}
	if err := a.registry.Reload(context.Background(), backends, fallbacks); err != nil {
		a.log.Error("Config reload rejected", "error", err)
		return
	}

	a.security.Reload(cfg)
	a.server.UpdateConfig(cfg)
	a.log.InfoWithCount("Configuration reloaded", len(backends))
}

// Stop drains in-flight requests, flushes the request recorder and tears
// down the background workers.
func (a *Application) Stop(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	group, groupCtx := errgroup.WithContext(shutdownCtx)
	group.Go(func() error {
		return a.httpServer.Shutdown(groupCtx)
	})
	group.Go(func() error {
		return a.recorder.Flush(groupCtx)
	})
	err := group.Wait()

	a.security.Stop()
	a.recorder.Shutdown()

	proxyStats := a.stats.GetProxyStats()
	a.log.Info("Final proxy statistics",
		"total_requests", proxyStats.TotalRequests,
		"successful", proxyStats.SuccessfulRequests,
		"failed", proxyStats.FailedRequests,
		"cancelled", proxyStats.CancelledRequests,
		"retries", proxyStats.Retries,
		"fallbacks", proxyStats.Fallbacks,
		"queue_timeouts", proxyStats.QueueTimeouts,
		"bytes_streamed", proxyStats.BytesStreamed,
	)
	return err
}

// stampVersion adds the proxy version header to every response.
func stampVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(constants.HeaderXPasoVersion, version.Version)
		next.ServeHTTP(w, r)
	})
}
