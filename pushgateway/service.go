// Package pushgateway assembles the gateway from its parts: the pushkins
// built from configuration, the routing pipeline over them, and the HTTP
// surface that homeservers call.
package pushgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinywideclouds/go-push-gateway/internal/api"
	"github.com/tinywideclouds/go-push-gateway/internal/pipeline"
	"github.com/tinywideclouds/go-push-gateway/internal/transport"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
)

const shutdownTimeout = 10 * time.Second

// Wrapper ties the configured pushkins, the dispatch pipeline and the HTTP
// listeners together into one startable service.
type Wrapper struct {
	servers []*http.Server
	logger  *slog.Logger
}

// New builds the full service from configuration. Every app entry must
// produce a working pushkin; a single bad entry fails startup so that a
// misconfigured gateway never silently drops traffic for one app.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Wrapper, error) {
	if len(cfg.Apps) == 0 {
		return nil, errors.New("no app IDs are configured, edit the configuration file to define some")
	}

	dialer, err := transport.NewDialer(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy configuration: %w", err)
	}

	appIDs := make([]string, 0, len(cfg.Apps))
	for name := range cfg.Apps {
		appIDs = append(appIDs, name)
	}
	sort.Strings(appIDs)

	backends := make([]dispatch.Backend, 0, len(appIDs))
	for _, name := range appIDs {
		app := cfg.Apps[name]
		logger.Info("Creating pushkin", "app_id", name, "kind", app.Type)
		backend, err := newBackend(ctx, name, app, dialer, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create pushkin %q of kind %q: %w", name, app.Type, err)
		}
		backends = append(backends, backend)
	}
	logger.Info("Configured with app IDs", "app_ids", appIDs)

	processor := pipeline.NewProcessor(pipeline.NewRouter(backends...), logger)
	notifyAPI := api.NewNotifyAPI(processor, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /_matrix/push/v1/notify", notifyAPI.Notify)
	mux.HandleFunc("GET /health", notifyAPI.Health)

	w := &Wrapper{logger: logger}

	if cfg.Metrics.PrometheusEnabled {
		if cfg.Metrics.PrometheusAddress == "" {
			mux.Handle("GET /metrics", promhttp.Handler())
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("GET /metrics", promhttp.Handler())
			w.servers = append(w.servers, &http.Server{
				Addr:    cfg.Metrics.PrometheusAddress,
				Handler: metricsMux,
			})
		}
	}

	bind := "127.0.0.1"
	if len(cfg.HTTP.BindAddresses) > 0 {
		bind = cfg.HTTP.BindAddresses[0]
	}
	w.servers = append(w.servers, &http.Server{
		Addr:    net.JoinHostPort(bind, strconv.Itoa(cfg.HTTP.Port)),
		Handler: api.AccessLog(logger, cfg.Log.XForwardedFor, mux),
	})

	return w, nil
}

// Start runs the HTTP listeners and blocks until the context is cancelled or
// a listener fails, then shuts the service down gracefully.
func (w *Wrapper) Start(ctx context.Context) error {
	errs := make(chan error, len(w.servers))
	for _, srv := range w.servers {
		w.logger.Info("Starting listening...", "address", srv.Addr)
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("listener %s failed: %w", srv.Addr, err)
				return
			}
			errs <- nil
		}(srv)
	}
	w.logger.Info("Service is now ready.")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := w.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops the HTTP servers, letting in-flight requests finish.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	for _, srv := range w.servers {
		if err := srv.Shutdown(ctx); err != nil {
			w.logger.Error("HTTP server shutdown failed.", "err", err, "address", srv.Addr)
			finalErr = err
		}
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
