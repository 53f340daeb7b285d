package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServeMetrics starts a /metrics HTTP server on addr backed by reg, the
// Go-native equivalent of the pack's Prometheus exposition convention
// (jordigilh-kubernaut's pkg/metrics HTTP server). Runs until ctx is
// cancelled; shutdown errors are logged, never propagated, matching the
// rest of the coordinator's incidental-filesystem-error disposition.
func ServeMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("coordinator: metrics server shutdown error", "error", err)
		}
	}()

	log.Info("coordinator: metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("coordinator: metrics server failed", "addr", addr, "error", err)
	}
}
