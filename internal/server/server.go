package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/meilikeeper/meilikeeper/internal/healthcheck"
	"github.com/meilikeeper/meilikeeper/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// Start launches the daemon's HTTP endpoint serving liveness, readiness and
// metrics when a port is configured. Port 0 disables it.
func Start(ctx context.Context, logger zerolog.Logger, healthInterval time.Duration, tracker *healthcheck.Tracker, metricsCollector *metrics.Metrics, port int) {
	if port <= 0 {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthcheck.HealthHandler(tracker, healthInterval))
	mux.HandleFunc("/readyz", healthcheck.ReadyHandler(tracker))
	if metricsCollector != nil {
		mux.Handle("/metrics", metricsCollector.Handler())
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Int("port", port).Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Int("port", port).Msg("http server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Int("port", port).Msg("http server shutdown failed")
		}
	}()
}
