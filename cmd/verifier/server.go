package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cosmasemerah/verify-nft-claim/internal/httpapi"
	"github.com/cosmasemerah/verify-nft-claim/internal/pipeline"
	"github.com/cosmasemerah/verify-nft-claim/internal/pipeline/batch"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newServeMux routes /healthz and /metrics, plus the batch trigger on /api
// when runner is set.
func newServeMux(runner batch.Runnable, logger *slog.Logger, trackers ...*pipeline.Health) *http.ServeMux {
	mux := http.NewServeMux()
	if runner != nil {
		mux.Handle("/api", httpapi.AuditMiddleware(logger, batch.RequestIDHeader, batch.Handler(runner, logger)))
	}
	mux.Handle("/healthz", pipeline.HealthHandler(trackers...))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func runHTTPServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http server shutdown error", "error", err)
		}
	}()

	logger.Info("http server started", "port", port)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
