// Package metrics exposes Prometheus instruments for the streaming pipeline.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rolechat/internal/infra/middleware"
)

var (
	// exchangesTotal counts finished exchanges by outcome
	// (completed, degraded, failed, aborted).
	exchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rolechat_exchanges_total",
		Help: "Finished chat exchanges by outcome",
	}, []string{"outcome"})

	// exchangeDuration tracks wall time from send to terminal outcome
	exchangeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rolechat_exchange_duration_seconds",
		Help:    "Chat exchange duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 11), // 250ms to ~4m
	}, []string{"outcome"})

	// attemptsTotal counts stream attempts by transport and result code
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rolechat_stream_attempts_total",
		Help: "Stream attempts by transport and result",
	}, []string{"transport", "result"})

	// framesTotal counts decoded frames by type
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rolechat_stream_frames_total",
		Help: "Decoded stream frames by type",
	}, []string{"type"})

	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rolechat_stream_duplicate_fragments_total",
		Help: "Fragments dropped as duplicates by (message id, length)",
	})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rolechat_retries_total",
		Help: "Re-issued stream attempts by failure code",
	}, []string{"code"})

	malformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rolechat_stream_malformed_records_total",
		Help: "Stream records dropped because they failed to decode",
	})

	stallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rolechat_stream_stalls_total",
		Help: "Liveness stall reports by severity",
	}, []string{"severity"})
)

// ExchangeFinished records a terminal exchange outcome.
func ExchangeFinished(outcome string, d time.Duration) {
	exchangesTotal.WithLabelValues(outcome).Inc()
	exchangeDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// AttemptFinished records one stream attempt. result is "ok" or an error code.
func AttemptFinished(transport, result string) {
	attemptsTotal.WithLabelValues(transport, result).Inc()
}

// FrameDecoded counts a decoded frame.
func FrameDecoded(frameType string) {
	framesTotal.WithLabelValues(frameType).Inc()
}

// DuplicateFragment counts a fragment the accumulator dropped.
func DuplicateFragment() {
	duplicatesTotal.Inc()
}

// Retried counts a retry scheduled after a failure with the given code.
func Retried(code string) {
	retriesTotal.WithLabelValues(code).Inc()
}

// MalformedRecord counts a record the parser dropped.
func MalformedRecord() {
	malformedTotal.Inc()
}

// Stalled counts a liveness report ("soft" or "hard").
func Stalled(severity string) {
	stallsTotal.WithLabelValues(severity).Inc()
}

// Handler returns the /metrics HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// scrapeLimit bounds scrapes per client; a normal scraper stays far below it.
var scrapeLimit = middleware.RateLimitConfig{RequestsPerMin: 120, BurstSize: 20}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	handler := middleware.SecurityHeaders(middleware.RateLimit(ctx, scrapeLimit)(mux))
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
