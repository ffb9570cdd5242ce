package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Producer metrics
	ReadingsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrwatch_readings_published_total",
			Help: "Readings published per channel",
		},
		[]string{"topic", "status"}, // status: success, failed
	)

	SourceRecordsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hrwatch_source_records_skipped_total",
			Help: "Malformed reading source records skipped by the producer",
		},
	)

	// Consumer metrics
	ReadingsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrwatch_readings_consumed_total",
			Help: "Readings applied to evaluator windows",
		},
		[]string{"consumer"},
	)

	MessagesMalformed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrwatch_messages_malformed_total",
			Help: "Channel messages dropped because they could not be decoded",
		},
		[]string{"consumer"},
	)

	// Alert metrics
	AlertsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrwatch_alerts_triggered_total",
			Help: "Triggering evaluations per alert kind",
		},
		[]string{"kind"},
	)

	AlertsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrwatch_alerts_dropped_total",
			Help: "Alerts dropped because the outbound queue was full",
		},
		[]string{"kind"},
	)

	NotifyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrwatch_notify_total",
			Help: "Notifier invocations per alert kind",
		},
		[]string{"kind", "status"}, // status: success, failed
	)

	NotifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hrwatch_notify_duration_seconds",
			Help:    "Time spent in the notifier per alert",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hrwatch_dispatch_queue_depth",
			Help: "Alerts waiting for notifier delivery",
		},
	)

	// Broker metrics
	BrokerRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrwatch_broker_retries_total",
			Help: "Broker operations retried after a transient failure",
		},
		[]string{"operation"},
	)
)

// Serve exposes /metrics on addr until ctx is cancelled. An empty addr disables it.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	if addr == "" {
		return nil
	}
	log := logger.With().Str("component", "metrics").Logger()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
