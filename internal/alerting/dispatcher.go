package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"heart-rate-alerts/internal/detector"
	"heart-rate-alerts/internal/metrics"
	"heart-rate-alerts/internal/storage"
)

// ErrQueueFull is returned by Dispatch when the outbound queue has no room.
var ErrQueueFull = errors.New("alert queue full")

// DispatcherOptions tune the outbound alert queue.
type DispatcherOptions struct {
	QueueSize       int
	NotifyTimeout   time.Duration
	ShutdownTimeout time.Duration
}

// Dispatcher turns triggering outcomes into alerts and delivers them from its
// own goroutine, so notifier latency never reaches the evaluators. Each alert
// is handed to the notifier at most once; failures are logged, not retried.
type Dispatcher struct {
	opts     DispatcherOptions
	notifier Notifier
	store    storage.AlertStore
	queue    chan Alert
	logger   zerolog.Logger
}

// NewDispatcher builds a dispatcher. store may be nil.
func NewDispatcher(opts DispatcherOptions, notifier Notifier, store storage.AlertStore, logger zerolog.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return &Dispatcher{
		opts:     opts,
		notifier: notifier,
		store:    store,
		queue:    make(chan Alert, opts.QueueSize),
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch builds the alert for o and enqueues it without blocking.
func (d *Dispatcher) Dispatch(o detector.Outcome) error {
	alert := NewAlert(o)
	metrics.AlertsTriggered.WithLabelValues(string(alert.Kind)).Inc()

	select {
	case d.queue <- alert:
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		metrics.AlertsDropped.WithLabelValues(string(alert.Kind)).Inc()
		d.logger.Error().
			Str("alert_id", alert.ID).
			Str("kind", string(alert.Kind)).
			Int("queue_size", d.opts.QueueSize).
			Msg("alert dropped, outbound queue full")
		return fmt.Errorf("%w: %s alert %s", ErrQueueFull, alert.Kind, alert.ID)
	}
}

// Run delivers queued alerts until ctx is cancelled, then flushes whatever is
// still queued within the shutdown timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.flush()
			return nil
		case alert := <-d.queue:
			metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
			d.deliver(ctx, alert)
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.ShutdownTimeout)
	defer cancel()
	d.Drain(ctx)
}

// Drain delivers every alert currently queued and returns. It must not run
// concurrently with Run.
func (d *Dispatcher) Drain(ctx context.Context) {
	for {
		select {
		case alert := <-d.queue:
			d.deliver(ctx, alert)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, alert Alert) {
	log := d.logger.With().Str("alert_id", alert.ID).Str("kind", string(alert.Kind)).Logger()

	var notifyErr error
	if d.notifier != nil {
		notifyCtx, cancel := context.WithTimeout(ctx, d.opts.NotifyTimeout)
		start := time.Now()
		notifyErr = d.notifier.Notify(notifyCtx, alert)
		cancel()
		metrics.NotifyDuration.Observe(time.Since(start).Seconds())
	}

	if notifyErr != nil {
		metrics.NotifyTotal.WithLabelValues(string(alert.Kind), "failed").Inc()
		log.Error().Err(notifyErr).Msg("failed to deliver alert")
	} else {
		metrics.NotifyTotal.WithLabelValues(string(alert.Kind), "success").Inc()
	}

	if d.store == nil {
		return
	}
	record := storage.AlertRecord{
		AlertID:      alert.ID,
		Kind:         string(alert.Kind),
		TriggeredAt:  alert.TriggeredAt,
		OldestBPM:    alert.OldestValue,
		NewestBPM:    alert.NewestValue,
		DeltaBPM:     alert.Delta,
		ThresholdBPM: alert.Threshold,
		Message:      alert.Message,
		Delivered:    notifyErr == nil && d.notifier != nil,
	}
	if notifyErr != nil {
		msg := notifyErr.Error()
		record.DeliveryError = &msg
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := d.store.InsertAlert(storeCtx, record); err != nil {
		log.Error().Err(err).Msg("failed to persist alert record")
	}
}

var _ detector.Sink = (*Dispatcher)(nil)
