package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"heart-rate-alerts/internal/alerting"
	"heart-rate-alerts/internal/detector"
	"heart-rate-alerts/internal/reading"
	"heart-rate-alerts/internal/storage"
)

// SimulateAlert pushes a canned triggering sequence for kind through a real
// evaluator and dispatcher, exercising the configured notifiers.
func (a *App) SimulateAlert(ctx context.Context, kind detector.Kind) error {
	spec, err := detector.SpecFor(kind)
	if err != nil {
		return err
	}

	notifier, err := a.newNotifier()
	if err != nil {
		return err
	}
	recorder := &errRecorder{next: notifier}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}
	var alertStore storage.AlertStore
	if store != nil {
		alertStore = store
	}

	dispatcher := alerting.NewDispatcher(alerting.DispatcherOptions{
		QueueSize:     1,
		NotifyTimeout: a.Config.Alerting.NotifyTimeout,
	}, recorder, alertStore, a.Logger)

	evaluator, err := detector.NewEvaluator(spec, dispatcher, a.Logger)
	if err != nil {
		return err
	}

	fired := false
	for _, r := range simulatedReadings(spec, time.Now().UTC()) {
		if _, ok := evaluator.OnReading(r); ok {
			fired = true
		}
	}
	if !fired {
		return errors.New("simulated sequence did not trigger an alert")
	}

	dispatcher.Drain(ctx)
	if recorder.calls == 0 {
		return errors.New("alert was not delivered")
	}
	return recorder.err
}

// simulatedReadings returns one full window for spec whose endpoints differ
// by exactly the threshold (or not at all for a stall), ending at end.
func simulatedReadings(spec detector.Spec, end time.Time) []reading.Reading {
	n := spec.WindowSize
	start := decimal.NewFromInt(70)
	var total decimal.Decimal
	switch spec.Comparison {
	case detector.DecreaseByAtLeast:
		start = decimal.NewFromInt(100)
		total = spec.Threshold.Neg()
	case detector.IncreaseByAtLeast:
		start = decimal.NewFromInt(60)
		total = spec.Threshold
	}

	step := time.Duration(0)
	if n > 1 {
		step = spec.Span / time.Duration(n)
	}
	out := make([]reading.Reading, n)
	for i := 0; i < n; i++ {
		value := start
		if n > 1 {
			value = start.Add(total.Mul(decimal.NewFromInt(int64(i))).Div(decimal.NewFromInt(int64(n - 1))))
		}
		out[i] = reading.Reading{
			Timestamp: end.Add(-time.Duration(n-1-i) * step),
			HeartRate: value,
		}
	}
	return out
}

// errRecorder keeps the last delivery error so the command can report it.
type errRecorder struct {
	next  alerting.Notifier
	calls int
	err   error
}

func (r *errRecorder) Notify(ctx context.Context, alert alerting.Alert) error {
	r.calls++
	r.err = r.next.Notify(ctx, alert)
	return r.err
}
