package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Notifier delivers a human-readable alert.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a notifier that only logs.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the alert at warn level.
func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	n.logger.Warn().
		Str("alert_id", alert.ID).
		Str("kind", string(alert.Kind)).
		Time("triggered_at", alert.TriggeredAt).
		Str("oldest_bpm", alert.OldestValue.String()).
		Str("newest_bpm", alert.NewestValue.String()).
		Str("delta_bpm", alert.Delta.String()).
		Msg(alert.Title)
	return nil
}

// Multi fans an alert out to several notifiers. Every notifier is attempted;
// failures are joined.
type Multi []Notifier

// Notify calls each notifier in order.
func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", n, err))
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
