package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"heart-rate-alerts/internal/metrics"
)

// RetryPolicy bounds reconnect attempts for transient broker failures.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy is used when a zero policy is supplied.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultRetryPolicy.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// Do runs fn, retrying transient failures with exponential backoff. Context
// cancellation and ErrClosed are never retried. When the budget is spent the
// last error is returned wrapped in ErrRetriesExhausted.
func (p RetryPolicy) Do(ctx context.Context, op string, logger zerolog.Logger, fn func(ctx context.Context) error) error {
	p = p.normalized()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = 0

	permanent := false
	attempts := 0
	operation := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrClosed) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.BrokerRetries.WithLabelValues(op).Inc()
		logger.Warn().Err(err).
			Str("operation", op).
			Int("attempt", attempts).
			Dur("backoff", wait).
			Msg("broker operation failed, retrying")
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx), notify)
	if err == nil {
		return nil
	}
	if permanent || ctx.Err() != nil {
		return err
	}
	logger.Error().Err(err).Str("operation", op).Int("attempts", attempts).Msg("broker operation failed after all retries")
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, op, attempts, err)
}
