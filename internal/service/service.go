package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"heart-rate-alerts/internal/broker"
	"heart-rate-alerts/internal/detector"
	"heart-rate-alerts/internal/metrics"
	"heart-rate-alerts/internal/reading"
)

// Consumer drains one channel and feeds every reading, in arrival order, to
// its evaluators. The alert consumers own exactly one evaluator; the monitor
// consumer may own none and only logs readings.
type Consumer struct {
	name       string
	subscriber broker.Subscriber
	evaluators []*detector.Evaluator
	logger     zerolog.Logger

	consumed  int
	malformed int
}

// NewConsumer constructs a consumer named for logs and metrics.
func NewConsumer(name string, subscriber broker.Subscriber, logger zerolog.Logger, evaluators ...*detector.Evaluator) (*Consumer, error) {
	if subscriber == nil {
		return nil, errors.New("subscriber is required")
	}
	if name == "" {
		return nil, errors.New("consumer name is required")
	}
	return &Consumer{
		name:       name,
		subscriber: subscriber,
		evaluators: evaluators,
		logger:     logger.With().Str("component", "consumer").Str("consumer", name).Logger(),
	}, nil
}

// Run blocks until ctx is cancelled, the subscriber closes, or the broker
// stays unreachable past its retry budget. Cancellation and closure return nil.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Int("evaluators", len(c.evaluators)).Msg("consumer started")
	defer func() {
		c.logger.Info().
			Int("consumed", c.consumed).
			Int("malformed", c.malformed).
			Msg("consumer stopped")
	}()

	for {
		msg, err := c.subscriber.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return nil
			}
			return fmt.Errorf("fetch: %w", err)
		}

		c.Handle(msg)

		if err := c.subscriber.Commit(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit: %w", err)
		}
	}
}

// Handle decodes one message and applies it to every evaluator. Malformed
// messages are logged and dropped; they never reach a window.
func (c *Consumer) Handle(msg broker.Message) {
	r, err := reading.Decode(msg.Value)
	if err != nil {
		c.malformed++
		metrics.MessagesMalformed.WithLabelValues(c.name).Inc()
		c.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("dropping malformed message")
		return
	}

	c.consumed++
	metrics.ReadingsConsumed.WithLabelValues(c.name).Inc()
	c.logger.Debug().
		Time("timestamp", r.Timestamp).
		Str("heart_rate", r.HeartRate.String()).
		Msg("current heart rate")

	for _, e := range c.evaluators {
		e.OnReading(r)
	}
}

// Consumed reports how many readings were applied.
func (c *Consumer) Consumed() int { return c.consumed }

// Malformed reports how many messages were dropped.
func (c *Consumer) Malformed() int { return c.malformed }
