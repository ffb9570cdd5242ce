// Package producer replays a heart-rate source onto the alert channels at a
// fixed interval.
package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"heart-rate-alerts/internal/broker"
	"heart-rate-alerts/internal/metrics"
	"heart-rate-alerts/internal/reading"
	"heart-rate-alerts/internal/scheduler"
	"heart-rate-alerts/internal/storage"
)

// ErrLockHeld is returned when another producer holds the advisory lock.
var ErrLockHeld = errors.New("producer: another instance is running")

// Options configure a Producer.
type Options struct {
	// Topics receive every reading, in order.
	Topics  []string
	LockKey int64
}

// Producer publishes one reading per scheduler tick to every topic.
type Producer struct {
	source    reading.Source
	publisher broker.Publisher
	sched     *scheduler.Scheduler
	locker    storage.AdvisoryLocker
	opts      Options
	logger    zerolog.Logger

	published int
	skipped   int
}

// New constructs a producer. locker may be nil.
func New(opts Options, source reading.Source, publisher broker.Publisher, sched *scheduler.Scheduler, locker storage.AdvisoryLocker, logger zerolog.Logger) (*Producer, error) {
	if source == nil {
		return nil, errors.New("reading source is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if sched == nil {
		return nil, errors.New("scheduler is required")
	}
	if len(opts.Topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}
	return &Producer{
		source:    source,
		publisher: publisher,
		sched:     sched,
		locker:    locker,
		opts:      opts,
		logger:    logger.With().Str("component", "producer").Logger(),
	}, nil
}

// Run publishes until the source is exhausted, ctx is cancelled, or a publish
// fails after retries. Source exhaustion returns nil.
func (p *Producer) Run(ctx context.Context) error {
	unlock, err := p.acquireLock(ctx)
	if err != nil {
		return err
	}
	if unlock != nil {
		defer unlock()
	}

	p.logger.Info().
		Strs("topics", p.opts.Topics).
		Dur("interval", p.sched.Interval()).
		Msg("producer started")

	err = p.sched.Run(ctx, p.tick)
	p.logger.Info().
		Int("published", p.published).
		Int("skipped", p.skipped).
		Msg("producer stopped")
	return err
}

// Published reports how many readings have been sent.
func (p *Producer) Published() int { return p.published }

func (p *Producer) tick(ctx context.Context, _ time.Time) error {
	r, err := p.next()
	if errors.Is(err, io.EOF) {
		p.logger.Info().Msg("reading source exhausted")
		return scheduler.ErrStop
	}
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	return p.publish(ctx, r)
}

// next returns the next valid reading, skipping malformed records.
func (p *Producer) next() (reading.Reading, error) {
	for {
		r, err := p.source.Next()
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, reading.ErrMalformed) {
			return reading.Reading{}, err
		}
		p.skipped++
		metrics.SourceRecordsSkipped.Inc()
		p.logger.Warn().Err(err).Msg("skipping malformed source record")
	}
}

func (p *Producer) publish(ctx context.Context, r reading.Reading) error {
	body := reading.Encode(r)
	for _, topic := range p.opts.Topics {
		if err := p.publisher.Publish(ctx, topic, body); err != nil {
			metrics.ReadingsPublished.WithLabelValues(topic, "failed").Inc()
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
		metrics.ReadingsPublished.WithLabelValues(topic, "success").Inc()
	}
	p.published++
	p.logger.Info().
		Time("timestamp", r.Timestamp).
		Str("heart_rate", r.HeartRate.String()).
		Msg("reading published")
	return nil
}

func (p *Producer) acquireLock(ctx context.Context) (func(), error) {
	if p.opts.LockKey == 0 || p.locker == nil {
		return nil, nil
	}
	unlock, acquired, err := p.locker.TryAdvisoryLock(ctx, p.opts.LockKey)
	if err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, ErrLockHeld
	}
	return unlock, nil
}
