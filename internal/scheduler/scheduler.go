package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrStop may be returned by a tick to end Run without error.
var ErrStop = errors.New("scheduler: stop")

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval time.Duration
	// AlignToStart fires on wall-clock multiples of Interval instead of one
	// full Interval after the previous tick returned.
	AlignToStart bool
	StartupDelay time.Duration
	// Immediate fires the first tick right after the startup delay instead of
	// one interval later.
	Immediate bool
}

// Scheduler drives periodic execution of the producer.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Interval returns the configured tick spacing.
func (s *Scheduler) Interval() time.Duration { return s.opts.Interval }

// Run blocks, invoking tick until ctx is cancelled or a tick fails. Ticks are
// spaced by a fixed delay measured from the end of the previous tick. A tick
// returning ErrStop ends the run cleanly.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	now := time.Now().UTC()
	next := s.nextTick(now)
	if s.opts.Immediate {
		next = now
	}
	for {
		delay := time.Until(next)
		if delay < 0 {
			delay = 0
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		at := s.bucketStart(next)
		s.logger.Debug().Time("tick", at).Msg("executing scheduled tick")

		if err := tick(ctx, at); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
			return err
		}

		// The wait restarts once the tick returns, so a slow tick never
		// shortens the gap to the next one.
		next = s.nextTick(time.Now().UTC())
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
