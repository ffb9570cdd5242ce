package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunStopsOnErrStop(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond, Immediate: true}, zerolog.Nop())

	var ticks []time.Time
	err := s.Run(context.Background(), func(_ context.Context, at time.Time) error {
		ticks = append(ticks, at)
		if len(ticks) == 3 {
			return ErrStop
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ErrStop should end the run cleanly, got %v", err)
	}
	if len(ticks) != 3 {
		t.Fatalf("ticks = %d, want 3", len(ticks))
	}
	for i := 1; i < len(ticks); i++ {
		if !ticks[i].After(ticks[i-1]) {
			t.Fatalf("tick times not increasing: %v", ticks)
		}
	}
}

func TestRunImmediateFiresWithoutWaiting(t *testing.T) {
	s := New(Options{Interval: time.Hour, Immediate: true}, zerolog.Nop())

	start := time.Now()
	err := s.Run(context.Background(), func(context.Context, time.Time) error { return ErrStop })
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("immediate tick should not wait a full interval")
	}
}

func TestRunReturnsTickError(t *testing.T) {
	s := New(Options{Interval: time.Millisecond, Immediate: true}, zerolog.Nop())
	boom := errors.New("publish failed")

	calls := 0
	err := s.Run(context.Background(), func(context.Context, time.Time) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected tick error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	s := New(Options{Interval: time.Hour, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("tick must not run after cancellation")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 30 * time.Second, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 3, 1, 10, 0, 12, 0, time.UTC)

	next := s.nextTick(now)
	if want := time.Date(2024, 3, 1, 10, 0, 30, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
	if got := s.bucketStart(next.Add(5 * time.Millisecond)); !got.Equal(next) {
		t.Fatalf("bucketStart = %s, want %s", got, next)
	}
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}

func TestRunWaitsFullIntervalAfterSlowTick(t *testing.T) {
	const interval = 30 * time.Millisecond
	s := New(Options{Interval: interval, Immediate: true}, zerolog.Nop())

	var starts, ends []time.Time
	err := s.Run(context.Background(), func(context.Context, time.Time) error {
		starts = append(starts, time.Now())
		if len(starts) == 1 {
			time.Sleep(2 * interval)
		}
		ends = append(ends, time.Now())
		if len(starts) == 3 {
			return ErrStop
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(ends[i-1]); gap < interval {
			t.Fatalf("tick %d started %s after the previous one returned, want at least %s", i, gap, interval)
		}
	}
}

func TestRunAlignedTicksLandOnIntervalBoundaries(t *testing.T) {
	const interval = 20 * time.Millisecond
	s := New(Options{Interval: interval, AlignToStart: true}, zerolog.Nop())

	var ticks []time.Time
	err := s.Run(context.Background(), func(_ context.Context, at time.Time) error {
		ticks = append(ticks, at)
		if len(ticks) == 2 {
			return ErrStop
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, at := range ticks {
		if !at.Equal(at.Truncate(interval)) {
			t.Fatalf("tick %s is not on a %s boundary", at, interval)
		}
	}
	if !ticks[1].After(ticks[0]) {
		t.Fatalf("tick times not increasing: %v", ticks)
	}
}
