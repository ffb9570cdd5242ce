package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestRetryExhaustionWrapsSentinel(t *testing.T) {
	calls := 0
	cause := errors.New("connection refused")
	err := fastPolicy(3).Do(context.Background(), "publish", zerolog.Nop(), func(context.Context) error {
		calls++
		return cause
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected the last cause to be kept, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 1 attempt plus 3 retries", calls)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), "fetch", zerolog.Nop(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("leader not available")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "closed", err: ErrClosed},
		{name: "canceled", err: context.Canceled},
		{name: "wrapped closed", err: fmt.Errorf("fetch: %w", ErrClosed)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := fastPolicy(5).Do(context.Background(), "fetch", zerolog.Nop(), func(context.Context) error {
				calls++
				return tt.err
			})
			if calls != 1 {
				t.Fatalf("calls = %d, want 1", calls)
			}
			if errors.Is(err, ErrRetriesExhausted) {
				t.Fatalf("permanent error must not be reported as exhaustion: %v", err)
			}
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
		})
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryPolicy{MaxRetries: 10, InitialBackoff: 50 * time.Millisecond, MaxBackoff: time.Second}.Do(ctx, "publish", zerolog.Nop(), func(context.Context) error {
		calls++
		cancel()
		return errors.New("broker down")
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("cancellation must not be reported as exhaustion: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryPolicyNormalized(t *testing.T) {
	p := RetryPolicy{MaxRetries: -1, MaxBackoff: time.Millisecond}.normalized()
	if p.MaxRetries != 0 {
		t.Fatalf("MaxRetries = %d", p.MaxRetries)
	}
	if p.InitialBackoff != DefaultRetryPolicy.InitialBackoff {
		t.Fatalf("InitialBackoff = %s", p.InitialBackoff)
	}
	if p.MaxBackoff < p.InitialBackoff {
		t.Fatalf("MaxBackoff %s below InitialBackoff %s", p.MaxBackoff, p.InitialBackoff)
	}
}

func TestMemoryPreservesOrderPerTopic(t *testing.T) {
	m := NewMemory(16)
	defer m.Close()
	ctx := context.Background()

	drop := m.Subscribe("drop")
	for i := 0; i < 5; i++ {
		if err := m.Publish(ctx, "drop", []byte(fmt.Sprintf("r%d", i))); err != nil {
			t.Fatal(err)
		}
		if err := m.Publish(ctx, "stall", []byte(fmt.Sprintf("s%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 5; i++ {
		msg, err := drop.Fetch(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if want := fmt.Sprintf("r%d", i); string(msg.Value) != want {
			t.Fatalf("message %d = %q, want %q", i, msg.Value, want)
		}
		if msg.Topic != "drop" {
			t.Fatalf("topic = %q", msg.Topic)
		}
		if err := drop.Commit(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}
	if got := m.Pending("stall"); got != 5 {
		t.Fatalf("stall pending = %d, want 5", got)
	}
}

func TestMemoryCopiesPublishedValue(t *testing.T) {
	m := NewMemory(1)
	defer m.Close()
	ctx := context.Background()

	buf := []byte("2024-01-01T00:00:00Z, 70")
	if err := m.Publish(ctx, "t", buf); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'X'
	msg, err := m.Subscribe("t").Fetch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(msg.Value), "2024") {
		t.Fatalf("published value was aliased: %q", msg.Value)
	}
}

func TestMemoryPublishBlocksUntilContextDone(t *testing.T) {
	m := NewMemory(1)
	defer m.Close()

	if err := m.Publish(context.Background(), "t", []byte("a")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Publish(ctx, "t", []byte("b")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded on a full topic, got %v", err)
	}
}

func TestMemoryClose(t *testing.T) {
	m := NewMemory(4)
	sub := m.Subscribe("t")
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal("second close should be a no-op")
	}
	if err := m.Publish(context.Background(), "t", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close = %v", err)
	}
	if _, err := sub.Fetch(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("fetch after close = %v", err)
	}
}

func TestKafkaOptionsRequireBrokers(t *testing.T) {
	if _, err := NewKafkaPublisher(KafkaOptions{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafkaSubscriber(KafkaOptions{Brokers: []string{"localhost:9092"}}, "", "drop", zerolog.Nop()); err == nil {
		t.Fatal("expected error without topic")
	}
}

func TestKafkaRoundTrip(t *testing.T) {
	addr := os.Getenv("KAFKA_TEST_BROKER")
	if addr == "" {
		t.Skip("set KAFKA_TEST_BROKER to run against a live broker")
	}
	topic := fmt.Sprintf("hr-test-%d", time.Now().UnixNano())
	opts := KafkaOptions{Brokers: []string{addr}, ClientID: "hr-test", GroupPrefix: "hr-test", Retry: fastPolicy(10)}

	pub, err := NewKafkaPublisher(opts, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()
	sub, err := NewKafkaSubscriber(opts, topic, "roundtrip", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, v := range []string{"a", "b", "c"} {
		if err := pub.Publish(ctx, topic, []byte(v)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		msg, err := sub.Fetch(ctx)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if string(msg.Value) != want {
			t.Fatalf("got %q, want %q", msg.Value, want)
		}
		if err := sub.Commit(ctx, msg); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
}

type stubReader struct {
	idleFetches int
	errs        int64
	fetches     int
}

func (r *stubReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.fetches++
	if r.errs == 0 && r.fetches > r.idleFetches {
		return kafka.Message{Topic: "drop", Value: []byte("ok")}, nil
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *stubReader) CommitMessages(context.Context, ...kafka.Message) error { return nil }

func (r *stubReader) Stats() kafka.ReaderStats { return kafka.ReaderStats{Errors: r.errs} }

func (r *stubReader) Close() error { return nil }

func TestKafkaFetchGivesUpWhenBrokerUnreachable(t *testing.T) {
	reader := &stubReader{errs: 3}
	sub := &KafkaSubscriber{reader: reader, retry: fastPolicy(2), fetchTimeout: 5 * time.Millisecond, logger: zerolog.Nop()}

	_, err := sub.Fetch(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) || !errors.Is(err, errBrokerUnavailable) {
		t.Fatalf("expected exhausted broker outage, got %v", err)
	}
	if reader.fetches != 3 {
		t.Fatalf("fetches = %d, want 1 attempt plus 2 retries", reader.fetches)
	}
}

func TestKafkaFetchKeepsWaitingOnQuietTopic(t *testing.T) {
	reader := &stubReader{idleFetches: 4}
	sub := &KafkaSubscriber{reader: reader, retry: fastPolicy(0), fetchTimeout: 5 * time.Millisecond, logger: zerolog.Nop()}

	msg, err := sub.Fetch(context.Background())
	if err != nil {
		t.Fatalf("idle windows must not use the retry budget: %v", err)
	}
	if string(msg.Value) != "ok" || reader.fetches != 5 {
		t.Fatalf("value = %q after %d fetches", msg.Value, reader.fetches)
	}
}

func TestKafkaFetchHonoursCancellation(t *testing.T) {
	sub := &KafkaSubscriber{reader: &stubReader{idleFetches: 1 << 30}, retry: fastPolicy(5), fetchTimeout: time.Hour, logger: zerolog.Nop()}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := sub.Fetch(ctx); !errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected the caller's deadline, got %v", err)
	}
}

func TestClassifyFetchTimeout(t *testing.T) {
	if err := classifyFetchTimeout(0); !errors.Is(err, errFetchIdle) {
		t.Fatalf("no reader errors should be idle, got %v", err)
	}
	if err := classifyFetchTimeout(2); !errors.Is(err, errBrokerUnavailable) {
		t.Fatalf("reader errors should mean unavailable, got %v", err)
	}
}
