package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// partitionKey pins every reading to one partition so consumers see publish order.
const partitionKey = "reading"

// KafkaOptions configure the Kafka driver.
type KafkaOptions struct {
	Brokers      []string
	ClientID     string
	GroupPrefix  string
	WriteTimeout time.Duration
	ReadMaxWait  time.Duration
	// FetchTimeout bounds one fetch attempt. An attempt that times out while
	// the reader is reporting errors counts against Retry; a quiet topic does not.
	FetchTimeout time.Duration
	Retry        RetryPolicy
}

// errBrokerUnavailable marks a fetch window in which the reader could not
// reach the cluster.
var errBrokerUnavailable = errors.New("broker: unavailable")

// errFetchIdle marks a fetch window that ended without a message or an error.
var errFetchIdle = errors.New("broker: fetch idle")

func (o KafkaOptions) validate() error {
	if len(o.Brokers) == 0 {
		return errors.New("at least one kafka broker is required")
	}
	return nil
}

// KafkaPublisher writes readings to Kafka topics.
type KafkaPublisher struct {
	writer *kafka.Writer
	retry  RetryPolicy
	logger zerolog.Logger
	closed atomic.Bool
}

// NewKafkaPublisher creates a publisher. Topics are created on first write if
// the cluster allows it.
func NewKafkaPublisher(opts KafkaOptions, logger zerolog.Logger) (*KafkaPublisher, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           opts.WriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            1, // retries are driven by RetryPolicy
		AllowAutoTopicCreation: true,
		Transport:              &kafka.Transport{ClientID: opts.ClientID},
	}

	return &KafkaPublisher{
		writer: writer,
		retry:  opts.Retry,
		logger: logger.With().Str("component", "kafka_publisher").Logger(),
	}, nil
}

// Publish writes one record to topic, reconnecting with backoff on failure.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, value []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(partitionKey),
		Value: value,
		Time:  time.Now().UTC(),
	}
	return p.retry.Do(ctx, "publish", p.logger.With().Str("topic", topic).Logger(), func(ctx context.Context) error {
		return p.writer.WriteMessages(ctx, msg)
	})
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.writer.Close()
}

// groupReader is the part of *kafka.Reader the subscriber uses.
type groupReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
	Close() error
}

// KafkaSubscriber reads one topic as a member of a per-consumer group.
type KafkaSubscriber struct {
	reader       groupReader
	retry        RetryPolicy
	fetchTimeout time.Duration
	logger       zerolog.Logger
	closed       atomic.Bool
}

// NewKafkaSubscriber joins group "<GroupPrefix>-<name>" on topic.
func NewKafkaSubscriber(opts KafkaOptions, topic, name string, logger zerolog.Logger) (*KafkaSubscriber, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if opts.ReadMaxWait <= 0 {
		opts.ReadMaxWait = time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	groupID := name
	if opts.GroupPrefix != "" {
		groupID = opts.GroupPrefix + "-" + name
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     opts.Brokers,
		GroupID:     groupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     opts.ReadMaxWait,
		StartOffset: kafka.FirstOffset,
		Dialer:      &kafka.Dialer{ClientID: opts.ClientID, Timeout: 10 * time.Second},
	})

	return &KafkaSubscriber{
		reader:       reader,
		retry:        opts.Retry,
		fetchTimeout: opts.FetchTimeout,
		logger:       logger.With().Str("component", "kafka_subscriber").Str("topic", topic).Str("group_id", groupID).Logger(),
	}, nil
}

// Fetch blocks until the next message arrives. The consumer group reader
// reconnects on its own, so each attempt is cut after fetchTimeout and the
// reader's error count decides whether the window was an outage or just idle.
func (s *KafkaSubscriber) Fetch(ctx context.Context) (Message, error) {
	if s.closed.Load() {
		return Message{}, ErrClosed
	}
	var km kafka.Message
	err := s.retry.Do(ctx, "fetch", s.logger, func(ctx context.Context) error {
		for {
			var err error
			km, err = s.fetchOnce(ctx)
			if !errors.Is(err, errFetchIdle) {
				return err
			}
		}
	})
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: km.Topic, Value: km.Value, Time: km.Time, kafka: &km}, nil
}

func (s *KafkaSubscriber) fetchOnce(ctx context.Context) (kafka.Message, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	km, err := s.reader.FetchMessage(attemptCtx)
	switch {
	case err == nil:
		return km, nil
	case errors.Is(err, io.EOF):
		return km, ErrClosed
	case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		return km, classifyFetchTimeout(s.reader.Stats().Errors)
	default:
		return km, err
	}
}

// classifyFetchTimeout turns an expired fetch window into a retryable outage
// when the reader logged errors during it, and into errFetchIdle otherwise.
func classifyFetchTimeout(readerErrors int64) error {
	if readerErrors > 0 {
		return fmt.Errorf("%w: %d reader errors in the last fetch window", errBrokerUnavailable, readerErrors)
	}
	return errFetchIdle
}

// Commit marks msg as processed for the consumer group.
func (s *KafkaSubscriber) Commit(ctx context.Context, msg Message) error {
	if msg.kafka == nil {
		return fmt.Errorf("commit: message was not fetched from kafka")
	}
	return s.retry.Do(ctx, "commit", s.logger, func(ctx context.Context) error {
		return s.reader.CommitMessages(ctx, *msg.kafka)
	})
}

// Close leaves the consumer group.
func (s *KafkaSubscriber) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.reader.Close()
}

var (
	_ Publisher  = (*KafkaPublisher)(nil)
	_ Subscriber = (*KafkaSubscriber)(nil)
)
