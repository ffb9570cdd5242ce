// Package broker carries readings from the producer to the evaluators.
//
// Every alert kind has its own topic with a single consumer, so per-topic
// order equals publish order. Two drivers are provided: Kafka for separate
// processes and Memory for running every component in one process.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

var (
	// ErrClosed is returned once a publisher or subscriber has been closed.
	ErrClosed = errors.New("broker: closed")
	// ErrRetriesExhausted wraps the last transient failure after the retry budget is spent.
	ErrRetriesExhausted = errors.New("broker: retries exhausted")
)

// Message is one delivered channel record.
type Message struct {
	Topic string
	Value []byte
	Time  time.Time

	kafka *kafka.Message
}

// Publisher writes records to named topics.
type Publisher interface {
	Publish(ctx context.Context, topic string, value []byte) error
	Close() error
}

// Subscriber drains one topic in order. Commit acknowledges a processed
// message; uncommitted messages are redelivered after a restart.
type Subscriber interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}
