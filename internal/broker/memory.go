package broker

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process broker with one buffered queue per topic. Publish
// blocks only when a topic's buffer is full.
type Memory struct {
	mu     sync.Mutex
	topics map[string]chan Message
	buffer int
	done   chan struct{}
	once   sync.Once
}

// NewMemory creates an in-process broker; buffer is the per-topic capacity.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Memory{
		topics: make(map[string]chan Message),
		buffer: buffer,
		done:   make(chan struct{}),
	}
}

func (m *Memory) queue(topic string) chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.topics[topic]
	if !ok {
		q = make(chan Message, m.buffer)
		m.topics[topic] = q
	}
	return q
}

// Publish enqueues a copy of value on topic.
func (m *Memory) Publish(ctx context.Context, topic string, value []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	body := make([]byte, len(value))
	copy(body, value)
	msg := Message{Topic: topic, Value: body, Time: time.Now().UTC()}

	select {
	case m.queue(topic) <- msg:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a subscriber draining topic.
func (m *Memory) Subscribe(topic string) Subscriber {
	return &memorySubscriber{queue: m.queue(topic), done: m.done}
}

// Pending reports how many messages wait on topic.
func (m *Memory) Pending(topic string) int {
	return len(m.queue(topic))
}

// Close stops all publishers and subscribers.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

type memorySubscriber struct {
	queue chan Message
	done  chan struct{}
}

func (s *memorySubscriber) Fetch(ctx context.Context) (Message, error) {
	select {
	case msg := <-s.queue:
		return msg, nil
	case <-s.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *memorySubscriber) Commit(context.Context, Message) error { return nil }

func (s *memorySubscriber) Close() error { return nil }

var (
	_ Publisher  = (*Memory)(nil)
	_ Subscriber = (*memorySubscriber)(nil)
)
