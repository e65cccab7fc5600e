package events

import (
	"context"
	"fmt"
	"sync"
)

const memoryTopicDepth = 1024

// Memory is an in-process Channel for development and tests. Each topic is
// a bounded buffer consumed by a single subscriber; a full topic makes
// Publish fail with ErrUnavailable, mirroring a broker that is refusing
// writes.
type Memory struct {
	mu     sync.Mutex
	topics map[string]chan Message
	closed bool
}

// NewMemory creates an in-memory channel.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string]chan Message)}
}

// Close marks the channel unavailable. Subsequent publishes fail fast.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *Memory) topic(name string) chan Message {
	if ch, ok := m.topics[name]; ok {
		return ch
	}
	ch := make(chan Message, memoryTopicDepth)
	m.topics[name] = ch
	return ch
}

func (m *Memory) Publish(_ context.Context, topic string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("publish to %s: %w", topic, ErrUnavailable)
	}
	select {
	case m.topic(topic) <- msg:
		return nil
	default:
		return fmt.Errorf("publish to %s: topic full: %w", topic, ErrUnavailable)
	}
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	m.mu.Lock()
	src := m.topic(topic)
	m.mu.Unlock()

	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-src:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	return nil
}
