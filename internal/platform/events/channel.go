// Package events abstracts the durable event channel the async command
// bridge publishes to and consumes from. Topics are logical stream names;
// any durable pub/sub satisfying the Channel contract will do. The gateway
// ships a Redis Streams implementation for production and an in-memory one
// for development and the sync-fallback probe path.
package events

import "context"

// Message is one event on a topic. ID carries the correlation/tracking id
// end to end.
type Message struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

// Channel is a durable topic-addressed pub/sub.
type Channel interface {
	// Publish appends msg to topic. It must fail fast with an error
	// wrapping ErrUnavailable when the channel cannot accept the message;
	// a write command is never silently accepted-but-lost.
	Publish(ctx context.Context, topic string, msg Message) error
	// Subscribe returns a stream of messages for topic. The returned
	// channel is closed when ctx is cancelled.
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	// Ping reports channel connectivity, for the health endpoint.
	Ping(ctx context.Context) error
}
