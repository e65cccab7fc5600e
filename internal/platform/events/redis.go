package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	streamMaxLen   = 100000
	readBlock      = 5 * time.Second
	readBatch      = 16
	maxReadBackoff = 30 * time.Second
)

// RedisStream is a Channel backed by Redis Streams. Publishing is an XADD;
// subscribing reads through a consumer group so restarts resume from the
// last acknowledged entry.
type RedisStream struct {
	client   *redis.Client
	group    string
	consumer string
	logger   zerolog.Logger
}

// NewRedisStream creates a Redis Streams channel. group names the consumer
// group; consumer identifies this gateway instance within it.
func NewRedisStream(client *redis.Client, group, consumer string, logger zerolog.Logger) *RedisStream {
	return &RedisStream{
		client:   client,
		group:    group,
		consumer: consumer,
		logger:   logger,
	}
}

func (r *RedisStream) Publish(ctx context.Context, topic string, msg Message) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"id":      msg.ID,
			"type":    msg.Type,
			"payload": string(msg.Payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %v: %w", topic, err, ErrUnavailable)
	}
	return nil
}

// Subscribe ensures the consumer group exists and starts a reader goroutine.
// Transient read errors are retried with exponential backoff; the reader
// exits and closes the returned channel when ctx is cancelled.
func (r *RedisStream) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	err := r.client.XGroupCreateMkStream(ctx, topic, r.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create group %s on %s: %v: %w", r.group, topic, err, ErrUnavailable)
	}

	out := make(chan Message)
	go r.readLoop(ctx, topic, out)
	return out, nil
}

func (r *RedisStream) readLoop(ctx context.Context, topic string, out chan<- Message) {
	defer close(out)

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxReadBackoff
	bo.MaxElapsedTime = 0 // retry forever; the consumer lives as long as the gateway

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{topic, ">"},
			Count:    readBatch,
			Block:    readBlock,
		}).Result()

		if errors.Is(err, redis.Nil) {
			bo.Reset()
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			r.logger.Warn().Err(err).Str("topic", topic).Dur("retry_in", wait).
				Msg("event channel read failed, backing off")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		bo.Reset()

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				msg := Message{
					ID:      asString(entry.Values["id"]),
					Type:    asString(entry.Values["type"]),
					Payload: []byte(asString(entry.Values["payload"])),
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
				if err := r.client.XAck(ctx, topic, r.group, entry.ID).Err(); err != nil && ctx.Err() == nil {
					r.logger.Warn().Err(err).Str("topic", topic).Str("entry", entry.ID).
						Msg("failed to ack event")
				}
			}
		}
	}
}

func (r *RedisStream) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%v: %w", err, ErrUnavailable)
	}
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
