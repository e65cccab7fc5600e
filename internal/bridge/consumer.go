package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/legacy-gateway/internal/platform/events"
)

// Consumer is the background subscriber that turns terminal events into
// tracking records. It runs independently of request handling: the only
// contact point with the synchronous path is the status store.
type Consumer struct {
	channel  events.Channel
	store    StatusStore
	families []string
	logger   zerolog.Logger

	// onCommit, when set, is called after each committed record. Tests use
	// it to synchronise on consumer progress; the server feeds metrics.
	onCommit func(TrackingRecord)
}

// OnCommit registers a callback invoked after every committed record. Must
// be set before Run.
func (c *Consumer) OnCommit(fn func(TrackingRecord)) {
	c.onCommit = fn
}

// NewConsumer creates a consumer for every family's result topic.
func NewConsumer(channel events.Channel, store StatusStore, logger zerolog.Logger) *Consumer {
	return &Consumer{
		channel:  channel,
		store:    store,
		families: Families,
		logger:   logger,
	}
}

// Run subscribes to all result topics and processes events until ctx is
// cancelled. It returns the subscription error if any topic cannot be
// subscribed at startup.
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, family := range c.families {
		topic := ResultTopic(family)
		sub, err := c.channel.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(topic string, sub <-chan events.Message) {
			defer wg.Done()
			for msg := range sub {
				c.process(ctx, topic, msg)
			}
		}(topic, sub)
	}
	wg.Wait()
	return nil
}

// process upserts the terminal record for one result event. The upsert is
// idempotent: a replayed duplicate event for the same tracking id simply
// overwrites the record with the same payload.
func (c *Consumer) process(ctx context.Context, topic string, msg events.Message) {
	if msg.ID == "" {
		c.logger.Warn().Str("topic", topic).Msg("result event without correlation id, dropping")
		return
	}

	var ev ResultEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Str("tracking_id", msg.ID).
			Msg("malformed result event, dropping")
		return
	}
	if !ev.Status.Terminal() {
		c.logger.Warn().Str("topic", topic).Str("tracking_id", msg.ID).
			Str("status", string(ev.Status)).Msg("non-terminal result event, ignoring")
		return
	}

	rec := TrackingRecord{
		TrackingID:  msg.ID,
		Status:      ev.Status,
		Result:      ev.Result,
		Error:       ev.Error,
		CompletedAt: time.Now().UTC(),
	}
	if err := c.store.Put(ctx, rec); err != nil {
		c.logger.Error().Err(err).Str("tracking_id", msg.ID).
			Msg("failed to persist tracking record")
		return
	}

	c.logger.Info().Str("tracking_id", msg.ID).Str("status", string(ev.Status)).
		Msg("tracking record committed")
	if c.onCommit != nil {
		c.onCommit(rec)
	}
}
