package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/legacy-gateway/internal/platform/events"
)

// Write-command families. Each family has one command topic and one result
// topic so a slow family cannot head-of-line block another.
const (
	FamilyPrescription = "prescription"
	FamilyDispense     = "dispense"
)

// Families lists every write-command family the bridge serves.
var Families = []string{FamilyPrescription, FamilyDispense}

// CommandTopic returns the durable topic commands of a family are published
// to.
func CommandTopic(family string) string {
	return "legacy." + family + ".commands"
}

// ResultTopic returns the topic the family's processor publishes terminal
// events to.
func ResultTopic(family string) string {
	return "legacy." + family + ".results"
}

// Bridge is the producer half: it publishes write commands and answers
// status polls. The consumer half lives in Consumer.
type Bridge struct {
	channel events.Channel
	store   StatusStore
}

// New creates a Bridge over the given channel and status store.
func New(channel events.Channel, store StatusStore) *Bridge {
	return &Bridge{channel: channel, store: store}
}

// Submit publishes a command of the given family and type with a fresh
// tracking id and returns the id without waiting for processing. When the
// channel is unreachable the error wraps events.ErrUnavailable and no id is
// returned; the command is never silently dropped.
func (b *Bridge) Submit(ctx context.Context, family, commandType string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s command: %w", commandType, err)
	}

	trackingID := uuid.NewString()
	msg := events.Message{
		ID:      trackingID,
		Type:    commandType,
		Payload: data,
	}
	if err := b.channel.Publish(ctx, CommandTopic(family), msg); err != nil {
		return "", fmt.Errorf("submit %s: %w", commandType, err)
	}
	return trackingID, nil
}

// GetStatus resolves a tracking id. A missing record is reported as
// PROCESSING: the consumer may simply not have committed the terminal event
// yet, and callers within the retention window must keep polling.
func (b *Bridge) GetStatus(ctx context.Context, trackingID string) (TrackingRecord, error) {
	rec, err := b.store.Get(ctx, trackingID)
	if err != nil {
		return TrackingRecord{}, fmt.Errorf("get status %s: %w", trackingID, err)
	}
	if rec == nil {
		return TrackingRecord{TrackingID: trackingID, Status: StatusProcessing}, nil
	}
	return *rec, nil
}

// Ping reports event-channel connectivity.
func (b *Bridge) Ping(ctx context.Context) error {
	return b.channel.Ping(ctx)
}
