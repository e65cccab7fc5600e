// Package bridge decouples legacy write commands from their processing
// result. The producer publishes a command onto a durable event channel
// under a fresh tracking id and returns immediately; a background consumer
// listens on result topics and persists terminal status records; callers
// poll by tracking id. Absence of a record means "still processing"; the
// store is eventually consistent.
package bridge

import (
	"context"
	"encoding/json"
	"time"
)

// Status of a tracked command. Processing is implicit (no record yet);
// Completed and Failed are terminal and never change again.
type Status string

const (
	StatusAccepted   Status = "ACCEPTED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether s will never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TrackingRecord is the status store entry for one submitted command. It is
// written exactly once by the consumer when the terminal event arrives;
// duplicate terminal events overwrite idempotently (last write wins).
type TrackingRecord struct {
	TrackingID  string          `json:"trackingId"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completedAt,omitempty"`
}

// StatusStore persists tracking records. Records expire after a retention
// window since they only answer a bounded polling window.
type StatusStore interface {
	// Put idempotently upserts rec.
	Put(ctx context.Context, rec TrackingRecord) error
	// Get returns the record for trackingID, or nil when absent.
	Get(ctx context.Context, trackingID string) (*TrackingRecord, error)
}

// ResultEvent is the payload of a completion/failure event on a result
// topic. The tracking id travels as the event's message ID.
type ResultEvent struct {
	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
