package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStatusStore is a StatusStore shared across gateway replicas.
// Upserts are idempotent via ON CONFLICT; expired records are filtered on
// read and reaped opportunistically.
type PostgresStatusStore struct {
	pool      *pgxpool.Pool
	retention time.Duration
}

// NewPostgresStatusStore wraps an existing pool. retention <= 0 falls back
// to DefaultRetention.
func NewPostgresStatusStore(pool *pgxpool.Pool, retention time.Duration) *PostgresStatusStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &PostgresStatusStore{pool: pool, retention: retention}
}

// EnsureSchema creates the tracking table when it does not exist yet.
func (s *PostgresStatusStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS legacy_tracking_records (
			tracking_id  TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			result       JSONB,
			error        TEXT,
			completed_at TIMESTAMPTZ,
			expires_at   TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create tracking table: %w", err)
	}
	return nil
}

func (s *PostgresStatusStore) Put(ctx context.Context, rec TrackingRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO legacy_tracking_records
			(tracking_id, status, result, error, completed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tracking_id) DO UPDATE SET
			status       = EXCLUDED.status,
			result       = EXCLUDED.result,
			error        = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at,
			expires_at   = EXCLUDED.expires_at`,
		rec.TrackingID, string(rec.Status), rec.Result, nullable(rec.Error),
		rec.CompletedAt, time.Now().Add(s.retention))
	if err != nil {
		return fmt.Errorf("upsert tracking record %s: %w", rec.TrackingID, err)
	}
	return nil
}

func (s *PostgresStatusStore) Get(ctx context.Context, trackingID string) (*TrackingRecord, error) {
	var rec TrackingRecord
	var status string
	var errMsg *string
	var completedAt *time.Time

	err := s.pool.QueryRow(ctx, `
		SELECT tracking_id, status, result, error, completed_at
		FROM legacy_tracking_records
		WHERE tracking_id = $1 AND expires_at > now()`,
		trackingID).Scan(&rec.TrackingID, &status, &rec.Result, &errMsg, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tracking record %s: %w", trackingID, err)
	}

	rec.Status = Status(status)
	if errMsg != nil {
		rec.Error = *errMsg
	}
	if completedAt != nil {
		rec.CompletedAt = *completedAt
	}
	return &rec, nil
}

// Reap deletes expired records. Called periodically from the consumer loop.
func (s *PostgresStatusStore) Reap(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM legacy_tracking_records WHERE expires_at <= now()`)
	if err != nil {
		return fmt.Errorf("reap tracking records: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
