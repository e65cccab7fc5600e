package bridge

import (
	"context"
	"sync"
	"time"
)

// DefaultRetention bounds how long a terminal record answers polls.
const DefaultRetention = 24 * time.Hour

// MemoryStatusStore is a concurrency-safe in-memory StatusStore with lazy
// retention-based expiry. Used in development mode; production deployments
// share a Postgres store across gateway replicas.
type MemoryStatusStore struct {
	retention time.Duration

	mu      sync.RWMutex
	records map[string]*memRecord
}

type memRecord struct {
	rec       TrackingRecord
	expiresAt time.Time
}

// NewMemoryStatusStore creates an empty store. retention <= 0 falls back to
// DefaultRetention.
func NewMemoryStatusStore(retention time.Duration) *MemoryStatusStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStatusStore{
		retention: retention,
		records:   make(map[string]*memRecord),
	}
}

func (s *MemoryStatusStore) Put(_ context.Context, rec TrackingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.TrackingID] = &memRecord{
		rec:       rec,
		expiresAt: time.Now().Add(s.retention),
	}
	return nil
}

func (s *MemoryStatusStore) Get(_ context.Context, trackingID string) (*TrackingRecord, error) {
	s.mu.RLock()
	r, ok := s.records[trackingID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if time.Now().After(r.expiresAt) {
		s.mu.Lock()
		delete(s.records, trackingID)
		s.mu.Unlock()
		return nil, nil
	}
	cp := r.rec
	return &cp, nil
}

// StartCleanup periodically drops expired records until ctx is cancelled.
func (s *MemoryStatusStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				now := time.Now()
				for id, r := range s.records {
					if now.After(r.expiresAt) {
						delete(s.records, id)
					}
				}
				s.mu.Unlock()
			}
		}
	}()
}
