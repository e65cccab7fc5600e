// Package admission bounds the amount of backend work the gateway will take
// on: a hard concurrency cap, a token-bucket throughput budget, and a
// high-water mark beyond which new work is shed immediately rather than
// queued. Shedding keeps tail latency bounded under overload; callers map
// ErrOverloaded to a retryable 503.
package admission

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
)

// ErrOverloaded is returned when admitting a task would push the number of
// queued-but-not-running tasks past the high-water mark. It is a distinct,
// stable error kind: callers must be able to tell shed load apart from
// generic scheduling failures.
var ErrOverloaded = errors.New("admission: gateway overloaded")

// Config tunes one Controller instance.
type Config struct {
	// MaxConcurrent is the hard cap on simultaneously executing tasks.
	MaxConcurrent int
	// HighWater is the maximum number of tasks allowed to wait for a
	// ticket. Tasks beyond it are dropped with ErrOverloaded.
	HighWater int
	// Reservoir is the number of tasks allowed per RefillInterval window.
	// Zero disables the reservoir.
	Reservoir int64
	// RefillInterval is the reservoir replenishment window.
	RefillInterval time.Duration
	// MinInterval is the minimum spacing between two consecutive task
	// starts. Zero disables spacing.
	MinInterval time.Duration
}

// DefaultConfig returns the gateway's default admission settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  100,
		HighWater:      500,
		Reservoir:      1000,
		RefillInterval: time.Minute,
	}
}

// Stats is a point-in-time snapshot of controller state, reported by the
// health endpoint.
type Stats struct {
	Running       int64 `json:"running"`
	Queued        int64 `json:"queued"`
	Dropped       int64 `json:"dropped"`
	MaxConcurrent int   `json:"maxConcurrent"`
	HighWater     int   `json:"highWater"`
}

// Controller is a shed-load admission gate. A ticket is one unit of
// concurrency plus one unit of rate budget; it is released on every exit
// path.
type Controller struct {
	cfg       Config
	sem       chan struct{}
	reservoir *ratelimit.Bucket
	spacing   *ratelimit.Bucket

	running atomic.Int64
	queued  atomic.Int64
	dropped atomic.Int64
}

// New creates a Controller from cfg. Zero or negative MaxConcurrent and
// HighWater fall back to defaults.
func New(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.HighWater <= 0 {
		cfg.HighWater = def.HighWater
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = def.RefillInterval
	}

	c := &Controller{
		cfg: cfg,
		sem: make(chan struct{}, cfg.MaxConcurrent),
	}
	if cfg.Reservoir > 0 {
		// Refill the whole reservoir once per window rather than
		// trickling, matching the fixed-window budget semantics.
		c.reservoir = ratelimit.NewBucketWithQuantum(cfg.RefillInterval, cfg.Reservoir, cfg.Reservoir)
	}
	if cfg.MinInterval > 0 {
		c.spacing = ratelimit.NewBucket(cfg.MinInterval, 1)
	}
	return c
}

// Schedule runs work under the controller's concurrency and rate budget.
// It returns ErrOverloaded without running work when the queue is past the
// high-water mark, the context error when ctx expires while waiting, and
// otherwise whatever work returns.
func (c *Controller) Schedule(ctx context.Context, work func() error) error {
	if c.queued.Add(1) > int64(c.cfg.HighWater) {
		c.queued.Add(-1)
		c.dropped.Add(1)
		return ErrOverloaded
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		c.queued.Add(-1)
		return ctx.Err()
	}
	c.queued.Add(-1)

	// Ticket held from here on; release on every exit path.
	defer func() { <-c.sem }()

	if err := c.waitRate(ctx); err != nil {
		return err
	}

	c.running.Add(1)
	defer c.running.Add(-1)
	return work()
}

// waitRate blocks until both rate buckets grant a token, or ctx expires.
// Take consumes the token immediately, so a cancelled wait costs one unit of
// budget; that is acceptable for a shed-load gate.
func (c *Controller) waitRate(ctx context.Context) error {
	var wait time.Duration
	if c.reservoir != nil {
		if d := c.reservoir.Take(1); d > wait {
			wait = d
		}
	}
	if c.spacing != nil {
		if d := c.spacing.Take(1); d > wait {
			wait = d
		}
	}
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the controller's counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Running:       c.running.Load(),
		Queued:        c.queued.Load(),
		Dropped:       c.dropped.Load(),
		MaxConcurrent: c.cfg.MaxConcurrent,
		HighWater:     c.cfg.HighWater,
	}
}
