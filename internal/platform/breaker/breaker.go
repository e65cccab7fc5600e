// Package breaker implements a per-backend circuit breaker. Each backend
// gets an independent state machine so one backend's outage never blocks
// calls to another. Time is injected via benbjohnson/clock so state
// transitions are deterministic under test.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrOpen is returned without contacting the backend while the circuit is
// open, and for the rejected callers during a half-open trial.
var ErrOpen = errors.New("breaker: circuit open")

// ErrCallTimeout marks a backend call that exceeded the per-call timeout.
// The call is counted as a failure even if it eventually completes.
var ErrCallTimeout = errors.New("breaker: call timed out")

// State is the circuit state.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes a Breaker.
type Config struct {
	// Timeout is the hard per-call deadline. Zero disables it.
	Timeout time.Duration
	// ResetTimeout is how long the circuit stays open before allowing a
	// half-open trial call.
	ResetTimeout time.Duration
	// VolumeThreshold is the minimum number of recent calls before the
	// failure rate is evaluated.
	VolumeThreshold int
	// ErrorThresholdPct trips the circuit when the failure percentage over
	// the rolling window reaches it.
	ErrorThresholdPct float64
	// WindowSize bounds the rolling outcome window. Defaults to twice the
	// volume threshold.
	WindowSize int
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns the gateway's default breaker settings.
func DefaultConfig() Config {
	return Config{
		Timeout:           10 * time.Second,
		ResetTimeout:      30 * time.Second,
		VolumeThreshold:   10,
		ErrorThresholdPct: 50,
	}
}

// StateChange describes one observed transition, for logging and metrics.
type StateChange struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Breaker is a single backend's circuit. Safe for concurrent use.
type Breaker struct {
	name     string
	cfg      Config
	clk      clock.Clock
	onChange func(StateChange)

	mu               sync.Mutex
	state            State
	window           []bool // true = failure
	consecutiveFails int
	lastTransition   time.Time
	trialInFlight    bool
}

// New creates a closed Breaker named after its backend. onChange may be nil.
func New(name string, cfg Config, onChange func(StateChange)) *Breaker {
	def := DefaultConfig()
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = def.VolumeThreshold
	}
	if cfg.ErrorThresholdPct <= 0 {
		cfg.ErrorThresholdPct = def.ErrorThresholdPct
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = cfg.VolumeThreshold * 2
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Breaker{
		name:           name,
		cfg:            cfg,
		clk:            clk,
		onChange:       onChange,
		state:          Closed,
		lastTransition: clk.Now(),
	}
}

// Do runs fn under the circuit. While open it fails fast with ErrOpen; in
// half-open exactly one trial call passes. Any error from fn, including a
// per-call timeout, counts as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := b.invoke(ctx, fn)
	b.record(err == nil)
	return err
}

// invoke applies the per-call timeout. fn runs in its own goroutine so a
// hung backend cannot pin the caller past the deadline; the late result is
// discarded.
func (b *Breaker) invoke(ctx context.Context, fn func(context.Context) error) error {
	if b.cfg.Timeout <= 0 {
		return fn(ctx)
	}

	cctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(cctx)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return ErrCallTimeout
		}
		return cctx.Err()
	}
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.clk.Now().Sub(b.lastTransition) < b.cfg.ResetTimeout {
			return ErrOpen
		}
		b.transition(HalfOpen)
		b.trialInFlight = true
		return nil
	case HalfOpen:
		if b.trialInFlight {
			return ErrOpen
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.consecutiveFails = 0
	} else {
		b.consecutiveFails++
	}

	switch b.state {
	case HalfOpen:
		b.trialInFlight = false
		if success {
			b.window = nil
			b.transition(Closed)
		} else {
			b.transition(Open)
		}
	case Closed:
		b.window = append(b.window, !success)
		if len(b.window) > b.cfg.WindowSize {
			b.window = b.window[len(b.window)-b.cfg.WindowSize:]
		}
		if b.shouldTrip() {
			b.window = nil
			b.transition(Open)
		}
	case Open:
		// Late completion from before the trip; nothing to do.
	}
}

func (b *Breaker) shouldTrip() bool {
	if len(b.window) < b.cfg.VolumeThreshold {
		return false
	}
	var fails int
	for _, failed := range b.window {
		if failed {
			fails++
		}
	}
	pct := float64(fails) / float64(len(b.window)) * 100
	return pct >= b.cfg.ErrorThresholdPct
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.lastTransition = b.clk.Now()
	if b.onChange != nil && from != to {
		b.onChange(StateChange{Name: b.name, From: from, To: to, At: b.lastTransition})
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot reports the breaker's observable state for the health endpoint.
type Snapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastTransition      time.Time `json:"lastTransition"`
}

// Snapshot returns the breaker's current observable state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFails,
		LastTransition:      b.lastTransition,
	}
}
