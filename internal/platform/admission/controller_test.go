package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedule_ConcurrencyBound(t *testing.T) {
	const maxConcurrent = 4
	const callers = 40

	c := New(Config{MaxConcurrent: maxConcurrent, HighWater: callers})

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Schedule(context.Background(), func() error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > maxConcurrent {
		t.Errorf("observed %d concurrent tasks, cap is %d", got, maxConcurrent)
	}
}

func TestSchedule_OverflowRejectedImmediately(t *testing.T) {
	c := New(Config{MaxConcurrent: 1, HighWater: 2})

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = c.Schedule(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Fill the queue up to the high-water mark.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Schedule(context.Background(), func() error { return nil })
		}()
	}
	// Let the two queued tasks reach the semaphore wait.
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	err := c.Schedule(context.Background(), func() error { return nil })
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("overflow rejection took %v, expected immediate drop", elapsed)
	}

	if got := c.Stats().Dropped; got != 1 {
		t.Errorf("expected 1 dropped, got %d", got)
	}

	close(release)
	wg.Wait()
}

func TestSchedule_ErrorPropagatesAfterRelease(t *testing.T) {
	c := New(Config{MaxConcurrent: 1, HighWater: 1})

	wantErr := errors.New("backend exploded")
	if err := c.Schedule(context.Background(), func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("expected work error, got %v", err)
	}

	// Ticket must have been released: the next task runs without waiting.
	done := make(chan error, 1)
	go func() {
		done <- c.Schedule(context.Background(), func() error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ticket not released after failed work")
	}
}

func TestSchedule_ContextCancelledWhileQueued(t *testing.T) {
	c := New(Config{MaxConcurrent: 1, HighWater: 5})

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = c.Schedule(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Schedule(ctx, func() error { return nil })
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued task did not observe cancellation")
	}
	close(release)

	if got := c.Stats().Queued; got != 0 {
		t.Errorf("expected queue drained, got %d", got)
	}
}

func TestSchedule_ReservoirCapsThroughput(t *testing.T) {
	c := New(Config{
		MaxConcurrent:  10,
		HighWater:      10,
		Reservoir:      2,
		RefillInterval: 100 * time.Millisecond,
	})

	// First two tasks consume the window's budget; the third must wait for
	// the next refill.
	for i := 0; i < 2; i++ {
		if err := c.Schedule(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("task %d: %v", i, err)
		}
	}

	start := time.Now()
	if err := c.Schedule(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("third task: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("third task ran after %v, expected to wait for refill", elapsed)
	}
}

func TestStats_EchoesConfig(t *testing.T) {
	c := New(Config{MaxConcurrent: 7, HighWater: 13})
	s := c.Stats()
	if s.MaxConcurrent != 7 || s.HighWater != 13 {
		t.Errorf("unexpected stats: %+v", s)
	}
}
