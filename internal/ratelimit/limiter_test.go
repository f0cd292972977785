package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock drives the limiter's swappable now func.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestTryAcquireEnforcesLimit(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := New(2, time.Second)
	l.now = clk.now

	want := []bool{true, true, false}
	for i, w := range want {
		if got := l.TryAcquire(); got != w {
			t.Fatalf("TryAcquire #%d = %v, want %v", i+1, got, w)
		}
	}
}

func TestWindowSlides(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := New(2, time.Second)
	l.now = clk.now

	if !l.TryAcquire() {
		t.Fatal("first grant denied")
	}
	clk.advance(600 * time.Millisecond)
	if !l.TryAcquire() {
		t.Fatal("second grant denied")
	}
	if l.TryAcquire() {
		t.Fatal("third grant allowed inside window")
	}

	// 1.05s after the first grant only that one has left the window.
	clk.advance(450 * time.Millisecond)
	if !l.TryAcquire() {
		t.Fatal("grant denied after oldest grant expired")
	}
	if l.TryAcquire() {
		t.Fatal("window still holds two grants")
	}

	// move past everything
	clk.advance(2 * time.Second)
	if !l.TryAcquire() || !l.TryAcquire() {
		t.Fatal("expected full quota after idle window")
	}
}

func TestAvailable(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := New(3, time.Second)
	l.now = clk.now

	if got := l.Available(); got != 3 {
		t.Fatalf("Available = %d, want 3", got)
	}
	l.TryAcquire()
	l.TryAcquire()
	if got := l.Available(); got != 1 {
		t.Fatalf("Available = %d, want 1", got)
	}
	clk.advance(time.Second + time.Millisecond)
	if got := l.Available(); got != 3 {
		t.Fatalf("Available after window = %d, want 3", got)
	}
}

func TestWaitForSlotGrantsWhenFreed(t *testing.T) {
	t.Parallel()
	l := New(1, 80*time.Millisecond)

	if !l.TryAcquire() {
		t.Fatal("initial grant denied")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := l.WaitForSlot(ctx); err != nil {
		t.Fatalf("WaitForSlot: %v", err)
	}
	// must have waited for the first grant to leave the window
	if waited := time.Since(start); waited < 50*time.Millisecond {
		t.Fatalf("WaitForSlot returned after %v, expected to block near the window", waited)
	}
}

func TestWaitForSlotHonorsContext(t *testing.T) {
	t.Parallel()
	l := New(1, time.Hour)
	if !l.TryAcquire() {
		t.Fatal("initial grant denied")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := l.WaitForSlot(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitForSlot = %v, want deadline exceeded", err)
	}
}

func TestConcurrentTryAcquire(t *testing.T) {
	t.Parallel()
	l := New(10, time.Hour)

	var wg sync.WaitGroup
	granted := make(chan struct{}, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire() {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	n := 0
	for range granted {
		n++
	}
	if n != 10 {
		t.Fatalf("%d grants under contention, want exactly 10", n)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	l := New(0, 0)
	if l.limit != 1 || l.window != time.Second {
		t.Fatalf("defaults = (%d, %v)", l.limit, l.window)
	}
}
