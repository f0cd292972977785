// Package ratelimit gates request issuance to a fixed quota per
// trailing time window.
//
// This is a sliding-window limiter, not a token bucket: exactly Limit
// grants are permitted in any trailing Window interval, recomputed
// from the recorded grant timestamps on every attempt. No background
// timer, no burst credit.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultPollInterval = 10 * time.Millisecond

type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	poll   time.Duration

	// grants holds one timestamp per granted acquisition, oldest
	// first. Entries are only appended or evicted, never mutated.
	grants []time.Time

	// now is swappable for tests.
	now func() time.Time
}

func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{
		limit:  limit,
		window: window,
		poll:   defaultPollInterval,
		now:    time.Now,
	}
}

// TryAcquire evicts grants older than the window, then grants and
// records a new timestamp only if the remaining count is below the
// limit. Never blocks.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictLocked(now)
	if len(l.grants) >= l.limit {
		return false
	}
	l.grants = append(l.grants, now)
	return true
}

// WaitForSlot polls TryAcquire on a short fixed interval until a slot
// is granted or ctx fires. Wake timing is bounded by the poll step;
// the granted/denied outcomes follow the sliding-window rule exactly.
func (l *Limiter) WaitForSlot(ctx context.Context) error {
	if l.TryAcquire() {
		return nil
	}

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if l.TryAcquire() {
				return nil
			}
		}
	}
}

// Available reports how many grants remain in the current window.
// Diagnostic only; a subsequent TryAcquire may still lose the race.
func (l *Limiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(l.now())
	return l.limit - len(l.grants)
}

func (l *Limiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.grants) && !l.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.grants = append(l.grants[:0], l.grants[i:]...)
	}
}
