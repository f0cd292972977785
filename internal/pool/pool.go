// Package pool lends and reclaims a fixed-capacity set of reusable
// resource handles (connections, clients, sessions).
//
// The pool never inspects handle contents and never fabricates a
// handle it did not create through the caller's factory. Backpressure
// is blocking: an exhausted pool makes Acquire wait instead of
// failing fast.
package pool

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	logx "taskmill/pkg/logx"
)

var ErrClosed = errors.New("pool closed")

// Factory creates one new handle. Called lazily up to Config.Max.
type Factory[T any] func(ctx context.Context) (T, error)

type Config struct {
	// Min handles are created eagerly by Initialize. Defaults to 0.
	Min int

	// Max caps handles in existence; active never exceeds it.
	// Defaults to 10.
	Max int

	// IdleWait is how long Acquire waits for an idle handle before
	// creating a new one. Defaults to 5ms.
	IdleWait time.Duration

	Log logx.Logger
}

type Pool[T any] struct {
	mu      sync.Mutex
	cfg     Config
	factory Factory[T]
	log     logx.Logger

	idle   chan T
	active int
	closed bool
}

func New[T any](cfg Config, factory Factory[T]) *Pool[T] {
	if cfg.Max <= 0 {
		cfg.Max = 10
	}
	if cfg.Min < 0 {
		cfg.Min = 0
	}
	if cfg.Min > cfg.Max {
		cfg.Min = cfg.Max
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 5 * time.Millisecond
	}
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool[T]{
		cfg:     cfg,
		factory: factory,
		log:     log,
		idle:    make(chan T, cfg.Max),
	}
}

// Initialize eagerly creates Min handles and parks them idle.
func (p *Pool[T]) Initialize(ctx context.Context) error {
	for i := 0; i < p.cfg.Min; i++ {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}
		if p.active >= p.cfg.Max {
			p.mu.Unlock()
			return nil
		}
		p.active++
		p.mu.Unlock()

		h, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
			return err
		}
		p.idle <- h
	}
	p.log.Debug("pool initialized", logx.Int("min", p.cfg.Min), logx.Int("max", p.cfg.Max))
	return nil
}

// Acquire lends a handle: idle-first (with a short wait), then a fresh
// handle while capacity remains, otherwise it blocks until a handle is
// released or ctx fires.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return zero, ErrClosed
	}

	// Fast path.
	select {
	case h := <-p.idle:
		return h, nil
	default:
	}

	// Short wait for a release before paying for a new handle.
	timer := time.NewTimer(p.cfg.IdleWait)
	defer timer.Stop()
	select {
	case h := <-p.idle:
		return h, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.C:
	}

	// Lazy create while under capacity. The slot is reserved before
	// the factory runs so concurrent acquires cannot overshoot Max.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}
	if p.active < p.cfg.Max {
		p.active++
		p.mu.Unlock()

		h, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
			return zero, err
		}
		return h, nil
	}
	p.mu.Unlock()

	// At capacity: block until someone releases.
	select {
	case h := <-p.idle:
		return h, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Release returns a handle to the idle queue. After CloseAll the queue
// is dead, so the handle is closed instead of parked. If the queue
// cannot accept it (should not occur under correct use), the handle is
// treated as lost: closed and subtracted from active.
func (p *Pool[T]) Release(h T) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		closeHandle(h)
		return
	}
	select {
	case p.idle <- h:
		p.mu.Unlock()
		return
	default:
	}
	if p.active > 0 {
		p.active--
	}
	p.mu.Unlock()
	closeHandle(h)
	p.log.Warn("idle queue overflow; handle dropped", logx.Int("active", p.Active()))
}

// CloseAll drains the idle queue, closes each drained handle, and
// resets active. Handles still on loan are not tracked or
// force-closed; callers holding one at shutdown own its cleanup.
func (p *Pool[T]) CloseAll() {
	p.mu.Lock()
	p.closed = true
	p.active = 0
	p.mu.Unlock()

	n := 0
	for {
		select {
		case h := <-p.idle:
			closeHandle(h)
			n++
		default:
			p.log.Debug("pool closed", logx.Int("closed_idle", n))
			return
		}
	}
}

// Active reports handles currently in existence (idle + on loan).
func (p *Pool[T]) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Idle reports handles parked in the idle queue.
func (p *Pool[T]) Idle() int { return len(p.idle) }

// closeHandle invokes the handle's close operation if it has one.
func closeHandle(h any) {
	switch c := h.(type) {
	case io.Closer:
		_ = c.Close()
	case interface{ Close() }:
		c.Close()
	}
}
