package manager

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "taskmill/pkg/logx"
)

// loop is the single scheduling loop: while a concurrency slot is free,
// pop the highest-priority pending task and start it; otherwise park on
// the wake channel until a submit, retry, or completion frees work.
func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		s.admit()

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.wake:
		}
	}
}

// admit starts pending tasks until the concurrency cap is reached or
// the queue is empty.
func (s *Service) admit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.running < s.cfg.MaxConcurrent {
		t := s.queue.popPending()
		if t == nil {
			return
		}
		t.state = StateRunning
		t.startedAt = time.Now()
		s.running++
		s.runWG.Add(1)
		// Task work runs detached from the loop context: shutdown
		// awaits running tasks instead of cancelling them.
		go s.execute(t)
	}
}

type outcome struct {
	value any
	err   error
}

// execute runs one attempt of the task under its timeout.
//
// The timeout is a race between the work finishing and the deadline:
// an expired deadline always wins, even when the work completes
// moments later. The work goroutine itself is not preempted; its
// context reports DeadlineExceeded and any late result is discarded.
func (s *Service) execute(t *task) {
	defer s.runWG.Done()

	start := time.Now()
	s.log.Debug("task.started", logx.String("id", t.id), logx.String("priority", t.priority.String()), logx.Int("attempt", t.retriesUsed+1))
	s.publish("task.started", eventOf(t, 0))

	runCtx := context.Background()
	cancel := context.CancelFunc(func() {})
	if t.timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, t.timeout)
	}
	defer cancel()

	resCh := make(chan outcome, 1)
	go func() {
		// One bad task must not crash the manager or leak a slot.
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("task.panic", logx.String("id", t.id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				resCh <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := t.work(runCtx)
		resCh <- outcome{value: v, err: err}
	}()

	// runCtx is the single timeout source: its deadline cancels the
	// work and settles ties. Without a timeout Done() is nil and the
	// select waits on the result alone.
	select {
	case out := <-resCh:
		if runCtx.Err() == context.DeadlineExceeded {
			// Result and deadline may be ready together; an expired
			// deadline takes precedence over a late result.
			s.finishTimeout(t, start)
			return
		}
		s.finish(t, out, start)
	case <-runCtx.Done():
		s.finishTimeout(t, start)
	}
}

// finish records the outcome of a non-timeout attempt: completion,
// retry re-enqueue, or permanent failure.
func (s *Service) finish(t *task, out outcome, start time.Time) {
	dur := time.Since(start)

	s.mu.Lock()
	s.running--

	if out.err == nil {
		t.state = StateCompleted
		t.result = out.value
		t.completedAt = time.Now()
		s.completed++
		s.execTotal += dur
		s.execCount++
		s.retainLocked(t)
		close(t.done)
		ev := eventOf(t, dur)
		s.mu.Unlock()

		s.log.Debug("task.completed", logx.String("id", t.id), logx.Duration("dur", dur), logx.Int("attempts", ev.Attempts))
		s.publish("task.completed", ev)
		s.signal()
		return
	}

	if t.retriesUsed < t.retriesMax {
		if s.stopping {
			// Shutdown already drained the queue; a re-enqueue here
			// would never be scheduled. Finalize like the rest of
			// the pending set.
			s.cancelLocked(t, time.Now())
			s.mu.Unlock()
			s.signal()
			return
		}
		// Failed -> Pending: back into the queue with the retry
		// penalty folded into its rank.
		t.retriesUsed++
		t.state = StatePending
		t.startedAt = time.Time{}
		s.queue.push(t)
		ev := eventOf(t, dur)
		s.mu.Unlock()

		s.log.Debug("task.retry", logx.String("id", t.id), logx.Int("attempt", ev.Attempts), logx.Any("err", out.err))
		s.publish("task.retry", ev)
		s.signal()
		return
	}

	t.state = StateFailed
	if t.retriesMax > 0 {
		t.err = &RetriesExhaustedError{Attempts: t.retriesUsed + 1, Last: out.err}
	} else {
		t.err = out.err
	}
	t.completedAt = time.Now()
	s.failed++
	s.retainLocked(t)
	close(t.done)
	ev := eventOf(t, dur)
	s.mu.Unlock()

	s.log.Warn("task.failed", logx.String("id", t.id), logx.Any("err", out.err), logx.Duration("dur", dur), logx.Int("attempts", ev.Attempts))
	s.publish("task.failed", ev)
	s.signal()
}

// finishTimeout records a timeout failure. Timeouts are terminal: the
// retry budget only covers ordinary failures.
func (s *Service) finishTimeout(t *task, start time.Time) {
	dur := time.Since(start)

	s.mu.Lock()
	s.running--
	t.state = StateFailed
	t.err = &TimeoutError{Limit: t.timeout}
	t.completedAt = time.Now()
	s.failed++
	s.retainLocked(t)
	close(t.done)
	ev := eventOf(t, dur)
	s.mu.Unlock()

	s.log.Warn("task.timeout", logx.String("id", t.id), logx.Duration("limit", t.timeout), logx.Duration("dur", dur))
	s.publish("task.timeout", ev)
	s.signal()
}
