package manager

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"taskmill/internal/eventbus"
	rtsup "taskmill/internal/runtime/supervisor"
	logx "taskmill/pkg/logx"
)

// Service accepts units of work with a priority, executes up to
// MaxConcurrent of them at once, retries non-timeout failures, and
// enforces per-task timeouts.
//
// One instance per embedding application; lifecycle is explicit via
// Start/Stop (no process-wide singleton).
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	queue *taskQueue
	tasks map[string]*task

	// terminalIDs is the retention FIFO over terminal tasks.
	terminalIDs []string

	running int
	seq     uint64

	wake     chan struct{}
	stopCh   chan struct{}
	stopping bool
	sup      *rtsup.Supervisor
	runWG    sync.WaitGroup

	// Monotonic counters (guarded by mu).
	submitted uint64
	completed uint64
	failed    uint64
	cancelled uint64

	execTotal time.Duration
	execCount uint64

	pruneWarn rate.Sometimes
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}
	if cfg.RetentionSize <= 0 {
		cfg.RetentionSize = 500
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		queue:     newTaskQueue(),
		tasks:     map[string]*task{},
		wake:      make(chan struct{}, 1),
		pruneWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Start launches the scheduling loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopping = false
	stopCh := s.stopCh

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskmanager"))),
		// Loop failures should not hard-kill the app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	cfg := s.cfg
	s.mu.Unlock()

	// Auto-restart the loop if it ever panics.
	sup.GoRestart("loop", func(c context.Context) error {
		s.loop(c, stopCh)
		return nil
	})

	s.log.Info("task manager started", logx.Int("max_concurrent", cfg.MaxConcurrent))
}

// Stop cancels every still-pending task, then awaits running tasks to
// natural completion (no forced kill) before reporting stopped. The
// context only bounds how long Stop itself waits.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)

	// Cancel and discard everything still queued.
	now := time.Now()
	for _, t := range s.queue.drainPending() {
		s.cancelLocked(t, now)
	}
	sup := s.sup
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		if sup != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopping = false
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task manager stopped")
	case <-ctx.Done():
		s.log.Warn("task manager stop timed out", logx.Any("err", ctx.Err()))
	}
}

// Submit enqueues work and returns immediately with the task ID.
// It never blocks the caller; admission happens in the scheduling loop.
func (s *Service) Submit(work Work, opts SubmitOptions) (string, error) {
	if work == nil {
		return "", errWorkRequired
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if opts.Priority < PriorityLow || opts.Priority > PriorityCritical {
		opts.Priority = PriorityNormal
	}

	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return "", ErrStopped
	}
	if s.stopping {
		s.mu.Unlock()
		return "", ErrStopping
	}
	if _, exists := s.tasks[id]; exists {
		s.mu.Unlock()
		return "", ErrDuplicateID
	}

	retries := opts.MaxRetries
	if retries < 0 {
		retries = s.cfg.DefaultMaxRetries
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	s.seq++
	t := &task{
		id:         id,
		priority:   opts.Priority,
		work:       work,
		state:      StatePending,
		retriesMax: retries,
		timeout:    timeout,
		seq:        s.seq,
		createdAt:  time.Now(),
		done:       make(chan struct{}),
	}
	s.tasks[id] = t
	s.queue.push(t)
	s.submitted++
	s.mu.Unlock()

	s.log.Debug("task.submitted", logx.String("id", id), logx.String("priority", opts.Priority.String()), logx.Int("retry_max", retries), logx.Duration("timeout", timeout))
	s.signal()
	return id, nil
}

// Cancel marks a task Cancelled if it has not started yet. A running
// task cannot be interrupted; it runs to completion or timeout and
// its result is kept like any other terminal outcome.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.state != StatePending {
		return false
	}
	s.cancelLocked(t, time.Now())
	return true
}

// Result returns the task outcome once terminal. While the task is
// still pending or running it returns ErrNotReady; the caller decides
// whether to poll or use Wait.
func (s *Service) Result(id string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !t.state.terminal() {
		return nil, ErrNotReady
	}
	if t.state == StateCompleted {
		return t.result, nil
	}
	return nil, t.err
}

// Wait blocks until the task reaches a terminal state (or ctx fires)
// and returns its outcome.
func (s *Service) Wait(ctx context.Context, id string) (any, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t.state == StateCompleted {
		return t.result, nil
	}
	return nil, t.err
}

// State reports the current lifecycle state of a task.
func (s *Service) State(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return 0, false
	}
	return t.state, true
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Service) statsLocked() Stats {
	st := Stats{
		Submitted: s.submitted,
		Completed: s.completed,
		Failed:    s.failed,
		Cancelled: s.cancelled,
		Running:   s.running,
		Pending:   s.queue.pendingCount(),
	}
	if s.execCount > 0 {
		st.AvgExecTime = s.execTotal / time.Duration(s.execCount)
	}
	if s.submitted > 0 {
		st.SuccessRate = float64(s.completed) / float64(s.submitted)
	}
	return st
}

// Snapshot returns stats plus the retained terminal-task history,
// oldest first.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	recent := make([]TaskView, 0, len(s.terminalIDs))
	for _, id := range s.terminalIDs {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		v := TaskView{
			ID:          t.id,
			Priority:    t.priority.String(),
			State:       t.state.String(),
			Attempts:    t.retriesUsed + 1,
			CreatedAt:   t.createdAt,
			StartedAt:   t.startedAt,
			CompletedAt: t.completedAt,
		}
		if !t.startedAt.IsZero() && !t.completedAt.IsZero() {
			v.Duration = t.completedAt.Sub(t.startedAt)
		}
		if t.err != nil {
			v.Error = t.err.Error()
		}
		recent = append(recent, v)
	}

	return Snapshot{
		MaxConcurrent: s.cfg.MaxConcurrent,
		Stats:         s.statsLocked(),
		Recent:        recent,
	}
}

// Supervisor returns the manager's internal supervisor (nil if not
// started). Used for operational visibility.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// cancelLocked finalizes a Pending task as Cancelled. Caller holds mu.
func (s *Service) cancelLocked(t *task, now time.Time) {
	t.state = StateCancelled
	t.err = ErrCancelled
	t.completedAt = now
	s.cancelled++
	s.retainLocked(t)
	close(t.done)
	s.publish("task.cancelled", eventOf(t, 0))
	s.log.Debug("task.cancelled", logx.String("id", t.id))
}

// retainLocked appends a terminal task to the retention FIFO and
// prunes the oldest entries past the cap. Caller holds mu.
func (s *Service) retainLocked(t *task) {
	s.terminalIDs = append(s.terminalIDs, t.id)
	for len(s.terminalIDs) > s.cfg.RetentionSize {
		oldest := s.terminalIDs[0]
		s.terminalIDs = s.terminalIDs[1:]
		delete(s.tasks, oldest)
		s.pruneWarn.Do(func() {
			s.log.Warn("terminal task pruned before retrieval", logx.String("id", oldest), logx.Int("retention", s.cfg.RetentionSize))
		})
	}
}

// eventOf captures a task's bus-event view. Call it while the task is
// stable: under mu, or from the goroutine that currently owns it.
func eventOf(t *task, dur time.Duration) TaskEvent {
	ev := TaskEvent{
		ID:       t.id,
		Priority: t.priority.String(),
		State:    t.state.String(),
		Attempts: t.retriesUsed + 1,
		Duration: dur,
	}
	if t.err != nil {
		ev.Error = t.err.Error()
	}
	return ev
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

// signal wakes the scheduling loop. Non-blocking; the buffered slot
// coalesces bursts.
func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
