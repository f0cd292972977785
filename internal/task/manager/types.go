package manager

import (
	"context"
	"strings"
	"time"
)

// Config controls the task manager.
//
// All settings are constructor parameters; the manager owns no config
// file of its own. The app layer maps config.manager into this struct.
type Config struct {
	// MaxConcurrent caps how many tasks hold Running state at once.
	// This cap is the sole admission control.
	MaxConcurrent int

	// DefaultTimeout is used when SubmitOptions.Timeout is 0.
	// 0 disables the global default.
	DefaultTimeout time.Duration

	// DefaultMaxRetries is used when SubmitOptions.MaxRetries < 0.
	DefaultMaxRetries int

	// RetentionSize bounds how many terminal tasks are kept for
	// Result() pickup and Snapshot() history. Oldest are pruned first.
	RetentionSize int
}

// Priority orders pending tasks. Higher is dequeued first; within a
// class, submission order (FIFO) is preserved.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name to its class. Empty and unknown
// names fall back to def.
func ParsePriority(s string, def Priority) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "normal":
		return PriorityNormal
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return def
	}
}

// State is the task lifecycle state machine:
// Pending -> Running -> {Completed|Failed}, Pending -> Cancelled,
// Failed -> Pending (retry re-enqueue).
type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Work is the deferred computation a task executes.
//
// The context is cancelled when the task's timeout fires; the manager
// does not preempt the goroutine, it only discards late results, so
// long-running work should honor ctx to stop early.
type Work func(ctx context.Context) (any, error)

// SubmitOptions carries per-task metadata.
type SubmitOptions struct {
	// ID is caller-supplied; generated (uuid) when empty.
	ID string

	Priority Priority

	// MaxRetries is the retry budget for non-timeout failures.
	// Negative means "use the manager default".
	MaxRetries int

	// Timeout forces the task to Failed with a timeout error when
	// execution exceeds it. 0 falls back to Config.DefaultTimeout.
	Timeout time.Duration
}

// task is the manager-owned record. Submitters hold only the ID.
type task struct {
	id       string
	priority Priority
	work     Work

	state       State
	retriesUsed int
	retriesMax  int
	timeout     time.Duration
	seq         uint64

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	result any
	err    error

	// done is closed once the task reaches a terminal state.
	done chan struct{}
}

// rank is the effective priority used for heap ordering: lower pops
// first. Each retry worsens the rank by one class so persistently
// failing work falls behind its original cohort.
func (t *task) rank() int {
	return int(PriorityCritical) - int(t.priority) + t.retriesUsed
}

// Stats is the manager-wide counter view. Submitted/Completed/Failed/
// Cancelled are monotonic; Running/Pending reflect live depth.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`

	Running int `json:"running"`
	Pending int `json:"pending"`

	AvgExecTime time.Duration `json:"avg_exec_time"`
	SuccessRate float64       `json:"success_rate"`
}

// TaskView is a read-only snapshot of one task for diagnostics.
type TaskView struct {
	ID          string        `json:"id"`
	Priority    string        `json:"priority"`
	State       string        `json:"state"`
	Attempts    int           `json:"attempts"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics (operator surfaces,
// health endpoints).
type Snapshot struct {
	MaxConcurrent int        `json:"max_concurrent"`
	Stats         Stats      `json:"stats"`
	Recent        []TaskView `json:"recent"`
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Priority string        `json:"priority"`
	State    string        `json:"state"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
