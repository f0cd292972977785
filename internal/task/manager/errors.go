package manager

import (
	"errors"
	"fmt"
	"time"
)

var (
	errWorkRequired = errors.New("task work is nil")

	ErrStopped     = errors.New("task manager not running")
	ErrStopping    = errors.New("task manager stopping")
	ErrNotFound    = errors.New("task not found")
	ErrNotReady    = errors.New("task not finished")
	ErrCancelled   = errors.New("task cancelled before start")
	ErrDuplicateID = errors.New("task id already in use")
)

// TimeoutError is the terminal failure of a task whose work exceeded
// its deadline. Timeouts are not retried.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task timed out after %s", e.Limit)
}

// IsTimeout reports whether err is (or wraps) a task timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// RetriesExhaustedError is the terminal failure of a task that kept
// failing until its retry budget ran out. It wraps the last underlying
// error.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }
