package storage

import (
	"context"
	"time"

	"taskmill/internal/eventbus"
	"taskmill/internal/task/manager"
	logx "taskmill/pkg/logx"
)

// terminalEvents are the bus event types worth journaling.
var terminalEvents = map[string]bool{
	"task.completed": true,
	"task.failed":    true,
	"task.timeout":   true,
	"task.cancelled": true,
}

// RunRecorder consumes task lifecycle events from the bus and appends
// terminal outcomes to the journal. Blocks until ctx is cancelled;
// run it under the supervisor.
//
// Journal write failures are logged and skipped: audit is best-effort
// and must never stall the scheduler.
func RunRecorder(ctx context.Context, bus eventbus.Bus, j *Journal, log logx.Logger) error {
	if bus == nil || j == nil {
		return nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	events, unsubscribe := bus.Subscribe(128)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !terminalEvents[ev.Type] {
				continue
			}
			te, ok := ev.Data.(manager.TaskEvent)
			if !ok {
				continue
			}
			rec := TaskRecord{
				ID:         te.ID,
				Priority:   te.Priority,
				State:      te.State,
				Attempts:   te.Attempts,
				Duration:   te.Duration,
				Error:      te.Error,
				FinishedAt: ev.Time,
			}
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := j.Append(wctx, rec)
			cancel()
			if err != nil {
				log.Warn("audit append failed", logx.String("id", te.ID), logx.Any("err", err))
			}
		}
	}
}
