package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"taskmill/internal/eventbus"
	"taskmill/internal/task/manager"
	logx "taskmill/pkg/logx"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "audit.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalAppendAndRecent(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := TaskRecord{
			ID:         []string{"a", "b", "c"}[i],
			Priority:   "normal",
			State:      "completed",
			Attempts:   1,
			Duration:   time.Duration(i+1) * 100 * time.Millisecond,
			FinishedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := j.Append(ctx, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recs, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	// newest first
	if recs[0].ID != "c" || recs[1].ID != "b" {
		t.Fatalf("order = [%s %s], want [c b]", recs[0].ID, recs[1].ID)
	}
	if recs[0].Duration != 300*time.Millisecond {
		t.Fatalf("Duration = %v, want 300ms", recs[0].Duration)
	}
	if !recs[0].FinishedAt.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("FinishedAt = %v", recs[0].FinishedAt)
	}
}

func TestJournalRecordsFailureFields(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t)
	ctx := context.Background()

	rec := TaskRecord{
		ID:         "t-1",
		Priority:   "high",
		State:      "failed",
		Attempts:   3,
		Error:      "retries exhausted after 3 attempts: boom",
		FinishedAt: time.Now().UTC(),
	}
	if err := j.Append(ctx, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	recs, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	got := recs[0]
	if got.State != "failed" || got.Attempts != 3 || got.Error != rec.Error {
		t.Fatalf("record = %+v", got)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestFactoryProducesWorkingHandles(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.db")
	j, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	ctx := context.Background()
	if err := j.Append(ctx, TaskRecord{ID: "x", Priority: "low", State: "completed", Attempts: 1, FinishedAt: time.Now()}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	factory := NewFactory(path)
	h, err := factory(ctx)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer h.Close()

	if err := h.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	n, err := h.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
}

func TestRecorderJournalsTerminalEvents(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t)
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = RunRecorder(ctx, bus, j, logx.Nop())
	}()

	// Subscription is synchronous in RunRecorder, but give the
	// goroutine a moment to reach it before publishing.
	time.Sleep(20 * time.Millisecond)

	bus.Publish(eventbus.Event{
		Type: "task.started",
		Time: time.Now(),
		Data: manager.TaskEvent{ID: "skip-me", State: "running"},
	})
	bus.Publish(eventbus.Event{
		Type: "task.completed",
		Time: time.Now(),
		Data: manager.TaskEvent{ID: "keep-me", Priority: "normal", State: "completed", Attempts: 1, Duration: 50 * time.Millisecond},
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		recs, err := j.Recent(context.Background(), 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(recs) == 1 && recs[0].ID == "keep-me" {
			break
		}
		if len(recs) > 1 {
			t.Fatalf("unexpected records: %+v", recs)
		}
		if time.Now().After(deadline) {
			t.Fatalf("terminal event never journaled (have %d records)", len(recs))
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop on cancel")
	}
}
