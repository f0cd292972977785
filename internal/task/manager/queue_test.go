package manager

import "testing"

func qtask(id string, p Priority, seq uint64) *task {
	return &task{id: id, priority: p, state: StatePending, seq: seq, done: make(chan struct{})}
}

func TestQueuePopsByPriorityThenSeq(t *testing.T) {
	t.Parallel()
	q := newTaskQueue()
	q.push(qtask("low", PriorityLow, 1))
	q.push(qtask("crit", PriorityCritical, 2))
	q.push(qtask("norm-a", PriorityNormal, 3))
	q.push(qtask("norm-b", PriorityNormal, 4))
	q.push(qtask("high", PriorityHigh, 5))

	want := []string{"crit", "high", "norm-a", "norm-b", "low"}
	for _, w := range want {
		got := q.popPending()
		if got == nil || got.id != w {
			t.Fatalf("popPending = %v, want %s", got, w)
		}
	}
	if q.popPending() != nil {
		t.Fatal("expected empty queue")
	}
}

func TestQueueRetryPenaltyDemotes(t *testing.T) {
	t.Parallel()
	q := newTaskQueue()

	retried := qtask("retried-high", PriorityHigh, 1)
	retried.retriesUsed = 1
	q.push(retried)
	q.push(qtask("fresh-high", PriorityHigh, 2))
	q.push(qtask("fresh-norm", PriorityNormal, 3))

	// One retry drops the high task to normal rank; seq breaks the tie
	// in its favor against the fresh normal task.
	want := []string{"fresh-high", "retried-high", "fresh-norm"}
	for _, w := range want {
		if got := q.popPending(); got.id != w {
			t.Fatalf("popPending = %s, want %s", got.id, w)
		}
	}
}

func TestQueueSkipsCancelled(t *testing.T) {
	t.Parallel()
	q := newTaskQueue()
	a := qtask("a", PriorityCritical, 1)
	b := qtask("b", PriorityLow, 2)
	q.push(a)
	q.push(b)

	a.state = StateCancelled
	if q.pendingCount() != 1 {
		t.Fatalf("pendingCount = %d, want 1", q.pendingCount())
	}
	if got := q.popPending(); got != b {
		t.Fatalf("popPending = %v, want b", got)
	}
}

func TestQueueDrainPending(t *testing.T) {
	t.Parallel()
	q := newTaskQueue()
	a := qtask("a", PriorityNormal, 1)
	b := qtask("b", PriorityNormal, 2)
	c := qtask("c", PriorityNormal, 3)
	b.state = StateCancelled
	q.push(a)
	q.push(b)
	q.push(c)

	got := q.drainPending()
	if len(got) != 2 || got[0] != a || got[1] != c {
		t.Fatalf("drainPending returned %d tasks", len(got))
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty after drain: %d", q.Len())
	}
}
