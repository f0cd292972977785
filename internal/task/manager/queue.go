package manager

import "container/heap"

// taskQueue is a priority heap over pending tasks ordered by
// (effective rank asc, submission seq asc). Rank folds the retry
// penalty in, so equal-priority tasks stay strictly FIFO and retried
// tasks drop behind their original cohort.
//
// Cancellation is lazy: Cancel flips the task state and the scheduling
// loop skips non-pending entries when popping.
type taskQueue struct {
	items []*task
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	heap.Init(q)
	return q
}

func (q *taskQueue) Len() int { return len(q.items) }

func (q *taskQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if ra, rb := a.rank(), b.rank(); ra != rb {
		return ra < rb
	}
	return a.seq < b.seq
}

func (q *taskQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *taskQueue) Push(x any) { q.items = append(q.items, x.(*task)) }

func (q *taskQueue) Pop() any {
	old := q.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return t
}

func (q *taskQueue) push(t *task) { heap.Push(q, t) }

// popPending pops the highest-priority task still in Pending state,
// discarding lazily-cancelled entries along the way.
func (q *taskQueue) popPending() *task {
	for q.Len() > 0 {
		t := heap.Pop(q).(*task)
		if t.state == StatePending {
			return t
		}
	}
	return nil
}

// pendingCount counts live (non-cancelled) entries.
func (q *taskQueue) pendingCount() int {
	n := 0
	for _, t := range q.items {
		if t.state == StatePending {
			n++
		}
	}
	return n
}

// drainPending removes and returns every task still Pending.
func (q *taskQueue) drainPending() []*task {
	var out []*task
	for q.Len() > 0 {
		t := heap.Pop(q).(*task)
		if t.state == StatePending {
			out = append(out, t)
		}
	}
	return out
}
