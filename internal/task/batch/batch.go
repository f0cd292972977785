// Package batch fans a large item list out over bounded concurrent
// chunks and collects the per-chunk results.
//
// It is a stateless helper: no queue, no lifecycle, no retry. Callers
// with discrete async jobs want the task manager instead.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	logx "taskmill/pkg/logx"
)

type Config struct {
	// BatchSize is the number of items per chunk; the last chunk may
	// be smaller. Defaults to 50.
	BatchSize int

	// MaxConcurrent caps how many chunks run at once. Defaults to 4.
	MaxConcurrent int

	Log logx.Logger
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.Log.IsZero() {
		c.Log = logx.Nop()
	}
	return c
}

// Func processes one full chunk and returns a single aggregate result
// for it.
type Func[T, R any] func(ctx context.Context, items []T) (R, error)

// ProgressFunc is invoked exactly once per chunk, on that chunk's own
// completion. Invocation order across concurrent chunks is not the
// submission order.
type ProgressFunc func(completed, total int)

var errNilFunc = errors.New("batch: process func is nil")

// Process partitions items into contiguous chunks of cfg.BatchSize and
// applies fn to up to cfg.MaxConcurrent chunks concurrently.
//
// Failure policy is best-effort: a failing chunk is counted but never
// cancels its siblings, and the returned results hold only successful
// chunk outputs (in chunk order). Callers must check failed alongside
// results; there is no all-or-nothing mode.
//
// ctx cancellation stops the fan-out between chunks; chunks already
// running finish on their own and unstarted chunks count as failed.
func Process[T, R any](ctx context.Context, items []T, cfg Config, fn Func[T, R], progress ProgressFunc) ([]R, int, error) {
	if fn == nil {
		return nil, 0, errNilFunc
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()

	chunks := partition(items, cfg.BatchSize)
	total := len(chunks)
	if total == 0 {
		return nil, 0, nil
	}

	values := make([]R, total)
	succeeded := make([]bool, total)

	// Counting semaphore, tokens pre-filled up to the limit.
	sem := make(chan struct{}, cfg.MaxConcurrent)
	for i := 0; i < cfg.MaxConcurrent; i++ {
		sem <- struct{}{}
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
		failed    int
	)

	cancelled := error(nil)
	for i, chunk := range chunks {
		select {
		case <-ctx.Done():
			cancelled = ctx.Err()
			// Stop admitting new chunks; count the rest as failed so
			// the caller still sees a full accounting.
			mu.Lock()
			failed += total - i
			mu.Unlock()
		case <-sem:
		}
		if cancelled != nil {
			break
		}

		wg.Add(1)
		go func(idx int, part []T) {
			defer wg.Done()
			defer func() { sem <- struct{}{} }()

			v, err := runChunk(ctx, part, fn, cfg.Log, idx)

			mu.Lock()
			if err != nil {
				failed++
			} else {
				values[idx] = v
				succeeded[idx] = true
			}
			completed++
			done := completed
			mu.Unlock()

			if progress != nil {
				progress(done, total)
			}
		}(i, chunk)
	}

	wg.Wait()

	results := make([]R, 0, total)
	for i, ok := range succeeded {
		if ok {
			results = append(results, values[i])
		}
	}
	return results, failed, cancelled
}

// runChunk applies fn with a panic guard so one bad chunk cannot take
// down the whole fan-out.
func runChunk[T, R any](ctx context.Context, part []T, fn Func[T, R], log logx.Logger, idx int) (v R, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("batch.panic", logx.Int("chunk", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	v, err = fn(ctx, part)
	if err != nil {
		log.Warn("batch.chunk_failed", logx.Int("chunk", idx), logx.Int("items", len(part)), logx.Any("err", err))
	}
	return v, err
}

// partition splits items into contiguous chunks of size; exactly
// ceil(len/size) chunks covering every item once, in order. The chunks
// alias the input slice, they do not copy.
func partition[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
