package fn

import (
	"context"
	"sync"
	"sync/atomic"
)

// ParMap applies f to every item on at most workers goroutines. out[i] is
// always f(items[i]). workers <= 0 means one goroutine per item.
func ParMap[T, U any](items []T, workers int, f func(T) U) []U {
	out := make([]U, len(items))
	if workers <= 0 || workers > len(items) {
		workers = len(items)
	}

	var next atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1) - 1)
				if i >= len(items) {
					return
				}
				out[i] = f(items[i])
			}
		}()
	}
	wg.Wait()
	return out
}

// ParMapCtx is ParMap for fallible, context-aware work. Each worker writes
// only its own slot. Items not yet started when ctx is done are not run;
// their slot holds ctx.Err().
func ParMapCtx[T, U any](ctx context.Context, items []T, workers int, f func(context.Context, T) Result[U]) []Result[U] {
	out := make([]Result[U], len(items))
	if workers <= 0 {
		workers = len(items)
	}
	if workers == 0 {
		return out
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i, v := range items {
		select {
		case <-ctx.Done():
			out[i] = Err[U](ctx.Err())
			continue
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int, v T) {
			defer func() { <-sem; wg.Done() }()
			out[i] = f(ctx, v)
		}(i, v)
	}
	wg.Wait()
	return out
}

// Slots caps the number of concurrent holders across goroutines and calls.
type Slots chan struct{}

// NewSlots returns a Slots with capacity n (minimum 1).
func NewSlots(n int) Slots {
	if n <= 0 {
		n = 1
	}
	return make(Slots, n)
}

// Acquire blocks for a free slot or until ctx is done.
func (s Slots) Acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (s Slots) Release() { <-s }

