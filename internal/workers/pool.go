// Package workers provides the bounded worker pool used to render channels
// in parallel.
package workers

import (
	"context"
	"runtime"
	"sync"
)

// Slots normalises a configured worker count. Values <= 0 select GOMAXPROCS.
func Slots(configured int) int {
	if configured <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return configured
}

type result[R any] struct {
	idx int
	val R
	err error
}

// Map applies fn to every item using at most slots goroutines and returns the
// results in item order. The first error cancels the remaining items and is
// returned.
func Map[T, R any](ctx context.Context, slots int, items []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	out := make([]R, len(items))
	if slots <= 1 || len(items) <= 1 {
		for i, item := range items {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			val, err := fn(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if slots > len(items) {
		slots = len(items)
	}
	tasks := make(chan int)
	results := make(chan result[R])
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for idx := range tasks {
			if ctx.Err() != nil {
				continue
			}
			val, err := fn(ctx, items[idx])
			results <- result[R]{idx: idx, val: val, err: err}
		}
	}

	for i := 0; i < slots; i++ {
		wg.Add(1)
		go worker()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer close(tasks)
		for idx := range items {
			select {
			case <-ctx.Done():
				return
			case tasks <- idx:
			}
		}
	}()

	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
				cancel()
			}
			continue
		}
		out[res.idx] = res.val
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
