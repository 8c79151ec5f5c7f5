package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ForEach runs fn for every index in [0, n) across a bounded worker pool.
//
// Each invocation writes results only into its own pre-allocated slot, so
// workers never contend on shared state; the caller merges results after
// ForEach returns. The first error cancels the remaining work and is
// returned. Results are deterministic regardless of worker count because
// slot assignment depends only on the index, never on scheduling.
func ForEach(ctx context.Context, workers, n int, metrics Metrics, fn func(ctx context.Context, i int) error) error {
	if n <= 0 {
		return nil
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if workers > n {
		workers = n
	}
	if metrics == nil {
		metrics = NullMetrics{}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	indices := make(chan int)
	errs := make(chan error, workers)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				metrics.WorkerDelta(1)
				err := runSlot(runCtx, i, fn)
				metrics.WorkerDelta(-1)
				if err != nil {
					errs <- err
					cancel()
					return
				}
			}
		}()
	}

	go func() {
		defer close(indices)
		for i := 0; i < n; i++ {
			select {
			case indices <- i:
			case <-runCtx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(errs)

	// Prefer the root-cause error over the cancellations it triggered in
	// the other workers.
	var first error
	for err := range errs {
		if err == nil {
			continue
		}
		if first == nil || errors.Is(first, context.Canceled) {
			first = err
		}
	}
	if first != nil {
		return first
	}
	return ctx.Err()
}

// runSlot executes one sub-unit, converting panics to errors so a single
// faulty sub-unit fails the stage instead of the process.
func runSlot(ctx context.Context, i int, fn func(ctx context.Context, i int) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sub-unit %d panicked: %v", i, rec)
		}
	}()
	return fn(ctx, i)
}
