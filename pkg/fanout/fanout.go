// Package fanout plans items into fixed-size batches and runs the items of a
// batch concurrently.
//
// Pacing between batches is left to the caller so that a cooperative state
// machine can wait on its own clock.
package fanout

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Plan splits items into batches of size. A size below one is treated as one.
func Plan[T any](items []T, size int) []Batch[T] {
	if len(items) == 0 {
		return nil
	}
	if size < 1 {
		size = 1
	}
	batches := make([]Batch[T], 0, (len(items)+size-1)/size)
	for off := 0; off < len(items); off += size {
		end := min(off+size, len(items))
		batches = append(batches, Batch[T]{
			Index:  len(batches),
			Offset: off,
			Items:  items[off:end],
		})
	}
	return batches
}

// Run calls fn for every item of the batch concurrently and waits for all of
// them. Results are ordered like the batch items. A non-nil error is an
// *Error listing the failed items, or the context error.
func Run[T, R any](ctx context.Context, batch Batch[T], fn func(ctx context.Context, item T) (R, error), opts ...Option) ([]Result[R], error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(cfg)
	}

	results := make([]Result[R], len(batch.Items))
	if len(batch.Items) == 0 {
		return results, nil
	}

	var g *errgroup.Group
	gctx := ctx
	if cfg.strategy == StrategyFailFast {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}
	if cfg.concurrency > 0 {
		g.SetLimit(cfg.concurrency)
	}

	var mu sync.Mutex
	for i, item := range batch.Items {
		g.Go(func() error {
			v, err := fn(gctx, item)
			mu.Lock()
			results[i] = Result[R]{Index: batch.Offset + i, Value: v, Err: err}
			mu.Unlock()
			if cfg.strategy == StrategyFailFast {
				return err
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}

	var failures []ItemFailure
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, ItemFailure{Index: r.Index, Err: r.Err})
		}
	}
	if len(failures) > 0 {
		return results, &Error{
			Batch:       batch.Index,
			TotalCount:  len(batch.Items),
			FailedCount: len(failures),
			Strategy:    cfg.strategy,
			Failures:    failures,
		}
	}
	return results, nil
}
