package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan(t *testing.T) {
	items := make([]int, 12)
	for i := range items {
		items[i] = i
	}

	batches := Plan(items, 5)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].Items, 5)
	assert.Len(t, batches[1].Items, 5)
	assert.Len(t, batches[2].Items, 2)
	assert.Equal(t, 10, batches[2].Offset)
	assert.Equal(t, 2, batches[2].Index)
	assert.Equal(t, []int{10, 11}, batches[2].Items)
}

func TestPlan_EdgeCases(t *testing.T) {
	assert.Nil(t, Plan([]string{}, 5))
	assert.Len(t, Plan([]string{"a", "b"}, 0), 2, "size below one plans single-item batches")
	assert.Len(t, Plan([]string{"a", "b"}, 10), 1)
}

func TestRun_Concurrent(t *testing.T) {
	batch := Plan([]int{1, 2, 3, 4, 5}, 5)[0]

	var arrived sync.WaitGroup
	arrived.Add(len(batch.Items))
	release := make(chan struct{})
	go func() {
		arrived.Wait()
		close(release)
	}()

	results, err := Run(context.Background(), batch, func(ctx context.Context, n int) (int, error) {
		arrived.Done()
		select {
		case <-release:
		case <-time.After(5 * time.Second):
			return 0, errors.New("items did not run concurrently")
		}
		return n * 10, nil
	})

	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, (i+1)*10, r.Value)
	}
}

func TestRun_CollectAllReportsFailures(t *testing.T) {
	batch := Plan([]int{0, 1, 2, 3, 4, 5, 6}, 5)[1]
	boom := errors.New("popup blocked")

	results, err := Run(context.Background(), batch, func(ctx context.Context, n int) (string, error) {
		if n == 6 {
			return "", boom
		}
		return "ok", nil
	})

	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 1, fe.Batch)
	assert.Equal(t, 2, fe.TotalCount)
	assert.Equal(t, 1, fe.FailedCount)
	assert.Equal(t, 6, fe.Failures[0].Index)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "popup blocked")

	assert.Equal(t, "ok", results[0].Value)
	assert.Error(t, results[1].Err)
}

func TestRun_FailFastCancelsSiblings(t *testing.T) {
	batch := Plan([]int{1, 2, 3}, 3)[0]
	var cancelled atomic.Int32

	_, err := Run(context.Background(), batch, func(ctx context.Context, n int) (int, error) {
		if n == 1 {
			return 0, errors.New("first fails")
		}
		select {
		case <-ctx.Done():
			cancelled.Add(1)
			return 0, ctx.Err()
		case <-time.After(5 * time.Second):
			return n, nil
		}
	}, FailFast())

	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, StrategyFailFast, fe.Strategy)
	assert.Equal(t, int32(2), cancelled.Load())
}

func TestRun_ConcurrencyLimit(t *testing.T) {
	batch := Plan(make([]int, 8), 8)[0]
	var inFlight, peak atomic.Int32

	_, err := Run(context.Background(), batch, func(ctx context.Context, _ int) (struct{}, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return struct{}{}, nil
	}, WithConcurrency(2))

	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, Plan([]int{1}, 1)[0], func(ctx context.Context, n int) (int, error) {
		return n, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHelpers(t *testing.T) {
	results := []Result[int]{
		{Index: 0, Value: 1},
		{Index: 1, Err: errors.New("x")},
		{Index: 2, Value: 3},
	}

	assert.Equal(t, []int{1, 3}, Values(results))
	assert.Equal(t, 2, SuccessCount(results))
	assert.Equal(t, 0, SuccessCount([]Result[int]{{Err: errors.New("x")}}))
}
