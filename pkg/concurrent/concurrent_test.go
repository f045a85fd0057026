package concurrent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForEachProcessesEveryItem(t *testing.T) {
	var sum atomic.Int64
	errOdd := errors.New("odd")
	err := ForEach(context.Background(), []int{1, 2, 3, 4}, 2, func(_ context.Context, n int) error {
		sum.Add(int64(n))
		if n%2 == 1 {
			return errOdd
		}
		return nil
	})
	assert.ErrorIs(t, err, errOdd)
	assert.Equal(t, int64(10), sum.Load())
}

func TestForEachRespectsLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	err := ForEach(context.Background(), make([]int, 16), 3, func(context.Context, int) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestForEachStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := ForEach(ctx, []int{1, 2}, 1, func(context.Context, int) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestFirstErrorCancelsSiblings(t *testing.T) {
	boom := errors.New("boom")
	err := FirstError(context.Background(), []int{0, 1}, 0, func(ctx context.Context, n int) error {
		if n == 0 {
			return boom
		}
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, boom)
}

func TestMapPreservesOrder(t *testing.T) {
	out := Map([]int{1, 2, 3}, 2, func(n int) int { return n * n })
	assert.Equal(t, []int{1, 4, 9}, out)
}

func TestMerge(t *testing.T) {
	a, b := make(chan int, 1), make(chan int, 1)
	a <- 1
	b <- 2
	close(a)
	close(b)
	var got []int
	for v := range Merge[int](a, b) {
		got = append(got, v)
	}
	assert.ElementsMatch(t, []int{1, 2}, got)
}
