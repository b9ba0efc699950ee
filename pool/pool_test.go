package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)
	_, err = New(-1)
	require.Error(t, err)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p, err := New(2)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Acquire(ctx))
	require.NoError(t, p.Acquire(ctx))
	assert.Equal(t, 2, p.InUse())

	p.Release()
	assert.Equal(t, 1, p.InUse())
	p.Release()
	assert.Equal(t, 0, p.InUse())
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	p, err := New(1)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Acquire(ctx))

	acquired := make(chan struct{})
	go func() {
		_ = p.Acquire(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should have blocked while capacity is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire should have unblocked after release")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	p, err := New(1)
	require.NoError(t, err)
	require.NoError(t, p.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = p.Acquire(ctx)
	require.Error(t, err)
}

func TestNeverExceedsCapacityUnderConcurrency(t *testing.T) {
	const capacity = 4
	p, err := New(capacity)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		current int64
		peak    int64
	)

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			require.NoError(t, p.Acquire(ctx))
			defer p.Release()

			n := atomic.AddInt64(&current, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&current, -1)
		}()
	}

	wg.Wait()
	assert.LessOrEqual(t, int(peak), capacity)
}
