// ABOUTME: Tests for the request gate concurrency cap and cancellation handles
// ABOUTME: Covers admission blocking, release pairing, idempotent cancel, active counts

package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_AcquireRelease(t *testing.T) {
	g := New(2, nil)

	ctx := t.Context()

	_, err := g.Acquire(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 1, g.ActiveCount())

	_, err = g.Acquire(ctx, "req-2")
	require.NoError(t, err)
	assert.Equal(t, 2, g.ActiveCount())

	g.Release("req-1")
	assert.Equal(t, 1, g.ActiveCount())
	g.Release("req-2")
	assert.Equal(t, 0, g.ActiveCount())
}

func TestGate_BlocksAtCapacityUntilRelease(t *testing.T) {
	g := New(1, nil)

	ctx := t.Context()

	_, err := g.Acquire(ctx, "held")
	require.NoError(t, err)

	admitted := make(chan struct{})
	go func() {
		_, err := g.Acquire(ctx, "waiting")
		if err == nil {
			close(admitted)
		}
	}()

	select {
	case <-admitted:
		t.Fatal("second acquire should block while gate is full")
	case <-time.After(100 * time.Millisecond):
	}

	g.Release("held")

	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for admission after release")
	}
	g.Release("waiting")
}

func TestGate_NeverExceedsCapacity(t *testing.T) {
	const capacity = 2
	const workers = 10

	g := New(capacity, nil)
	ctx := t.Context()

	var inFlight, highWater atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			reqID := string(rune('a' + id))
			_, err := g.Acquire(ctx, reqID)
			require.NoError(t, err)
			defer g.Release(reqID)

			n := inFlight.Add(1)
			for {
				hw := highWater.Load()
				if n <= hw || highWater.CompareAndSwap(hw, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, highWater.Load(), int64(capacity))
	assert.Equal(t, 0, g.ActiveCount())
}

func TestGate_CancelTerminatesRequestContext(t *testing.T) {
	g := New(1, nil)

	reqCtx, err := g.Acquire(t.Context(), "req-1")
	require.NoError(t, err)
	defer g.Release("req-1")

	g.Cancel("req-1")

	select {
	case <-reqCtx.Done():
		assert.ErrorIs(t, reqCtx.Err(), context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("request context not cancelled")
	}
}

func TestGate_CancelUnknownRequestIsNoOp(t *testing.T) {
	g := New(1, nil)

	// Must not panic or disturb the count.
	g.Cancel("never-acquired")
	assert.Equal(t, 0, g.ActiveCount())
}

func TestGate_ReleaseUnknownRequestIsIgnored(t *testing.T) {
	g := New(1, nil)

	g.Release("never-acquired")
	assert.Equal(t, 0, g.ActiveCount())

	// Gate still admits normally afterwards.
	_, err := g.Acquire(t.Context(), "req-1")
	require.NoError(t, err)
	g.Release("req-1")
}

func TestGate_AcquireFailsWhenCallerContextCancelled(t *testing.T) {
	g := New(1, nil)

	_, err := g.Acquire(t.Context(), "held")
	require.NoError(t, err)
	defer g.Release("held")

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx, "waiting")
		errCh <- err
	}()

	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe context cancellation")
	}
	assert.Equal(t, 1, g.ActiveCount())
}
