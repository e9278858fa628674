package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/OpalDecisionSciences/restaurant-scraper/internal/scraper"
)

type stubFactory struct {
	mu        sync.Mutex
	created   int
	destroyed int
	failAll   bool
}

func (f *stubFactory) Create(context.Context) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("no browser available")
	}
	f.created++
	id := fmt.Sprintf("handle-%d", f.created)
	return NewHandle(id, context.Background(), func() {
		f.mu.Lock()
		f.destroyed++
		f.mu.Unlock()
	}), nil
}

func (f *stubFactory) counts() (created, destroyed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.destroyed
}

func newTestPool(t *testing.T, factory Factory, maxInstances int, acquireTimeout time.Duration) *Pool {
	t.Helper()
	p, err := New(context.Background(), factory, Config{
		MaxInstances:   maxInstances,
		AcquireTimeout: acquireTimeout,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)
	return p
}

// TestPoolBound verifies at most MaxInstances handles are checked out at once
// when acquirers wait instead of overflowing.
func TestPoolBound(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{}
	p := newTestPool(t, factory, 2, 5*time.Second)

	var (
		mu         sync.Mutex
		inUse      int
		maxObserved int
	)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(context.Background(), 0)
			require.NoError(t, err)
			mu.Lock()
			inUse++
			if inUse > maxObserved {
				maxObserved = inUse
			}
			mu.Unlock()

			time.Sleep(30 * time.Millisecond)

			mu.Lock()
			inUse--
			mu.Unlock()
			p.Release(h)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, maxObserved, 2)
	created, _ := factory.counts()
	require.Equal(t, 2, created, "no overflow handle should have been needed")
	require.Equal(t, 2, p.IdleCount())
}

// TestAcquireTimeoutCreatesOverflow covers the elastic-overflow path: when no
// handle frees up in time, the caller still gets a valid transient handle.
func TestAcquireTimeoutCreatesOverflow(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{}
	p := newTestPool(t, factory, 1, time.Hour)

	held, err := p.Acquire(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, held.Overflow())

	overflow, err := p.Acquire(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, overflow.Overflow())
	require.Equal(t, 2, p.ActiveCount())

	created, _ := factory.counts()
	require.Equal(t, 2, created)

	// Idle set is empty, so the pooled handle goes back in and the overflow
	// handle is destroyed rather than grown into capacity.
	p.Release(held)
	p.Release(overflow)
	require.Equal(t, 1, p.IdleCount())
	_, destroyed := factory.counts()
	require.Equal(t, 1, destroyed)
}

// TestOverflowCreationFailure ensures acquire surfaces an error instead of
// hanging when the factory cannot create a transient handle.
func TestOverflowCreationFailure(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{}
	p := newTestPool(t, factory, 1, time.Hour)

	_, err := p.Acquire(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)

	factory.mu.Lock()
	factory.failAll = true
	factory.mu.Unlock()

	_, err = p.Acquire(context.Background(), 10*time.Millisecond)
	require.Error(t, err)
	require.Contains(t, err.Error(), "create overflow handle")
}

// TestAcquireContextCanceled confirms a canceled context unblocks waiters.
func TestAcquireContextCanceled(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{}
	p := newTestPool(t, factory, 1, time.Hour)

	_, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}

// TestShutdown verifies idle and active handles are torn down, shutdown is
// idempotent, and later acquires fail with the pool-closed sentinel.
func TestShutdown(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{}
	p := newTestPool(t, factory, 2, time.Second)

	h, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, p.ActiveCount())

	p.Shutdown()
	p.Shutdown()

	created, destroyed := factory.counts()
	require.Equal(t, 2, created)
	require.Equal(t, 2, destroyed, "both the idle and the active handle are destroyed")

	_, err = p.Acquire(context.Background(), 0)
	require.ErrorIs(t, err, scraper.ErrPoolClosed)

	// Releasing a handle that outlived shutdown must not resurrect it.
	p.Release(h)
	require.Equal(t, 0, p.IdleCount())
}

// TestNewFailsWhenWarmupFails ensures pool construction aborts loudly when no
// browser can be spawned.
func TestNewFailsWhenWarmupFails(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{failAll: true}
	_, err := New(context.Background(), factory, Config{MaxInstances: 2}, zap.NewNop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "warm up pool handle")
}
