package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
)

func smallManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(config.ThreadPools{IO: 1, CPU: 2, Inference: 1, Embedding: 1, DB: 1, QueueDepth: 1}, true, nil)
	t.Cleanup(func() { _ = m.Shutdown(time.Second) })
	return m
}

func TestRunReturnsValue(t *testing.T) {
	t.Parallel()
	m := smallManager(t)

	got, err := m.Run(context.Background(), PoolIO, "echo", func(context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestRunPropagatesError(t *testing.T) {
	t.Parallel()
	m := smallManager(t)

	boom := errors.New("boom")
	_, err := m.Run(context.Background(), PoolCPU, "fail", func(context.Context) (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
}

func TestPanicResolvesFuture(t *testing.T) {
	t.Parallel()
	m := smallManager(t)

	_, err := m.Run(context.Background(), PoolCPU, "explode", func(context.Context) (any, error) {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInternal)
	assert.Contains(t, err.Error(), "kaboom")

	// The worker must survive the panic and keep serving tasks.
	got, err := m.Run(context.Background(), PoolCPU, "after", func(context.Context) (any, error) {
		return "alive", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "alive", got)
}

func TestUnknownPool(t *testing.T) {
	t.Parallel()
	m := smallManager(t)

	_, err := m.Submit(context.Background(), "gpu", "x", func(context.Context) (any, error) { return nil, nil })
	require.ErrorIs(t, err, domain.ErrPoolNotFound)

	_, err = m.BatchExecutor("gpu", 2)
	require.ErrorIs(t, err, domain.ErrPoolNotFound)
}

func TestSaturationFailsFast(t *testing.T) {
	t.Parallel()
	m := smallManager(t)

	started := make(chan struct{})
	release := make(chan struct{})
	blocker, err := m.Submit(context.Background(), PoolIO, "blocker", func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	<-started

	// Single worker busy; queue depth is 1, so one more submission fits.
	queued, err := m.Submit(context.Background(), PoolIO, "queued", func(context.Context) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), PoolIO, "overflow", func(context.Context) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, domain.ErrPoolSaturated)

	close(release)
	_, err = blocker.Wait(context.Background())
	require.NoError(t, err)
	_, err = queued.Wait(context.Background())
	require.NoError(t, err)
}

func TestStatsTracksActiveDescriptors(t *testing.T) {
	t.Parallel()
	m := smallManager(t)

	started := make(chan struct{})
	release := make(chan struct{})
	fut, err := m.Submit(context.Background(), PoolDB, "slow-query", func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	<-started

	stats := m.Stats()
	require.Contains(t, stats, PoolDB)
	assert.Equal(t, 1, stats[PoolDB].Workers)
	assert.Equal(t, 1, stats[PoolDB].Active)
	assert.Equal(t, []string{"slow-query"}, stats[PoolDB].ActiveTasks)

	close(release)
	_, err = fut.Wait(context.Background())
	require.NoError(t, err)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	t.Parallel()
	m := NewManager(config.ThreadPools{IO: 1, CPU: 1, Inference: 1, Embedding: 1, DB: 1, QueueDepth: 4}, false, nil)
	require.NoError(t, m.Shutdown(time.Second))

	_, err := m.Submit(context.Background(), PoolIO, "late", func(context.Context) (any, error) { return nil, nil })
	require.ErrorIs(t, err, domain.ErrPoolSaturated)
}

func TestShutdownCancelsStuckTasks(t *testing.T) {
	t.Parallel()
	m := NewManager(config.ThreadPools{IO: 1, CPU: 1, Inference: 1, Embedding: 1, DB: 1, QueueDepth: 4}, false, nil)

	fut, err := m.Submit(context.Background(), PoolIO, "stuck", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	err = m.Shutdown(50 * time.Millisecond)
	require.ErrorIs(t, err, domain.ErrTimeout)

	_, err = fut.Wait(context.Background())
	require.ErrorIs(t, err, context.Canceled)
}

func TestFutureWaitHonorsContext(t *testing.T) {
	t.Parallel()
	m := smallManager(t)

	release := make(chan struct{})
	defer close(release)
	fut, err := m.Submit(context.Background(), PoolInference, "slow", func(context.Context) (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = fut.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBatchCapsConcurrency(t *testing.T) {
	t.Parallel()
	m := NewManager(config.ThreadPools{IO: 8, CPU: 1, Inference: 1, Embedding: 1, DB: 1, QueueDepth: 16}, false, nil)
	t.Cleanup(func() { _ = m.Shutdown(time.Second) })

	batch, err := m.BatchExecutor(PoolIO, 2)
	require.NoError(t, err)

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := batch.Run(context.Background(), "batched", func(context.Context) (any, error) {
				n := inFlight.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
