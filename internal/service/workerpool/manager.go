package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
)

// Recognized pool names. Callers pick by workload class: I/O-bound adapter
// calls use PoolIO or PoolDB, embedding generation PoolEmbedding, LLM calls
// PoolInference, local CPU-heavy transforms PoolCPU.
const (
	PoolIO        = "io"
	PoolCPU       = "cpu"
	PoolInference = "inference"
	PoolEmbedding = "embedding"
	PoolDB        = "db"
)

const defaultQueueDepth = 256

// Stats is a point-in-time snapshot of one pool.
type Stats struct {
	Workers     int      `json:"workers"`
	Active      int      `json:"active"`
	Queued      int      `json:"queued"`
	ActiveTasks []string `json:"active_task_descriptors"`
}

// Manager owns the named pools for the process lifetime.
type Manager struct {
	pools map[string]*Pool
	log   *slog.Logger
}

// NewManager builds the recognized pools from configuration; zero-valued
// sizes take the defaults.
func NewManager(cfg config.ThreadPools, verbose bool, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	sizes := map[string]int{
		PoolIO:        orDefault(cfg.IO, 50),
		PoolCPU:       orDefault(cfg.CPU, 30),
		PoolInference: orDefault(cfg.Inference, 20),
		PoolEmbedding: orDefault(cfg.Embedding, 15),
		PoolDB:        orDefault(cfg.DB, 25),
	}
	m := &Manager{pools: make(map[string]*Pool, len(sizes)), log: log}
	for name, size := range sizes {
		m.pools[name] = newPool(name, size, depth, verbose)
		log.Debug("pool started", slog.String("pool", name), slog.Int("workers", size), slog.Int("queue_depth", depth))
	}
	return m
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Submit schedules fn on the named pool and returns a Future.
func (m *Manager) Submit(ctx context.Context, pool, desc string, fn Task) (*Future, error) {
	p, ok := m.pools[pool]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrPoolNotFound, pool)
	}
	return p.Submit(ctx, desc, fn)
}

// Run schedules fn and waits for its result.
func (m *Manager) Run(ctx context.Context, pool, desc string, fn Task) (any, error) {
	fut, err := m.Submit(ctx, pool, desc, fn)
	if err != nil {
		return nil, err
	}
	return fut.Wait(ctx)
}

// Stats snapshots every pool.
func (m *Manager) Stats() map[string]Stats {
	out := make(map[string]Stats, len(m.pools))
	for name, p := range m.pools {
		out[name] = Stats{
			Workers:     p.workers,
			Active:      p.activeCount(),
			Queued:      len(p.queue),
			ActiveTasks: p.activeDescriptors(),
		}
	}
	return out
}

// Shutdown stops accepting submissions and waits for queued work to drain.
// After the timeout, in-flight task contexts are cancelled and the drain
// error is returned.
func (m *Manager) Shutdown(timeout time.Duration) error {
	for _, p := range m.pools {
		p.close()
	}
	done := make(chan struct{})
	go func() {
		for _, p := range m.pools {
			p.wg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("worker pools drained")
		return nil
	case <-time.After(timeout):
		for _, p := range m.pools {
			p.killAll()
		}
		m.log.Warn("worker pool drain timed out; cancelling remaining tasks", slog.Duration("timeout", timeout))
		return fmt.Errorf("op=workerpool.Shutdown: %w: drain exceeded %s", domain.ErrTimeout, timeout)
	}
}

// Batch bounds in-flight tasks within one caller's fan-out on top of a pool.
type Batch struct {
	m    *Manager
	pool string
	sem  *semaphore.Weighted
}

// BatchExecutor returns a helper that caps concurrent submissions at
// maxConcurrent while still running on the named pool's workers.
func (m *Manager) BatchExecutor(pool string, maxConcurrent int) (*Batch, error) {
	if _, ok := m.pools[pool]; !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrPoolNotFound, pool)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Batch{m: m, pool: pool, sem: semaphore.NewWeighted(int64(maxConcurrent))}, nil
}

// Run acquires a batch slot, schedules fn, and waits for its result. The
// slot is held for the task's full lifetime so a batch never has more than
// maxConcurrent tasks admitted to the pool.
func (b *Batch) Run(ctx context.Context, desc string, fn Task) (any, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	return b.m.Run(ctx, b.pool, desc, fn)
}
