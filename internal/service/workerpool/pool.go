// Package workerpool partitions concurrency capacity into named, bounded
// pools. Callers pick a pool by workload class (io, cpu, inference,
// embedding, db) and receive a Future; the pool never blocks the submitter
// beyond queue admission.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
)

// Task is a unit of work executed on a pool worker. The context carries the
// submitter's request_id and is cancelled on forced shutdown.
type Task func(ctx context.Context) (any, error)

// Future is the awaitable handle returned by Submit.
type Future struct {
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

// Wait blocks until the task completes or the context is cancelled.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the task has completed.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) resolve(val any, err error) {
	f.val = val
	f.err = err
	close(f.done)
}

type item struct {
	ctx  context.Context
	fn   Task
	fut  *Future
	seq  uint64
	desc string
}

// Pool runs tasks on a fixed number of workers fed by a bounded FIFO queue.
type Pool struct {
	name    string
	workers int

	queue chan *item
	seq   atomic.Uint64
	wg    sync.WaitGroup

	// submitMu serializes Submit against queue close on shutdown.
	submitMu sync.RWMutex
	closed   bool

	// killCtx cancels in-flight task contexts when a shutdown deadline
	// passes.
	killCtx  context.Context
	killAll  context.CancelFunc
	activeMu sync.Mutex
	active   map[uint64]string

	verbose bool
}

func newPool(name string, workers, queueDepth int, verbose bool) *Pool {
	killCtx, killAll := context.WithCancel(context.Background())
	p := &Pool{
		name:    name,
		workers: workers,
		queue:   make(chan *item, queueDepth),
		killCtx: killCtx,
		killAll: killAll,
		active:  make(map[uint64]string),
		verbose: verbose,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues fn without blocking. A full queue fails fast so the HTTP
// layer can shed load instead of stacking goroutines.
func (p *Pool) Submit(ctx context.Context, desc string, fn Task) (*Future, error) {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.closed {
		return nil, fmt.Errorf("%w: pool %s is shut down", domain.ErrPoolSaturated, p.name)
	}

	it := &item{ctx: ctx, fn: fn, fut: newFuture(), seq: p.seq.Add(1), desc: desc}
	select {
	case p.queue <- it:
	default:
		observability.PoolSaturationTotal.WithLabelValues(p.name).Inc()
		observability.LoggerFromContext(ctx).Warn("pool saturated",
			slog.String("pool", p.name),
			slog.String("task", desc),
			slog.Int("queue_cap", cap(p.queue)))
		return nil, fmt.Errorf("%w: pool %s queue full", domain.ErrPoolSaturated, p.name)
	}
	observability.PoolQueueDepth.WithLabelValues(p.name).Set(float64(len(p.queue)))
	if p.verbose {
		observability.LoggerFromContext(ctx).Debug("task submitted",
			slog.String("pool", p.name),
			slog.Uint64("seq", it.seq),
			slog.String("task", desc),
			slog.Int("queued", len(p.queue)),
			slog.Int("active", p.activeCount()))
	}
	return it.fut, nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for it := range p.queue {
		p.execute(it)
	}
}

func (p *Pool) execute(it *item) {
	observability.PoolQueueDepth.WithLabelValues(p.name).Set(float64(len(p.queue)))
	p.trackStart(it)

	taskCtx, cancel := context.WithCancel(it.ctx)
	stop := context.AfterFunc(p.killCtx, cancel)

	outcome := "ok"
	func() {
		defer func() {
			if r := recover(); r != nil {
				outcome = "panic"
				observability.LoggerFromContext(it.ctx).Error("task panicked",
					slog.String("pool", p.name),
					slog.Uint64("seq", it.seq),
					slog.String("task", it.desc),
					slog.Any("panic", r))
				it.fut.resolve(nil, fmt.Errorf("%w: task %s/%d panicked: %v", domain.ErrInternal, p.name, it.seq, r))
			}
		}()
		val, err := it.fn(taskCtx)
		if err != nil {
			outcome = "error"
			observability.LoggerFromContext(it.ctx).Debug("task failed",
				slog.String("pool", p.name),
				slog.Uint64("seq", it.seq),
				slog.String("task", it.desc),
				slog.String("error", err.Error()))
		}
		it.fut.resolve(val, err)
	}()

	stop()
	cancel()
	p.trackFinish(it)
	observability.PoolTasksTotal.WithLabelValues(p.name, outcome).Inc()
	if p.verbose {
		observability.LoggerFromContext(it.ctx).Debug("task completed",
			slog.String("pool", p.name),
			slog.Uint64("seq", it.seq),
			slog.String("task", it.desc),
			slog.String("outcome", outcome),
			slog.Int("active", p.activeCount()))
	}
}

func (p *Pool) trackStart(it *item) {
	p.activeMu.Lock()
	p.active[it.seq] = it.desc
	n := len(p.active)
	p.activeMu.Unlock()
	observability.PoolActiveWorkers.WithLabelValues(p.name).Set(float64(n))
}

func (p *Pool) trackFinish(it *item) {
	p.activeMu.Lock()
	delete(p.active, it.seq)
	n := len(p.active)
	p.activeMu.Unlock()
	observability.PoolActiveWorkers.WithLabelValues(p.name).Set(float64(n))
}

func (p *Pool) activeCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

func (p *Pool) activeDescriptors() []string {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	out := make([]string, 0, len(p.active))
	for _, d := range p.active {
		out = append(out, d)
	}
	return out
}

// close stops admission and lets workers drain the queue.
func (p *Pool) close() {
	p.submitMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.submitMu.Unlock()
}
