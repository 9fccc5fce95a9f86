package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
	"github.com/orbit-ai/orbit/internal/service/breaker"
	"github.com/orbit-ai/orbit/internal/service/workerpool"
)

// Strategy controls how the executor treats a mixed batch of outcomes.
type Strategy string

const (
	// StrategyAll waits for every adapter and returns every result.
	StrategyAll Strategy = "all"
	// StrategyFirstSuccess cancels the rest once one adapter succeeds.
	StrategyFirstSuccess Strategy = "first_success"
	// StrategyBestEffort returns whatever completed inside the total budget.
	StrategyBestEffort Strategy = "best_effort"
)

// ParseStrategy maps a config string onto a Strategy; empty means all.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", string(StrategyAll):
		return StrategyAll, nil
	case string(StrategyFirstSuccess):
		return StrategyFirstSuccess, nil
	case string(StrategyBestEffort):
		return StrategyBestEffort, nil
	}
	return "", fmt.Errorf("%w: unknown execution strategy %q", domain.ErrInvalidArgument, s)
}

// Result outcome kinds. They double as the outcome label on adapter metrics.
const (
	KindOK          = "ok"
	KindError       = "error"
	KindTimeout     = "timeout"
	KindCancelled   = "cancelled"
	KindCircuitOpen = "circuit_open"
	KindSaturated   = "pool_saturated"
	KindNotFound    = "adapter_not_found"
	KindLoadFailed  = "adapter_load_failed"
)

// Result is one adapter's outcome within a batch. The results slice returned
// by Execute matches the request's adapter order regardless of completion
// order.
type Result struct {
	AdapterName string
	Documents   []domain.ContextDocument
	Meta        domain.RetrievalMeta
	Kind        string
	Err         error
	Duration    time.Duration
	// Opts echoes the invocation context so a result row can be correlated
	// with its request in downstream logs.
	Opts domain.RetrieveOptions
}

// Success reports whether the adapter produced a usable result.
func (r Result) Success() bool { return r.Kind == KindOK }

// Request is one parallel retrieval batch.
type Request struct {
	Query    string
	Adapters []string
	// Strategy overrides the executor default when set.
	Strategy Strategy
	Opts     domain.RetrieveOptions
}

// initShare is the fraction of an adapter's op timeout spent resolving the
// instance; the remainder bounds the retrieval call itself.
const initShare = 0.3

// Executor fans a query out across adapters with per-adapter breakers, time
// budgets, and a shared concurrency cap. Breaker bookkeeping happens in the
// task goroutines, once per completed task; cancelled work records nothing.
type Executor struct {
	registry *Registry
	breakers *breaker.Manager
	pools    *workerpool.Manager

	strategy      Strategy
	maxConcurrent int
	totalTimeout  time.Duration
}

// NewExecutor builds an executor from the fault-tolerance settings. The
// strategy string is validated at config load; anything unparsable here
// falls back to all.
func NewExecutor(reg *Registry, breakers *breaker.Manager, pools *workerpool.Manager, cfg config.FaultTolerance) *Executor {
	s, err := ParseStrategy(cfg.ExecutionStrategy)
	if err != nil {
		s = StrategyAll
	}
	maxConc := cfg.MaxConcurrentAdapters
	if maxConc <= 0 {
		maxConc = 8
	}
	total := cfg.TotalTimeout
	if total <= 0 {
		total = 35 * time.Second
	}
	return &Executor{
		registry:      reg,
		breakers:      breakers,
		pools:         pools,
		strategy:      s,
		maxConcurrent: maxConc,
		totalTimeout:  total,
	}
}

type indexed struct {
	idx int
	res Result
}

// Execute runs the batch and returns one result per requested adapter, in
// request order. Per-adapter failures live in the results; the returned
// error covers only an unrunnable request.
func (e *Executor) Execute(ctx domain.Context, req Request) ([]Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrInvalidArgument)
	}
	if len(req.Adapters) == 0 {
		return nil, fmt.Errorf("%w: no adapters selected", domain.ErrInvalidArgument)
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = e.strategy
	}

	start := time.Now()
	outer, cancelOuter := context.WithTimeout(ctx, e.totalTimeout)
	defer cancelOuter()
	// runCtx separates a strategy cancellation (Canceled) from the shared
	// deadline (DeadlineExceeded) so tasks can classify their own demise.
	runCtx, cancelRun := context.WithCancel(outer)
	defer cancelRun()

	sem := semaphore.NewWeighted(int64(e.maxConcurrent))
	// Buffered to the batch size so late finishers never block after the
	// collector has moved on.
	done := make(chan indexed, len(req.Adapters))
	for i, name := range req.Adapters {
		go func(idx int, name string) {
			done <- indexed{idx: idx, res: e.runAdapter(runCtx, sem, strategy, name, req)}
		}(i, name)
	}

	results := make([]Result, len(req.Adapters))
	outstanding := len(req.Adapters)
collect:
	for outstanding > 0 {
		select {
		case a := <-done:
			outstanding--
			results[a.idx] = a.res
			if strategy == StrategyFirstSuccess && a.res.Success() {
				// Losers unwind as cancelled; keep collecting so their rows
				// report what actually happened.
				cancelRun()
			}
		case <-outer.Done():
			break collect
		}
	}
	if outstanding > 0 {
		cancelRun()
		fillOutstanding(results, req.Adapters, strategy)
	}
	for i := range results {
		results[i].Opts = req.Opts
	}

	log := observability.LoggerFromContext(ctx)
	ok := 0
	for _, r := range results {
		if r.Success() {
			ok++
		}
	}
	log.Info("parallel retrieval complete",
		slog.String("strategy", string(strategy)),
		slog.Int("adapters", len(req.Adapters)),
		slog.Int("succeeded", ok),
		slog.Int("unfinished", outstanding),
		slog.Duration("duration", time.Since(start)),
		slog.String("request_id", req.Opts.RequestID))
	return results, nil
}

// runAdapter executes one adapter end to end: breaker gate, concurrency
// slot, init budget, pooled retrieval, breaker record.
func (e *Executor) runAdapter(ctx domain.Context, sem *semaphore.Weighted, strategy Strategy, name string, req Request) Result {
	start := time.Now()

	desc, found := e.registry.Descriptor(name)
	if !found {
		observability.ObserveAdapterCall(name, KindNotFound, start)
		return Result{
			AdapterName: name,
			Kind:        KindNotFound,
			Err:         fmt.Errorf("%w: %q", domain.ErrAdapterNotFound, name),
			Duration:    time.Since(start),
		}
	}

	br := e.breakers.Get(name)
	if br.IsOpen() {
		// Synthetic result; no pool work, no breaker record.
		observability.ObserveAdapterCall(name, KindCircuitOpen, start)
		return Result{
			AdapterName: name,
			Kind:        KindCircuitOpen,
			Err:         fmt.Errorf("%w: adapter %q", domain.ErrCircuitOpen, name),
			Duration:    time.Since(start),
		}
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return e.failed(ctx, strategy, br, name, start, err)
	}
	defer sem.Release(1)

	budget := br.OpTimeout()
	initBudget := time.Duration(float64(budget) * initShare)

	initCtx, cancelInit := context.WithTimeout(ctx, initBudget)
	inst, err := e.registry.Get(initCtx, name)
	initTimedOut := initCtx.Err() != nil && ctx.Err() == nil
	cancelInit()
	if err != nil {
		if initTimedOut {
			// The load error carries no deadline sentinel; restore one so
			// the slice exhaustion classifies as a timeout.
			err = fmt.Errorf("initialize %q: %w", name, context.DeadlineExceeded)
		}
		return e.failed(ctx, strategy, br, name, start, err)
	}

	execCtx, cancelExec := context.WithTimeout(ctx, budget-initBudget)
	defer cancelExec()

	type retrieval struct {
		docs []domain.ContextDocument
		meta domain.RetrievalMeta
	}
	val, err := e.pools.Run(execCtx, poolFor(desc), "retrieve:"+name, func(taskCtx context.Context) (any, error) {
		docs, meta, rerr := inst.GetRelevantContext(taskCtx, req.Query, req.Opts)
		if rerr != nil {
			return nil, rerr
		}
		return retrieval{docs: docs, meta: meta}, nil
	})
	if err != nil {
		return e.failed(ctx, strategy, br, name, start, err)
	}

	ret := val.(retrieval)
	br.RecordSuccess()
	observability.ObserveAdapterCall(name, KindOK, start)
	return Result{
		AdapterName: name,
		Documents:   ret.docs,
		Meta:        ret.meta,
		Kind:        KindOK,
		Duration:    time.Since(start),
	}
}

// failed classifies one failure, records it on the breaker when it counts,
// and builds the result row.
func (e *Executor) failed(runCtx domain.Context, strategy Strategy, br *breaker.Breaker, name string, start time.Time, err error) Result {
	kind := classify(strategy, runCtx, err)
	switch kind {
	case KindTimeout:
		br.RecordTimeout()
		if !errors.Is(err, domain.ErrTimeout) {
			err = fmt.Errorf("%w: %v", domain.ErrTimeout, err)
		}
	case KindError:
		br.RecordFailure()
	}
	observability.ObserveAdapterCall(name, kind, start)
	return Result{
		AdapterName: name,
		Kind:        kind,
		Err:         fmt.Errorf("adapter %q: %w", name, err),
		Duration:    time.Since(start),
	}
}

// classify maps an error onto a result kind. Only KindTimeout and KindError
// reach the breaker; everything else is either synthetic or outside the
// adapter's control.
func classify(strategy Strategy, runCtx domain.Context, err error) string {
	switch {
	case errors.Is(err, domain.ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, domain.ErrAdapterNotFound):
		return KindNotFound
	case errors.Is(err, domain.ErrAdapterLoad):
		return KindLoadFailed
	case errors.Is(err, domain.ErrPoolSaturated):
		return KindSaturated
	}

	timedOut := errors.Is(err, domain.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
	if errors.Is(err, context.Canceled) && !timedOut {
		if runCtx.Err() != context.DeadlineExceeded {
			return KindCancelled
		}
		timedOut = true
	}
	if timedOut {
		// Under best effort the shared budget ending the run is not the
		// adapter's fault.
		if strategy == StrategyBestEffort && runCtx.Err() != nil {
			return KindCancelled
		}
		return KindTimeout
	}
	return KindError
}

// fillOutstanding writes rows for adapters that had not reported when the
// total budget expired. Their goroutines still unwind and do their own
// breaker bookkeeping; only the row is synthesized here.
func fillOutstanding(results []Result, names []string, strategy Strategy) {
	kind, cause := KindTimeout, error(domain.ErrTimeout)
	switch strategy {
	case StrategyBestEffort:
		kind, cause = KindCancelled, context.Canceled
	case StrategyFirstSuccess:
		for _, r := range results {
			if r.Success() {
				kind, cause = KindCancelled, context.Canceled
				break
			}
		}
	}
	for i := range results {
		if results[i].AdapterName != "" {
			continue
		}
		results[i] = Result{
			AdapterName: names[i],
			Kind:        kind,
			Err:         fmt.Errorf("adapter %q: %w", names[i], cause),
		}
	}
}

// poolFor picks the execution pool by workload class.
func poolFor(desc domain.AdapterDescriptor) string {
	if desc.Implementation == ImplSQL {
		return workerpool.PoolDB
	}
	return workerpool.PoolIO
}

// Combine merges the successful results in adapter order into one document
// list with folded accounting.
func Combine(results []Result) ([]domain.ContextDocument, domain.RetrievalMeta) {
	var docs []domain.ContextDocument
	var meta domain.RetrievalMeta
	for _, r := range results {
		if !r.Success() {
			continue
		}
		docs = append(docs, r.Documents...)
		meta.Merge(r.Meta)
	}
	return docs, meta
}
