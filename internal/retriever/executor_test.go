package retriever

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/service/breaker"
)

func defaultFT() config.FaultTolerance {
	return config.FaultTolerance{
		BreakerPolicy: config.BreakerPolicy{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			RecoveryTimeout:  60 * time.Second,
			OpTimeout:        5 * time.Second,
		},
		MaxConcurrentAdapters: 8,
		ExecutionStrategy:     "all",
		TotalTimeout:          10 * time.Second,
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Strategy{
		"":              StrategyAll,
		"all":           StrategyAll,
		"first_success": StrategyFirstSuccess,
		"best_effort":   StrategyBestEffort,
	} {
		got, err := ParseStrategy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseStrategy("fastest")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestExecuteValidatesRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultFT(), stubFactory(nil))

	_, err := h.exec.Execute(context.Background(), Request{Query: "  ", Adapters: []string{"a"}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = h.exec.Execute(context.Background(), Request{Query: "q"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestExecuteResultsKeepRequestOrder(t *testing.T) {
	t.Parallel()
	stubs := map[string]domain.Retriever{
		"slow":   &stubRetriever{delay: 60 * time.Millisecond, docs: []domain.ContextDocument{docFor("slow", "s")}},
		"medium": &stubRetriever{delay: 30 * time.Millisecond, docs: []domain.ContextDocument{docFor("medium", "m")}},
		"fast":   &stubRetriever{docs: []domain.ContextDocument{docFor("fast", "f")}},
	}
	h := newHarness(t, defaultFT(), stubFactory(stubs),
		descFor("slow", ImplHTTP), descFor("medium", ImplHTTP), descFor("fast", ImplHTTP))

	opts := domain.RetrieveOptions{RequestID: "req-7", SessionID: "sess-7"}
	results, err := h.exec.Execute(context.Background(), Request{Query: "q", Adapters: []string{"slow", "medium", "fast"}, Opts: opts})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "slow", results[0].AdapterName)
	assert.Equal(t, "medium", results[1].AdapterName)
	assert.Equal(t, "fast", results[2].AdapterName)
	for _, r := range results {
		assert.True(t, r.Success())
		assert.Len(t, r.Documents, 1)
		assert.Equal(t, opts, r.Opts)
	}
}

func TestExecuteRecordsSuccessAndFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("backend exploded")
	stubs := map[string]domain.Retriever{
		"good": &stubRetriever{docs: []domain.ContextDocument{docFor("good", "g")}},
		"bad":  &stubRetriever{err: boom},
	}
	h := newHarness(t, defaultFT(), stubFactory(stubs), descFor("good", ImplHTTP), descFor("bad", ImplHTTP))

	results, err := h.exec.Execute(context.Background(), Request{Query: "q", Adapters: []string{"good", "bad"}})
	require.NoError(t, err)

	assert.Equal(t, KindOK, results[0].Kind)
	assert.Equal(t, KindError, results[1].Kind)
	assert.ErrorIs(t, results[1].Err, boom)

	good := h.breakers.Get("good").Snapshot()
	assert.Equal(t, uint64(1), good.TotalCalls)
	assert.Equal(t, uint64(0), good.FailedCalls)

	bad := h.breakers.Get("bad").Snapshot()
	assert.Equal(t, uint64(1), bad.FailedCalls)
	assert.Equal(t, uint64(0), bad.TimeoutCalls)
}

func TestExecuteUnknownAdapter(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultFT(), stubFactory(nil))

	results, err := h.exec.Execute(context.Background(), Request{Query: "q", Adapters: []string{"ghost"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, KindNotFound, results[0].Kind)
	assert.ErrorIs(t, results[0].Err, domain.ErrAdapterNotFound)
}

func TestExecuteOpenBreakerShortCircuits(t *testing.T) {
	t.Parallel()
	stub := &stubRetriever{docs: []domain.ContextDocument{docFor("docs", "d")}}
	h := newHarness(t, defaultFT(), stubFactory(map[string]domain.Retriever{"docs": stub}), descFor("docs", ImplHTTP))

	h.breakers.Get("docs").ForceOpen()
	before := h.breakers.Get("docs").Snapshot().TotalCalls

	results, err := h.exec.Execute(context.Background(), Request{Query: "q", Adapters: []string{"docs"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, KindCircuitOpen, results[0].Kind)
	assert.ErrorIs(t, results[0].Err, domain.ErrCircuitOpen)

	// Synthetic: the adapter never ran and the breaker saw no call.
	assert.Equal(t, int32(0), stub.calls.Load())
	assert.Equal(t, before, h.breakers.Get("docs").Snapshot().TotalCalls)
}

func TestExecuteLoadFailureOpensBreaker(t *testing.T) {
	t.Parallel()
	// Factory knows no stub for the name, so the build fails.
	h := newHarness(t, defaultFT(), stubFactory(nil), descFor("broken", ImplHTTP))

	results, err := h.exec.Execute(context.Background(), Request{Query: "q", Adapters: []string{"broken"}})
	require.NoError(t, err)
	assert.Equal(t, KindLoadFailed, results[0].Kind)
	assert.ErrorIs(t, results[0].Err, domain.ErrAdapterLoad)
	assert.Equal(t, breaker.StateOpen, h.breakers.Get("broken").State())

	// The forced-open breaker now short-circuits the next batch.
	results, err = h.exec.Execute(context.Background(), Request{Query: "q", Adapters: []string{"broken"}})
	require.NoError(t, err)
	assert.Equal(t, KindCircuitOpen, results[0].Kind)
}

func TestExecuteOpTimeoutRecorded(t *testing.T) {
	t.Parallel()
	ft := defaultFT()
	ft.BreakerPolicy.OpTimeout = 200 * time.Millisecond

	stub := &stubRetriever{delay: 5 * time.Second}
	h := newHarness(t, ft, stubFactory(map[string]domain.Retriever{"laggy": stub}), descFor("laggy", ImplHTTP))

	results, err := h.exec.Execute(context.Background(), Request{Query: "q", Adapters: []string{"laggy"}})
	require.NoError(t, err)
	assert.Equal(t, KindTimeout, results[0].Kind)

	snap := h.breakers.Get("laggy").Snapshot()
	assert.Equal(t, uint64(1), snap.TimeoutCalls)
}

func TestExecuteFirstSuccessCancelsLosers(t *testing.T) {
	t.Parallel()
	ft := defaultFT()
	ft.ExecutionStrategy = "first_success"

	fast := &stubRetriever{docs: []domain.ContextDocument{docFor("fast", "f")}}
	slow := &stubRetriever{delay: 5 * time.Second, docs: []domain.ContextDocument{docFor("slow", "s")}}
	h := newHarness(t, ft, stubFactory(map[string]domain.Retriever{"fast": fast, "slow": slow}),
		descFor("fast", ImplHTTP), descFor("slow", ImplHTTP))

	start := time.Now()
	results, err := h.exec.Execute(context.Background(), Request{Query: "q", Adapters: []string{"slow", "fast"}})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	require.Len(t, results, 2)
	assert.Equal(t, KindCancelled, results[0].Kind)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
	assert.Equal(t, KindOK, results[1].Kind)

	// A cancelled loser is not a failure of the adapter.
	slowSnap := h.breakers.Get("slow").Snapshot()
	assert.Equal(t, uint64(0), slowSnap.FailedCalls)
	assert.Equal(t, uint64(0), slowSnap.TimeoutCalls)
}

func TestExecuteTotalBudgetAllMarksTimeout(t *testing.T) {
	t.Parallel()
	ft := defaultFT()
	ft.TotalTimeout = 150 * time.Millisecond
	ft.BreakerPolicy.OpTimeout = 10 * time.Second

	stub := &stubRetriever{delay: 5 * time.Second}
	h := newHarness(t, ft, stubFactory(map[string]domain.Retriever{"glacial": stub}), descFor("glacial", ImplHTTP))

	results, err := h.exec.Execute(context.Background(), Request{Query: "q", Adapters: []string{"glacial"}})
	require.NoError(t, err)
	assert.Equal(t, KindTimeout, results[0].Kind)
	assert.ErrorIs(t, results[0].Err, domain.ErrTimeout)

	// The unwinding goroutine still records the timeout on the breaker.
	require.Eventually(t, func() bool {
		return h.breakers.Get("glacial").Snapshot().TimeoutCalls == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteTotalBudgetBestEffortIsNeutral(t *testing.T) {
	t.Parallel()
	ft := defaultFT()
	ft.ExecutionStrategy = "best_effort"
	ft.TotalTimeout = 150 * time.Millisecond
	ft.BreakerPolicy.OpTimeout = 10 * time.Second

	done := &stubRetriever{docs: []domain.ContextDocument{docFor("done", "d")}}
	stuck := &stubRetriever{delay: 5 * time.Second}
	h := newHarness(t, ft, stubFactory(map[string]domain.Retriever{"done": done, "stuck": stuck}),
		descFor("done", ImplHTTP), descFor("stuck", ImplHTTP))

	results, err := h.exec.Execute(context.Background(), Request{Query: "q", Adapters: []string{"done", "stuck"}})
	require.NoError(t, err)
	assert.Equal(t, KindOK, results[0].Kind)
	assert.Equal(t, KindCancelled, results[1].Kind)
}

func TestExecutePanicIsolated(t *testing.T) {
	t.Parallel()
	stubs := map[string]domain.Retriever{
		"bomb":   &stubRetriever{panicMsg: "kaboom"},
		"steady": &stubRetriever{docs: []domain.ContextDocument{docFor("steady", "ok")}},
	}
	h := newHarness(t, defaultFT(), stubFactory(stubs), descFor("bomb", ImplHTTP), descFor("steady", ImplHTTP))

	results, err := h.exec.Execute(context.Background(), Request{Query: "q", Adapters: []string{"bomb", "steady"}})
	require.NoError(t, err)
	assert.Equal(t, KindError, results[0].Kind)
	assert.ErrorIs(t, results[0].Err, domain.ErrInternal)
	assert.Equal(t, KindOK, results[1].Kind)
}

func TestClassify(t *testing.T) {
	t.Parallel()
	live := context.Background()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	expired, cancelExpired := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancelExpired()
	<-expired.Done()

	cases := []struct {
		name     string
		strategy Strategy
		ctx      context.Context
		err      error
		want     string
	}{
		{"circuit open", StrategyAll, live, domain.ErrCircuitOpen, KindCircuitOpen},
		{"not found", StrategyAll, live, domain.ErrAdapterNotFound, KindNotFound},
		{"load failed", StrategyAll, live, domain.ErrAdapterLoad, KindLoadFailed},
		{"saturated", StrategyAll, live, domain.ErrPoolSaturated, KindSaturated},
		{"plain failure", StrategyAll, live, errors.New("boom"), KindError},
		{"op timeout", StrategyAll, live, context.DeadlineExceeded, KindTimeout},
		{"timeout sentinel", StrategyAll, live, domain.ErrTimeout, KindTimeout},
		{"strategy cancel", StrategyFirstSuccess, cancelled, context.Canceled, KindCancelled},
		{"deadline cancel", StrategyAll, expired, context.Canceled, KindTimeout},
		{"best effort shared deadline", StrategyBestEffort, expired, context.DeadlineExceeded, KindCancelled},
		{"best effort own timeout", StrategyBestEffort, live, context.DeadlineExceeded, KindTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, classify(tc.strategy, tc.ctx, tc.err))
		})
	}
}

func TestCombine(t *testing.T) {
	t.Parallel()
	results := []Result{
		{AdapterName: "a", Kind: KindOK,
			Documents: []domain.ContextDocument{docFor("a", "one")},
			Meta:      domain.RetrievalMeta{ResultCount: 1, TotalAvailable: 4, Truncated: true}},
		{AdapterName: "b", Kind: KindError, Err: errors.New("down")},
		{AdapterName: "c", Kind: KindOK,
			Documents: []domain.ContextDocument{docFor("c", "two"), docFor("c", "three")},
			Meta:      domain.RetrievalMeta{ResultCount: 2, TotalAvailable: 2}},
	}

	docs, meta := Combine(results)
	require.Len(t, docs, 3)
	assert.Equal(t, "one", docs[0].Content)
	assert.Equal(t, "two", docs[1].Content)
	assert.Equal(t, 3, meta.ResultCount)
	assert.Equal(t, 6, meta.TotalAvailable)
	assert.True(t, meta.Truncated)
}
