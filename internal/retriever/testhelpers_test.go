package retriever

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbit-ai/orbit/internal/adapter/vector/qdrant"
	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/service/breaker"
	"github.com/orbit-ai/orbit/internal/service/workerpool"
)

// stubRetriever is a scriptable adapter instance for registry, executor, and
// composite tests.
type stubRetriever struct {
	docs     []domain.ContextDocument
	meta     domain.RetrievalMeta
	err      error
	initErr  error
	delay    time.Duration
	panicMsg string
	examples []string

	calls  atomic.Int32
	closed atomic.Bool
}

func (s *stubRetriever) Initialize(domain.Context) error { return s.initErr }

func (s *stubRetriever) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *stubRetriever) SetCollection(string) error { return nil }

func (s *stubRetriever) Examples(domain.Context) ([]string, error) { return s.examples, nil }

func (s *stubRetriever) GetRelevantContext(ctx domain.Context, _ string, _ domain.RetrieveOptions) ([]domain.ContextDocument, domain.RetrievalMeta, error) {
	s.calls.Add(1)
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, domain.RetrievalMeta{}, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, domain.RetrievalMeta{}, s.err
	}
	return s.docs, s.meta, nil
}

// stubFactory serves instances from a fixed map; unknown names fail the
// build.
func stubFactory(stubs map[string]domain.Retriever) Factory {
	return func(_ domain.Context, desc domain.AdapterDescriptor, reg *Registry) (domain.Retriever, error) {
		if desc.Implementation == ImplComposite {
			return NewCompositeRetriever(desc.Name, desc.Config, reg)
		}
		s, ok := stubs[desc.Name]
		if !ok {
			return nil, fmt.Errorf("no stub for %q", desc.Name)
		}
		return s, nil
	}
}

func descFor(name, impl string) domain.AdapterDescriptor {
	return domain.AdapterDescriptor{Name: name, Type: domain.AdapterTypeRetriever, Implementation: impl}
}

func docFor(adapter, content string) domain.ContextDocument {
	return domain.ContextDocument{
		Content:  content,
		Metadata: domain.DocumentMeta{Adapter: adapter, Confidence: 0.9},
		Score:    0.9,
	}
}

func newTestPools(t *testing.T) *workerpool.Manager {
	t.Helper()
	pools := workerpool.NewManager(config.ThreadPools{}, false, nil)
	t.Cleanup(func() { _ = pools.Shutdown(2 * time.Second) })
	return pools
}

// harness bundles the registry, breakers, pools, and executor for a batch
// test.
type harness struct {
	reg      *Registry
	breakers *breaker.Manager
	pools    *workerpool.Manager
	exec     *Executor
}

func newHarness(t *testing.T, ft config.FaultTolerance, factory Factory, descs ...domain.AdapterDescriptor) *harness {
	t.Helper()
	pools := newTestPools(t)
	breakers := breaker.NewManager(func(string) config.BreakerPolicy { return ft.BreakerPolicy })
	reg := NewRegistry(factory, breakers, nil, nil)
	require.NoError(t, reg.Load(descs))
	return &harness{
		reg:      reg,
		breakers: breakers,
		pools:    pools,
		exec:     NewExecutor(reg, breakers, pools, ft),
	}
}

// fakeEmbedder returns the same vector for every text and records batches.
type fakeEmbedder struct {
	vec []float32
	err error

	mu      sync.Mutex
	batches [][]string
}

func (f *fakeEmbedder) Embed(_ domain.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batches = append(f.batches, texts)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = f.vec
	}
	return out, nil
}

func (f *fakeEmbedder) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

// fakeBackend is an in-memory VectorBackend recording every call.
type fakeBackend struct {
	points    []qdrant.ScoredPoint
	searchErr error
	ensureErr error

	mu             sync.Mutex
	ensureCalls    int
	ensureName     string
	ensureSize     int
	ensureDistance string
	upsertCalls    int
	upsertVectors  [][]float32
	upsertPayloads []map[string]any
	upsertIDs      []any
	searchCalls    int
	lastCollection string
	lastParams     qdrant.SearchParams
}

func (f *fakeBackend) EnsureCollection(_ domain.Context, name string, vectorSize int, distance string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	f.ensureName = name
	f.ensureSize = vectorSize
	f.ensureDistance = distance
	return f.ensureErr
}

func (f *fakeBackend) UpsertPoints(_ domain.Context, _ string, vectors [][]float32, payloads []map[string]any, ids []any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	f.upsertVectors = vectors
	f.upsertPayloads = payloads
	f.upsertIDs = ids
	return nil
}

func (f *fakeBackend) Search(_ domain.Context, collection string, p qdrant.SearchParams) ([]qdrant.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	f.lastCollection = collection
	f.lastParams = p
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.points, nil
}

// fakeRows is a scriptable RowSource recording statements and bindings.
type fakeRows struct {
	rows []map[string]any
	err  error

	mu     sync.Mutex
	stmts  []string
	args   [][]any
	limits []int
}

func (f *fakeRows) Select(_ domain.Context, sql string, args []any, limit int) ([]map[string]any, error) {
	f.mu.Lock()
	f.stmts = append(f.stmts, sql)
	f.args = append(f.args, args)
	f.limits = append(f.limits, limit)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func (f *fakeRows) lastStmt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.stmts) == 0 {
		return ""
	}
	return f.stmts[len(f.stmts)-1]
}

func (f *fakeRows) lastArgs() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.args) == 0 {
		return nil
	}
	return f.args[len(f.args)-1]
}

// fakeLLM answers every chat with a canned reply.
type fakeLLM struct {
	reply string
	err   error

	mu    sync.Mutex
	calls [][]domain.ChatMessage
}

func (f *fakeLLM) Chat(_ domain.Context, messages []domain.ChatMessage, _ domain.GenOptions) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeLLM) ChatStream(domain.Context, []domain.ChatMessage, domain.GenOptions) (<-chan domain.StreamChunk, error) {
	ch := make(chan domain.StreamChunk, 1)
	ch <- domain.StreamChunk{Content: f.reply, Done: true}
	close(ch)
	return ch, nil
}

// fakeKeys resolves API keys from a fixed map.
type fakeKeys struct {
	recs map[string]domain.APIKeyRecord
}

func (f fakeKeys) Resolve(_ domain.Context, key string) (domain.APIKeyRecord, error) {
	rec, ok := f.recs[key]
	if !ok {
		return domain.APIKeyRecord{}, fmt.Errorf("%w: unknown api key", domain.ErrUnauthorized)
	}
	return rec, nil
}
