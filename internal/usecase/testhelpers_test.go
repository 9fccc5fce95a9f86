package usecase

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/retriever"
	"github.com/orbit-ai/orbit/internal/service/breaker"
	"github.com/orbit-ai/orbit/internal/service/history"
	"github.com/orbit-ai/orbit/internal/service/workerpool"
)

// fakeLLM serves scripted completions. Chat returns reply; ChatStream plays
// chunks in order. err fails the call itself, streamErr ends the stream
// after the scripted chunks, block keeps the stream open until the caller
// cancels.
type fakeLLM struct {
	reply     string
	chunks    []string
	err       error
	streamErr error
	block     bool

	mu         sync.Mutex
	callCount  int
	lastPrompt []domain.ChatMessage
	lastOpts   domain.GenOptions
}

func (f *fakeLLM) record(messages []domain.ChatMessage, opts domain.GenOptions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	f.lastPrompt = messages
	f.lastOpts = opts
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

func (f *fakeLLM) prompt() []domain.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPrompt
}

func (f *fakeLLM) opts() domain.GenOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOpts
}

func (f *fakeLLM) Chat(_ domain.Context, messages []domain.ChatMessage, opts domain.GenOptions) (string, error) {
	f.record(messages, opts)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeLLM) ChatStream(ctx domain.Context, messages []domain.ChatMessage, opts domain.GenOptions) (<-chan domain.StreamChunk, error) {
	f.record(messages, opts)
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan domain.StreamChunk)
	go func() {
		defer close(out)
		for _, c := range f.chunks {
			select {
			case out <- domain.StreamChunk{Content: c}:
			case <-ctx.Done():
				return
			}
		}
		if f.streamErr != nil {
			select {
			case out <- domain.StreamChunk{Err: f.streamErr}:
			case <-ctx.Done():
			}
			return
		}
		if f.block {
			<-ctx.Done()
		}
	}()
	return out, nil
}

// fakeModerator flags content containing any of the needles. A scripted
// error takes precedence over the verdict.
type fakeModerator struct {
	flagOn     []string
	categories []string
	err        error

	mu      sync.Mutex
	checked []string
}

func (f *fakeModerator) Check(_ domain.Context, content string) (domain.ModerationVerdict, error) {
	f.mu.Lock()
	f.checked = append(f.checked, content)
	f.mu.Unlock()
	if f.err != nil {
		return domain.ModerationVerdict{}, f.err
	}
	for _, n := range f.flagOn {
		if strings.Contains(content, n) {
			cats := f.categories
			if len(cats) == 0 {
				cats = []string{"violence"}
			}
			return domain.ModerationVerdict{Flagged: true, Categories: cats}, nil
		}
	}
	return domain.ModerationVerdict{}, nil
}

func (f *fakeModerator) checks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.checked...)
}

// fakeReranker returns the scripted order, or the input unchanged when no
// order is scripted.
type fakeReranker struct {
	ranked []domain.ContextDocument
	err    error

	mu        sync.Mutex
	callCount int
}

func (f *fakeReranker) Rerank(_ domain.Context, _ string, docs []domain.ContextDocument) ([]domain.ContextDocument, error) {
	f.mu.Lock()
	f.callCount++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.ranked != nil {
		return f.ranked, nil
	}
	return docs, nil
}

func (f *fakeReranker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

// fakeSessionRepo is an in-memory session store.
type fakeSessionRepo struct {
	mu     sync.Mutex
	items  map[string]domain.Session
	getErr error
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{items: map[string]domain.Session{}}
}

func (f *fakeSessionRepo) Create(_ domain.Context, s domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[s.ID] = s
	return nil
}

func (f *fakeSessionRepo) Get(_ domain.Context, id string) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.Session{}, f.getErr
	}
	s, ok := f.items[id]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessionRepo) Touch(_ domain.Context, id string, extendBy time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.ExpiresAt = time.Now().UTC().Add(extendBy)
	f.items[id] = s
	return nil
}

func (f *fakeSessionRepo) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.items[id]
	return ok
}

// fakeTurnRepo stores turns in memory; Recent honors limit and session.
type fakeTurnRepo struct {
	mu        sync.Mutex
	stored    []domain.Turn
	appends   int
	appendErr error
}

func (f *fakeTurnRepo) Append(_ domain.Context, turns []domain.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appends++
	f.stored = append(f.stored, turns...)
	return nil
}

func (f *fakeTurnRepo) Recent(_ domain.Context, sessionID string, limit int) ([]domain.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var turns []domain.Turn
	for _, t := range f.stored {
		if t.SessionID == sessionID {
			turns = append(turns, t)
		}
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (f *fakeTurnRepo) all() []domain.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Turn(nil), f.stored...)
}

func (f *fakeTurnRepo) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appends
}

// stubAdapter is a scriptable retriever instance.
type stubAdapter struct {
	docs []domain.ContextDocument
	meta domain.RetrievalMeta
	err  error

	calls atomic.Int32
}

func (s *stubAdapter) Initialize(domain.Context) error { return nil }
func (s *stubAdapter) Close() error                    { return nil }
func (s *stubAdapter) SetCollection(string) error      { return nil }

func (s *stubAdapter) GetRelevantContext(_ domain.Context, _ string, _ domain.RetrieveOptions) ([]domain.ContextDocument, domain.RetrievalMeta, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, domain.RetrievalMeta{}, s.err
	}
	return s.docs, s.meta, nil
}

func stubFactory(stubs map[string]domain.Retriever) retriever.Factory {
	return func(_ domain.Context, desc domain.AdapterDescriptor, _ *retriever.Registry) (domain.Retriever, error) {
		s, ok := stubs[desc.Name]
		if !ok {
			return nil, fmt.Errorf("no stub for %q", desc.Name)
		}
		return s, nil
	}
}

// flatBudget charges a fixed cost per message so trim positions are exact.
type flatBudget struct{ per int }

func (f flatBudget) Tokens(domain.ChatMessage, string) int { return f.per }

func retrieverDesc(name, prompt string) domain.AdapterDescriptor {
	return domain.AdapterDescriptor{Name: name, Type: domain.AdapterTypeRetriever, SystemPrompt: prompt}
}

func passthroughDesc(name, behavior string) domain.AdapterDescriptor {
	return domain.AdapterDescriptor{
		Name:         name,
		Type:         domain.AdapterTypePassthrough,
		Capabilities: domain.AdapterCapabilities{RetrievalBehavior: behavior},
	}
}

func docWith(adapter, source, content string) domain.ContextDocument {
	return domain.ContextDocument{
		Content:  content,
		Metadata: domain.DocumentMeta{Adapter: adapter, Source: source, Confidence: 0.9},
		Score:    0.9,
	}
}

// pipelineConfig is a full-pipeline configuration sized for tests.
// Moderation is off by default; tests that exercise it flip the toggle.
func pipelineConfig() *config.Config {
	return &config.Config{
		General: config.General{DefaultAdapter: "support"},
		Inference: config.Inference{
			Provider:      config.Provider{Model: "test-model"},
			ContextWindow: 8192,
			MaxTokens:     512,
			Temperature:   0.1,
			StreamBuffer:  8,
		},
		Rerankers:  config.Rerankers{TopN: 10},
		Moderators: config.Moderators{RefusalMessage: "I can't help with that."},
		FaultTolerance: config.FaultTolerance{
			MaxConcurrentAdapters: 4,
			ExecutionStrategy:     "all",
			TotalTimeout:          5 * time.Second,
		},
		ChatHistory: config.ChatHistory{Enabled: true, DefaultLimit: 20, SessionTTL: 24 * time.Hour},
		Pipeline: config.Pipeline{
			SafetyEnabled:    true,
			LangDetect:       true,
			RetrievalEnabled: true,
			RerankEnabled:    false,
			PostValidation:   true,
		},
	}
}

// chatHarness wires a ChatService over scripted providers and in-memory
// stores.
type chatHarness struct {
	cfg       *config.Config
	llm       *fakeLLM
	moderator *fakeModerator
	reranker  *fakeReranker
	sessions  *fakeSessionRepo
	turns     *fakeTurnRepo
	svc       *ChatService
}

func newChatHarness(t *testing.T, cfg *config.Config, stubs map[string]domain.Retriever, descs ...domain.AdapterDescriptor) *chatHarness {
	t.Helper()
	pools := workerpool.NewManager(config.ThreadPools{IO: 4, CPU: 2, Inference: 4, Embedding: 2, DB: 2, QueueDepth: 32}, false, nil)
	t.Cleanup(func() { _ = pools.Shutdown(2 * time.Second) })

	breakers := breaker.NewManager(nil)
	reg := retriever.NewRegistry(stubFactory(stubs), breakers, nil, nil)
	require.NoError(t, reg.Load(descs))

	h := &chatHarness{
		cfg:       cfg,
		llm:       &fakeLLM{reply: "All good."},
		moderator: &fakeModerator{},
		reranker:  &fakeReranker{},
		sessions:  newFakeSessionRepo(),
		turns:     &fakeTurnRepo{},
	}
	hist := history.NewService(cfg.ChatHistory, h.sessions, h.turns, flatBudget{per: 10})
	h.svc = NewChatService(cfg, ChatDeps{
		Registry:  reg,
		Executor:  retriever.NewExecutor(reg, breakers, pools, cfg.FaultTolerance),
		Pools:     pools,
		LLM:       h.llm,
		Moderator: h.moderator,
		Reranker:  h.reranker,
		History:   hist,
		Stops:     NewStopRegistry(),
	})
	return h
}

func userTurn(content string) []domain.ChatMessage {
	return []domain.ChatMessage{{Role: domain.RoleUser, Content: content}}
}

func seedHistory(turns *fakeTurnRepo, sessionID string, pairs int) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < pairs; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		turns.stored = append(turns.stored,
			domain.Turn{SessionID: sessionID, Role: domain.RoleUser, Content: fmt.Sprintf("question %d", i+1), CreatedAt: at},
			domain.Turn{SessionID: sessionID, Role: domain.RoleAssistant, Content: fmt.Sprintf("answer %d", i+1), CreatedAt: at},
		)
	}
}

// drainStream collects chunks until the channel closes.
func drainStream(t *testing.T, ch <-chan domain.StreamChunk) (contents []string, done bool, errs []error) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return contents, done, errs
			}
			switch {
			case c.Err != nil:
				errs = append(errs, c.Err)
			case c.Done:
				done = true
			default:
				contents = append(contents, c.Content)
			}
		case <-deadline:
			t.Fatal("stream did not close")
			return nil, false, nil
		}
	}
}
