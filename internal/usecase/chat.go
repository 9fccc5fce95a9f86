// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/orbit-ai/orbit/internal/adapter/ai/tokencount"
	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/retriever"
	"github.com/orbit-ai/orbit/internal/service/history"
	"github.com/orbit-ai/orbit/internal/service/workerpool"
	"github.com/orbit-ai/orbit/pkg/textx"
)

// Pipeline step names as they appear in recorded errors and logs.
const (
	StepSafety         = "safety"
	StepLanguage       = "language_detection"
	StepRetrieval      = "retrieval"
	StepRerank         = "rerank"
	StepInference      = "inference"
	StepPostValidation = "post_validation"
)

// Error kinds recorded by pipeline steps.
const (
	KindModerationUnsafe      = "moderation_unsafe"
	KindModerationUnavailable = "moderation_unavailable"
	KindUpstream              = "upstream"
	KindHistory               = "history"
	KindExecutor              = "executor"
)

const defaultSystemPrompt = "You are a helpful assistant. Answer from the provided context when it is relevant and say when it is not sufficient."

// ChatDeps bundles the collaborators of the pipeline engine.
type ChatDeps struct {
	Registry  *retriever.Registry
	Executor  *retriever.Executor
	Pools     *workerpool.Manager
	LLM       domain.LLMClient
	Moderator domain.Moderator
	Reranker  domain.Reranker
	History   *history.Service
	Stops     *StopRegistry
}

// ChatService runs the six-step chat pipeline: safety, language detection,
// retrieval, rerank, inference, post-validation. Step failures accumulate on
// the ProcessingContext; only a safety verdict or a dead provider stops the
// request.
type ChatService struct {
	cfg       *config.Config
	registry  *retriever.Registry
	executor  *retriever.Executor
	pools     *workerpool.Manager
	llm       domain.LLMClient
	moderator domain.Moderator
	reranker  domain.Reranker
	history   *history.Service
	stops     *StopRegistry
	budget    history.BudgetPolicy
}

// NewChatService constructs the pipeline engine.
func NewChatService(cfg *config.Config, deps ChatDeps) *ChatService {
	if deps.Stops == nil {
		deps.Stops = NewStopRegistry()
	}
	budget := history.BudgetPolicy(nil)
	if deps.History != nil {
		budget = deps.History.Budget()
	}
	if budget == nil {
		budget = history.NewTiktokenPolicy()
	}
	return &ChatService{
		cfg:       cfg,
		registry:  deps.Registry,
		executor:  deps.Executor,
		pools:     deps.Pools,
		llm:       deps.LLM,
		moderator: deps.Moderator,
		reranker:  deps.Reranker,
		history:   deps.History,
		stops:     deps.Stops,
		budget:    budget,
	}
}

// Stops exposes the stop registry shared with the stop endpoint.
func (s *ChatService) Stops() *StopRegistry { return s.stops }

// ChatRequest is one validated chat invocation. AdapterName comes from the
// API-key binding; Messages is the client transcript whose final entry is
// the current user turn.
type ChatRequest struct {
	RequestID   string
	SessionID   string
	UserID      string
	Fingerprint string
	AdapterName string
	Messages    []domain.ChatMessage
	FileIDs     []string
}

// Refused reports whether the response content was replaced by a moderation
// refusal at either validation stage.
func Refused(p *domain.ProcessingContext) bool {
	for _, e := range p.Errors {
		if e.Kind == KindModerationUnsafe {
			return true
		}
	}
	return false
}

// Chat runs the pipeline to completion and returns the processing context
// carrying the response, the retrieval accounting, and every recorded step
// error. The returned error is reserved for conditions that map to a
// non-200 status; moderation refusals return normally with refusal content.
func (s *ChatService) Chat(ctx domain.Context, req ChatRequest) (*domain.ProcessingContext, error) {
	pctx, clientContext, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := s.stops.Register(pctx.SessionID, cancel)
	defer release()

	start := time.Now()
	if s.advance(runCtx, pctx) {
		if err := s.runInference(runCtx, pctx, clientContext); err != nil {
			s.logOutcome(ctx, pctx, start)
			return pctx, err
		}
		s.runPostValidation(runCtx, pctx)
		s.persistExchange(runCtx, pctx)
	} else {
		pctx.LLMResponse = s.refusal()
	}
	s.logOutcome(ctx, pctx, start)
	return pctx, nil
}

// prepare validates the request and assembles the processing context. The
// client-supplied prior messages are returned separately; they stand in for
// server history when none is available.
func (s *ChatService) prepare(ctx domain.Context, req ChatRequest) (*domain.ProcessingContext, []domain.ChatMessage, error) {
	if s.cfg.General.SessionRequired && req.SessionID == "" {
		return nil, nil, fmt.Errorf("%w: X-Session-ID required", domain.ErrMissingSession)
	}
	message, clientContext, err := splitMessages(req.Messages)
	if err != nil {
		return nil, nil, err
	}

	pctx := &domain.ProcessingContext{
		RequestID:         req.RequestID,
		SessionID:         req.SessionID,
		UserID:            req.UserID,
		APIKeyFingerprint: req.Fingerprint,
		AdapterName:       req.AdapterName,
		Message:           message,
		FileIDs:           req.FileIDs,
	}
	if pctx.AdapterName == "" {
		pctx.AdapterName = s.cfg.General.DefaultAdapter
	}
	if !s.cfg.General.InferenceOnly {
		desc, ok := s.registry.Descriptor(pctx.AdapterName)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %q", domain.ErrAdapterNotFound, pctx.AdapterName)
		}
		pctx.SystemPrompt = desc.SystemPrompt
	}
	if pctx.SessionID != "" && s.history != nil {
		if _, err := s.history.EnsureSession(ctx, pctx.SessionID, pctx.UserID); err != nil {
			return nil, nil, err
		}
	}

	if s.cfg.General.Verbose {
		slog.DebugContext(ctx, "chat request",
			slog.String("request_id", pctx.RequestID),
			slog.String("adapter", pctx.AdapterName),
			slog.String("message", pctx.Message))
	}
	return pctx, clientContext, nil
}

// splitMessages extracts the current user turn and the prior client
// transcript. Only user and assistant roles survive as context; the server
// owns the system prompt.
func splitMessages(msgs []domain.ChatMessage) (string, []domain.ChatMessage, error) {
	if len(msgs) == 0 {
		return "", nil, fmt.Errorf("%w: messages required", domain.ErrInvalidArgument)
	}
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleUser || strings.TrimSpace(last.Content) == "" {
		return "", nil, fmt.Errorf("%w: last message must be a non-empty user turn", domain.ErrInvalidArgument)
	}
	var prior []domain.ChatMessage
	for _, m := range msgs[:len(msgs)-1] {
		if m.Role == domain.RoleUser || m.Role == domain.RoleAssistant {
			prior = append(prior, m)
		}
	}
	return strings.TrimSpace(last.Content), prior, nil
}

// advance runs the pre-inference steps and reports whether the pipeline may
// proceed to the model call.
func (s *ChatService) advance(ctx domain.Context, pctx *domain.ProcessingContext) bool {
	s.runSafety(ctx, pctx)
	if pctx.Terminal() {
		return false
	}
	s.runLanguage(pctx)
	s.runRetrieval(ctx, pctx)
	s.runRerank(ctx, pctx)
	return !pctx.Terminal()
}

// buildPrompt assembles [system, history window, retrieval block, user]. The
// history window gets whatever token room the fixed parts leave within the
// model context, newest turns first.
func (s *ChatService) buildPrompt(ctx domain.Context, pctx *domain.ProcessingContext, clientContext []domain.ChatMessage) []domain.ChatMessage {
	system := s.systemPrompt(pctx)
	user := pctx.Message
	if s.cfg.General.InferenceOnly {
		if d := s.languageDirective(pctx); d != "" {
			user = user + "\n\n" + d
		}
	}

	systemMsg := domain.ChatMessage{Role: domain.RoleSystem, Content: system}
	blockMsg := domain.ChatMessage{Role: domain.RoleSystem, Content: s.retrievalBlock(pctx)}
	userMsg := domain.ChatMessage{Role: domain.RoleUser, Content: user}

	fixed := make([]domain.ChatMessage, 0, 3)
	if systemMsg.Content != "" {
		fixed = append(fixed, systemMsg)
	}
	if blockMsg.Content != "" {
		fixed = append(fixed, blockMsg)
	}
	fixed = append(fixed, userMsg)

	model := s.cfg.Inference.Model
	budget := s.cfg.Inference.ContextWindow - s.cfg.Inference.MaxTokens - s.promptTokens(fixed, model)
	window := s.historyWindow(ctx, pctx, clientContext, model, budget)
	pctx.History = window

	prompt := make([]domain.ChatMessage, 0, len(fixed)+len(window))
	if systemMsg.Content != "" {
		prompt = append(prompt, systemMsg)
	}
	prompt = append(prompt, window...)
	if blockMsg.Content != "" {
		prompt = append(prompt, blockMsg)
	}
	return append(prompt, userMsg)
}

// historyWindow prefers the server-side store; without one the client's own
// transcript fills the window under the same token budget.
func (s *ChatService) historyWindow(ctx domain.Context, pctx *domain.ProcessingContext, clientContext []domain.ChatMessage, model string, budget int) []domain.ChatMessage {
	if budget <= 0 {
		return nil
	}
	if s.history != nil && s.history.Enabled() && pctx.SessionID != "" {
		window, _, err := s.history.Window(ctx, pctx.SessionID, model, budget)
		if err != nil {
			pctx.RecordError(StepInference, KindHistory, err.Error(), false)
			return nil
		}
		return window
	}
	window, _ := history.TrimToBudget(s.budget, clientContext, model, budget)
	return window
}

// systemPrompt returns the conversation frame for full mode. Adapters with
// their own prompt keep it verbatim; the built-in default absorbs the
// language directive.
func (s *ChatService) systemPrompt(pctx *domain.ProcessingContext) string {
	if s.cfg.General.InferenceOnly {
		return ""
	}
	if pctx.SystemPrompt != "" {
		return pctx.SystemPrompt
	}
	prompt := defaultSystemPrompt
	if d := s.languageDirective(pctx); d != "" {
		prompt = prompt + "\n\n" + d
	}
	return prompt
}

// retrievalBlock renders retrieved documents for the prompt. A truncated
// result set leads with the notice so the model can tell the user more rows
// exist.
func (s *ChatService) retrievalBlock(pctx *domain.ProcessingContext) string {
	if len(pctx.RetrievedDocs) == 0 {
		return ""
	}
	var b strings.Builder
	if pctx.RetrievalMeta.Truncated {
		fmt.Fprintf(&b, "NOTE: Showing %d of %d total results. Ask a more specific question to see the rest.\n\n",
			pctx.RetrievalMeta.ResultCount, pctx.RetrievalMeta.TotalAvailable)
	}
	b.WriteString("Context:")
	for i, d := range pctx.RetrievedDocs {
		fmt.Fprintf(&b, "\n\n[%d]", i+1)
		if d.Metadata.Source != "" {
			fmt.Fprintf(&b, " (source: %s)", d.Metadata.Source)
		}
		b.WriteString("\n")
		b.WriteString(textx.SanitizeText(d.Content))
	}
	return b.String()
}

func (s *ChatService) promptTokens(msgs []domain.ChatMessage, model string) int {
	n, err := tokencount.DefaultCounter.CountMessages(msgs, model)
	if err != nil {
		n = 0
		for _, m := range msgs {
			n += tokencount.EstimateTokens(m.Content) + 4
		}
	}
	return n
}

func (s *ChatService) genOptions() domain.GenOptions {
	return domain.GenOptions{
		Model:       s.cfg.Inference.Model,
		MaxTokens:   s.cfg.Inference.MaxTokens,
		Temperature: s.cfg.Inference.Temperature,
	}
}

func (s *ChatService) refusal() string {
	if s.cfg.Moderators.RefusalMessage != "" {
		return s.cfg.Moderators.RefusalMessage
	}
	return "I'm sorry, but I can't help with that request."
}

// persistExchange appends the completed user+assistant pair. A write failure
// is recorded, never fatal; the response has already been produced.
func (s *ChatService) persistExchange(ctx domain.Context, pctx *domain.ProcessingContext) {
	if s.history == nil || pctx.SessionID == "" || pctx.LLMResponse == "" || ctx.Err() != nil {
		return
	}
	meta := domain.TurnMeta{FileIDs: pctx.FileIDs}
	if pctx.AdapterName != "" {
		meta.AdaptersUsed = []string{pctx.AdapterName}
	}
	if err := s.history.AppendExchange(ctx, pctx.SessionID, pctx.Message, pctx.LLMResponse, meta); err != nil {
		pctx.RecordError(StepInference, KindHistory, err.Error(), false)
		slog.WarnContext(ctx, "history append failed",
			slog.String("request_id", pctx.RequestID),
			slog.String("session_id", pctx.SessionID),
			slog.Any("error", err))
	}
}

func (s *ChatService) logOutcome(ctx domain.Context, pctx *domain.ProcessingContext, start time.Time) {
	slog.InfoContext(ctx, "pipeline complete",
		slog.String("request_id", pctx.RequestID),
		slog.String("adapter", pctx.AdapterName),
		slog.String("language", pctx.DetectedLanguage),
		slog.Any("retrieval_meta", pctx.RetrievalMeta),
		slog.Int("errors", len(pctx.Errors)),
		slog.Bool("refused", Refused(pctx)),
		slog.Duration("duration", time.Since(start)))
}

// poolRun schedules fn on the named pool and types its result.
func poolRun[T any](ctx domain.Context, pools *workerpool.Manager, pool, desc string, fn func(domain.Context) (T, error)) (T, error) {
	var zero T
	out, err := pools.Run(ctx, pool, desc, func(c context.Context) (any, error) {
		return fn(c)
	})
	if err != nil {
		return zero, err
	}
	v, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("%w: unexpected %s task result %T", domain.ErrInternal, desc, out)
	}
	return v, nil
}
