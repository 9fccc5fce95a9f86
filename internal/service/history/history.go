// Package history keeps per-session conversation state: session lifecycle,
// atomic user+assistant appends, and read-time windows trimmed to a model's
// token budget. Storage itself is append-only; trimming only narrows what a
// single read returns.
package history

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orbit-ai/orbit/internal/adapter/ai/tokencount"
	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
)

// BudgetPolicy estimates the token cost of one message for a model. Window
// admission uses it to decide how much history fits the prompt.
type BudgetPolicy interface {
	Tokens(msg domain.ChatMessage, model string) int
}

// perMessageOverhead approximates the chat framing tokens that wrap each
// message on OpenAI-style APIs.
const perMessageOverhead = 4

// TiktokenPolicy counts tokens with the model's tiktoken encoding and falls
// back to a bytes/4 estimate when no encoding can be loaded.
type TiktokenPolicy struct {
	counter *tokencount.Counter
}

// NewTiktokenPolicy returns a policy with its own encoding cache.
func NewTiktokenPolicy() *TiktokenPolicy {
	return &TiktokenPolicy{counter: tokencount.NewCounter()}
}

// Tokens implements BudgetPolicy.
func (p *TiktokenPolicy) Tokens(msg domain.ChatMessage, model string) int {
	n, err := p.counter.CountTokens(msg.Content, model)
	if err != nil {
		n = tokencount.EstimateTokens(msg.Content)
	}
	return n + perMessageOverhead
}

// Service mediates all session and turn access so the enabled flag, the
// default read limit, and the session TTL are applied in one place.
type Service struct {
	cfg      config.ChatHistory
	sessions domain.SessionRepository
	turns    domain.HistoryRepository
	budget   BudgetPolicy

	now func() time.Time
}

// NewService wires the repositories behind the history config. A nil budget
// selects the tiktoken policy.
func NewService(cfg config.ChatHistory, sessions domain.SessionRepository, turns domain.HistoryRepository, budget BudgetPolicy) *Service {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if budget == nil {
		budget = NewTiktokenPolicy()
	}
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		turns:    turns,
		budget:   budget,
		now:      time.Now,
	}
}

// Enabled reports whether conversation persistence is switched on.
func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Budget returns the token policy used for window trimming.
func (s *Service) Budget() BudgetPolicy { return s.budget }

// SessionTTL returns the idle lifetime applied to sessions on each use.
func (s *Service) SessionTTL() time.Duration { return s.cfg.SessionTTL }

// EnsureSession loads the session, creating it on first use. Known sessions
// get their expiry pushed out by the TTL on every call; a session that
// expired but has not been purged yet is revived the same way so its turns
// stay reachable. With persistence disabled the session exists only for the
// duration of the request.
func (s *Service) EnsureSession(ctx domain.Context, id, userID string) (domain.Session, error) {
	if id == "" {
		return domain.Session{}, fmt.Errorf("%w: session id required", domain.ErrMissingSession)
	}
	now := s.now().UTC()
	if !s.cfg.Enabled {
		return domain.Session{
			ID:         id,
			UserID:     userID,
			CreatedAt:  now,
			LastSeenAt: now,
			ExpiresAt:  now.Add(s.cfg.SessionTTL),
		}, nil
	}

	sess, err := s.sessions.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		sess = domain.Session{
			ID:         id,
			UserID:     userID,
			CreatedAt:  now,
			LastSeenAt: now,
			ExpiresAt:  now.Add(s.cfg.SessionTTL),
		}
		if err := s.sessions.Create(ctx, sess); err != nil {
			return domain.Session{}, err
		}
		return sess, nil
	}
	if err != nil {
		return domain.Session{}, err
	}

	if err := s.sessions.Touch(ctx, id, s.cfg.SessionTTL); err != nil {
		return domain.Session{}, err
	}
	sess.LastSeenAt = now
	sess.ExpiresAt = now.Add(s.cfg.SessionTTL)
	return sess, nil
}

// AppendExchange persists one user+assistant pair in a single atomic write.
// File ids ride on the user turn and the adapters consulted on the
// assistant turn, matching where each fact originated.
func (s *Service) AppendExchange(ctx domain.Context, sessionID, userMsg, assistantMsg string, meta domain.TurnMeta) error {
	if !s.cfg.Enabled || sessionID == "" {
		return nil
	}
	now := s.now().UTC()
	pair := []domain.Turn{
		{
			SessionID: sessionID,
			Role:      domain.RoleUser,
			Content:   userMsg,
			CreatedAt: now,
			Meta:      domain.TurnMeta{FileIDs: meta.FileIDs},
		},
		{
			SessionID: sessionID,
			Role:      domain.RoleAssistant,
			Content:   assistantMsg,
			CreatedAt: now,
			Meta:      domain.TurnMeta{AdaptersUsed: meta.AdaptersUsed},
		},
	}
	return s.turns.Append(ctx, pair)
}

// Recent returns up to limit turns in chronological order. A non-positive
// limit falls back to the configured default.
func (s *Service) Recent(ctx domain.Context, sessionID string, limit int) ([]domain.Turn, error) {
	if !s.cfg.Enabled || sessionID == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	return s.turns.Recent(ctx, sessionID, limit)
}

// Window returns the most recent turns that fit budgetTokens, oldest first.
// The number of dropped messages is returned and logged, never swallowed. A
// non-positive budget disables trimming.
func (s *Service) Window(ctx domain.Context, sessionID, model string, budgetTokens int) ([]domain.ChatMessage, int, error) {
	turns, err := s.Recent(ctx, sessionID, 0)
	if err != nil || len(turns) == 0 {
		return nil, 0, err
	}
	msgs := make([]domain.ChatMessage, len(turns))
	for i, t := range turns {
		msgs[i] = domain.ChatMessage{Role: t.Role, Content: t.Content}
	}
	kept, dropped := TrimToBudget(s.budget, msgs, model, budgetTokens)
	if dropped > 0 {
		slog.InfoContext(ctx, "history window trimmed to token budget",
			slog.String("session_id", sessionID),
			slog.String("model", model),
			slog.Int("dropped", dropped),
			slog.Int("kept", len(kept)),
			slog.Int("budget_tokens", budgetTokens))
	}
	return kept, dropped, nil
}

// TrimToBudget returns the newest suffix of msgs whose total cost fits the
// budget, plus the count of dropped messages. Messages are admitted newest
// first so the latest exchange always survives; admission stops at the
// first message that would overflow. A non-positive budget admits
// everything.
func TrimToBudget(policy BudgetPolicy, msgs []domain.ChatMessage, model string, budgetTokens int) ([]domain.ChatMessage, int) {
	if budgetTokens <= 0 || len(msgs) == 0 {
		return msgs, 0
	}
	used := 0
	cut := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := policy.Tokens(msgs[i], model)
		if used+cost > budgetTokens {
			break
		}
		used += cost
		cut = i
	}
	return msgs[cut:], cut
}
