package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
	"github.com/orbit-ai/orbit/internal/retriever"
	"github.com/orbit-ai/orbit/internal/service/autocomplete"
	"github.com/orbit-ai/orbit/internal/service/breaker"
	"github.com/orbit-ai/orbit/internal/service/models"
	"github.com/orbit-ai/orbit/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg          *config.Config
	Chat         *usecase.ChatService
	Registry     *retriever.Registry
	Breakers     *breaker.Manager
	Autocomplete *autocomplete.Service

	// Models backs /v1/models when set; nil serves the configured list.
	Models *models.Catalog

	DBCheck        func(ctx context.Context) error
	RedisCheck     func(ctx context.Context) error
	QdrantCheck    func(ctx context.Context) error
	InferenceCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg *config.Config, chat *usecase.ChatService, reg *retriever.Registry, breakers *breaker.Manager, ac *autocomplete.Service, dbCheck, redisCheck, qdrantCheck, inferenceCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:          cfg,
		Chat:         chat,
		Registry:     reg,
		Breakers:     breakers,
		Autocomplete: ac,

		DBCheck:        dbCheck,
		RedisCheck:     redisCheck,
		QdrantCheck:    qdrantCheck,
		InferenceCheck: inferenceCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// negotiateJSON rejects requests that refuse a JSON response.
func negotiateJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") {
		return true
	}
	writeError(w, r, fmt.Errorf("%w: not acceptable", domain.ErrInvalidArgument), map[string]string{"accept": a})
	return false
}

type chatMessagePayload struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

type chatPayload struct {
	Messages  []chatMessagePayload `json:"messages" validate:"required,min=1,dive"`
	Stream    bool                 `json:"stream"`
	FileIDs   []string             `json:"file_ids" validate:"omitempty,max=32,dive,required"`
	SessionID string               `json:"session_id"`
}

type chatResponse struct {
	RequestID string                `json:"request_id"`
	SessionID string                `json:"session_id,omitempty"`
	Adapter   string                `json:"adapter,omitempty"`
	Content   string                `json:"content"`
	Refused   bool                  `json:"refused,omitempty"`
	Language  string                `json:"detected_language,omitempty"`
	Retrieval *domain.RetrievalMeta `json:"retrieval,omitempty"`
}

func toChatResponse(pctx *domain.ProcessingContext) chatResponse {
	resp := chatResponse{
		RequestID: pctx.RequestID,
		SessionID: pctx.SessionID,
		Adapter:   pctx.AdapterName,
		Content:   pctx.LLMResponse,
		Refused:   usecase.Refused(pctx),
		Language:  pctx.DetectedLanguage,
	}
	if pctx.RetrievalMeta.TotalAvailable > 0 || pctx.RetrievalMeta.ResultCount > 0 {
		meta := pctx.RetrievalMeta
		resp.Retrieval = &meta
	}
	return resp
}

// ChatHandler runs the chat pipeline. The response is a single JSON body,
// or an SSE stream when the request asks for one via the stream flag or an
// Accept: text/event-stream header.
func (s *Server) ChatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var payload chatPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(payload); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}

		wantsStream := payload.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream")
		if !wantsStream && !negotiateJSON(w, r) {
			return
		}

		sessionID := strings.TrimSpace(r.Header.Get("X-Session-ID"))
		if sessionID == "" {
			sessionID = strings.TrimSpace(payload.SessionID)
		}

		ctx := r.Context()
		auth := authFrom(ctx)
		msgs := make([]domain.ChatMessage, 0, len(payload.Messages))
		for _, m := range payload.Messages {
			msgs = append(msgs, domain.ChatMessage{Role: m.Role, Content: m.Content})
		}
		creq := usecase.ChatRequest{
			RequestID:   observability.RequestIDFromContext(ctx),
			SessionID:   sessionID,
			UserID:      strings.TrimSpace(r.Header.Get("X-User-ID")),
			Fingerprint: auth.Fingerprint,
			AdapterName: auth.Adapter,
			Messages:    msgs,
			FileIDs:     payload.FileIDs,
		}

		if wantsStream {
			ch, err := s.Chat.ChatStream(ctx, creq)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			writeSSE(w, r, ch)
			return
		}

		pctx, err := s.Chat.Chat(ctx, creq)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toChatResponse(pctx))
	}
}

// StopHandler cancels every in-flight generation registered for a session.
func (s *Server) StopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
		var payload struct {
			SessionID string `json:"session_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		sessionID := strings.TrimSpace(payload.SessionID)
		if sessionID == "" {
			sessionID = strings.TrimSpace(r.Header.Get("X-Session-ID"))
		}
		if sessionID == "" {
			writeError(w, r, fmt.Errorf("%w: session_id required", domain.ErrInvalidArgument), nil)
			return
		}
		if !s.Chat.Stops().Stop(sessionID) {
			writeError(w, r, fmt.Errorf("%w: no active generation for session", domain.ErrNotFound), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "stopped": true})
	}
}

// AutocompleteHandler serves example-based completions for the partial
// query in ?q=, scoped to the caller's adapter binding.
func (s *Server) AutocompleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			writeError(w, r, fmt.Errorf("%w: q required", domain.ErrInvalidArgument), nil)
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidArgument), nil)
				return
			}
			limit = n
		}
		adapter := authFrom(r.Context()).Adapter
		if adapter == "" {
			adapter = s.Cfg.General.DefaultAdapter
		}

		suggestions := []autocomplete.Suggestion{}
		if s.Autocomplete != nil && s.Autocomplete.Enabled() {
			got, err := s.Autocomplete.Suggest(r.Context(), adapter, q, limit)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			if got != nil {
				suggestions = got
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"query": q, "suggestions": suggestions})
	}
}

// ModelsHandler lists the inference models clients may request. With a
// catalog wired the listing reflects provider discovery; otherwise it is the
// configured list.
func (s *Server) ModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ids []string
		if s.Models != nil {
			ids = s.Models.IDs(r.Context())
		} else {
			ids = s.Cfg.Inference.Models
			if len(ids) == 0 && s.Cfg.Inference.Model != "" {
				ids = []string{s.Cfg.Inference.Model}
			}
		}
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": ids, "default": s.Cfg.Inference.Model})
	}
}

// HealthHandler is the cheap liveness probe; readiness lives on /readyz.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// AdapterHealthHandler dumps circuit state and call stats per configured
// adapter.
func (s *Server) AdapterHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		descs := s.Registry.List()
		snaps := make([]breaker.Snapshot, 0, len(descs))
		for _, d := range descs {
			snaps = append(snaps, s.Breakers.Get(d.Name).Snapshot())
		}
		writeJSON(w, http.StatusOK, map[string]any{"adapters": snaps})
	}
}

// AdapterResetHandler closes the named adapter's circuit.
func (s *Server) AdapterResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if _, ok := s.Registry.Descriptor(name); !ok {
			writeError(w, r, fmt.Errorf("%w: adapter %q", domain.ErrNotFound, name), nil)
			return
		}
		s.Breakers.Reset(name)
		LoggerFrom(r).InfoContext(r.Context(), "circuit reset", slog.String("adapter", name))
		writeJSON(w, http.StatusOK, map[string]any{"adapter": name, "state": breaker.StateClosed.String()})
	}
}

// ReadyzHandler probes the backing services with a short deadline and
// reports 503 when any of them fails.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type checkResult struct {
		Name  string `json:"name"`
		Error string `json:"error,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"postgres", s.DBCheck},
			{"redis", s.RedisCheck},
			{"qdrant", s.QdrantCheck},
			{"inference", s.InferenceCheck},
		}
		ready := true
		results := make([]checkResult, 0, len(checks))
		for _, c := range checks {
			if c.fn == nil {
				continue
			}
			res := checkResult{Name: c.name}
			if err := c.fn(ctx); err != nil {
				ready = false
				res.Error = err.Error()
			}
			results = append(results, res)
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": ready, "checks": results})
	}
}
