// Package domain defines the entities and ports shared by every layer of the
// gateway: the processing context threaded through the pipeline, retrieved
// documents, adapter descriptors, sessions, and the repository/provider
// interfaces the adapters implement.
package domain

import (
	"context"
	"time"
)

// Context is an alias so adapters and services share the std context type
// without each file importing it under a different name.
type Context = context.Context

// Role values for chat turns.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is a single turn of a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DocumentMeta carries provenance for a retrieved document.
// Confidence is the retriever's own estimate in [0,1] and is never rescored
// by callers; they may reorder only.
type DocumentMeta struct {
	Adapter    string  `json:"adapter"`
	Source     string  `json:"source,omitempty"`
	ChunkID    string  `json:"chunk_id,omitempty"`
	Confidence float64 `json:"confidence"`
}

// ContextDocument is one unit of retrieved context. Immutable after return
// from a retriever.
type ContextDocument struct {
	Content   string       `json:"content"`
	Metadata  DocumentMeta `json:"metadata"`
	Score     float64      `json:"score"`
	Truncated bool         `json:"truncated,omitempty"`
}

// RetrievalStages records candidate counts after each filtering stage of a
// retrieval so truncation is observable (raw backend hits, post confidence
// filter, post domain filter).
type RetrievalStages struct {
	Vector     int `json:"vector"`
	Confidence int `json:"confidence"`
	Domain     int `json:"domain"`
}

// RetrievalMeta is the bookkeeping attached to every retrieval result.
// Invariant: ResultCount <= TotalAvailable, and Truncated reports whether the
// post-filtering candidate set was cut to fit return_results.
type RetrievalMeta struct {
	ResultCount    int             `json:"result_count"`
	TotalAvailable int             `json:"total_available"`
	Truncated      bool            `json:"truncated"`
	Stages         RetrievalStages `json:"stages"`
}

// Merge folds another retrieval's accounting into this one. Used when several
// adapters contribute documents to a single request.
func (m *RetrievalMeta) Merge(other RetrievalMeta) {
	m.ResultCount += other.ResultCount
	m.TotalAvailable += other.TotalAvailable
	m.Truncated = m.Truncated || other.Truncated
	m.Stages.Vector += other.Stages.Vector
	m.Stages.Confidence += other.Stages.Confidence
	m.Stages.Domain += other.Stages.Domain
}

// StepError is an error recorded by a pipeline step. Errors never cross step
// boundaries as panics or returned errors; they accumulate here in order.
type StepError struct {
	Step     string    `json:"step"`
	Kind     string    `json:"kind"`
	Detail   string    `json:"detail,omitempty"`
	Terminal bool      `json:"terminal,omitempty"`
	At       time.Time `json:"at"`
}

// ProcessingContext is the value threaded through the pipeline. It is created
// per request and owned by the pipeline engine; each step writes only its own
// fields. Later steps may append to Errors and post-validation may replace
// LLMResponse, nothing else mutates earlier output.
type ProcessingContext struct {
	RequestID         string
	SessionID         string
	UserID            string
	APIKeyFingerprint string

	AdapterName  string
	SystemPrompt string

	Message string
	History []ChatMessage
	FileIDs []string

	DetectedLanguage string

	RetrievedDocs []ContextDocument
	RetrievalMeta RetrievalMeta

	LLMResponse string

	Errors []StepError
}

// RecordError appends a step error, preserving arrival order.
func (p *ProcessingContext) RecordError(step, kind, detail string, terminal bool) {
	p.Errors = append(p.Errors, StepError{
		Step: step, Kind: kind, Detail: detail, Terminal: terminal, At: time.Now().UTC(),
	})
}

// Terminal reports whether any recorded error short-circuits the pipeline.
func (p *ProcessingContext) Terminal() bool {
	for _, e := range p.Errors {
		if e.Terminal {
			return true
		}
	}
	return false
}

// Adapter types.
const (
	AdapterTypeRetriever   = "retriever"
	AdapterTypePassthrough = "passthrough"
)

// Retrieval behaviors for passthrough-type adapters.
const (
	RetrievalAlways      = "always"
	RetrievalConditional = "conditional"
	RetrievalNever       = "never"
)

// AdapterCapabilities advertises what an adapter supports.
type AdapterCapabilities struct {
	SupportsAutocomplete bool   `yaml:"supports_autocomplete" json:"supports_autocomplete"`
	SupportsFiles        bool   `yaml:"supports_files" json:"supports_files"`
	RetrievalBehavior    string `yaml:"retrieval_behavior" json:"retrieval_behavior"`
}

// AdapterDescriptor describes one configured adapter. Immutable after load;
// hot-reload replaces the whole value.
type AdapterDescriptor struct {
	Name           string              `yaml:"name" json:"name"`
	Type           string              `yaml:"type" json:"type"`
	Datasource     string              `yaml:"datasource" json:"datasource"`
	Implementation string              `yaml:"implementation" json:"implementation"`
	Capabilities   AdapterCapabilities `yaml:"capabilities" json:"capabilities"`
	SystemPrompt   string              `yaml:"system_prompt" json:"system_prompt,omitempty"`
	Config         map[string]any      `yaml:"config" json:"config,omitempty"`
}

// RetrieveOptions is the structured kwargs bag passed to every adapter
// invocation and echoed back in results for correlation. Adapters treat it as
// read-only.
type RetrieveOptions struct {
	RequestID         string   `json:"request_id,omitempty"`
	SessionID         string   `json:"session_id,omitempty"`
	UserID            string   `json:"user_id,omitempty"`
	TraceID           string   `json:"trace_id,omitempty"`
	CorrelationID     string   `json:"correlation_id,omitempty"`
	APIKeyFingerprint string   `json:"api_key_fingerprint,omitempty"`
	FileIDs           []string `json:"file_ids,omitempty"`
}

// Retriever is the capability interface every adapter variant implements
// (vector, sql, intent, http, passthrough). Initialize and Close are
// idempotent. GetRelevantContext is the hot path; results are immutable after
// return and any truncation must be visible in the returned meta.
type Retriever interface {
	Initialize(ctx Context) error
	Close() error
	SetCollection(name string) error
	GetRelevantContext(ctx Context, query string, opts RetrieveOptions) ([]ContextDocument, RetrievalMeta, error)
}

// AutocompleteSource is implemented by adapters that can contribute natural
// language examples to the autocomplete engine. Composite adapters merge
// examples from all sub-adapters.
type AutocompleteSource interface {
	Examples(ctx Context) ([]string, error)
}

// Session is one authenticated conversation. The history service owns its
// lifecycle; everything else references it by id.
type Session struct {
	ID         string
	UserID     string
	CreatedAt  time.Time
	LastSeenAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the session has passed its expiry.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// TurnMeta is the metadata stored with each conversation turn.
type TurnMeta struct {
	FileIDs      []string `json:"file_ids,omitempty"`
	AdaptersUsed []string `json:"adapters_used,omitempty"`
}

// Turn is a single stored message in a session's history.
type Turn struct {
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
	Meta      TurnMeta
}

// APIKeyRecord is the resolved binding for an API key. The raw key is never
// stored; Fingerprint is a SHA-256 prefix used for lookups and logging.
type APIKeyRecord struct {
	Fingerprint string
	AdapterName string
	Active      bool
	Metadata    map[string]string
	CreatedAt   time.Time
}

// Repositories (ports).

// SessionRepository persists sessions.
type SessionRepository interface {
	Create(ctx Context, s Session) error
	Get(ctx Context, id string) (Session, error)
	// Touch extends the session expiry and updates last-seen.
	Touch(ctx Context, id string, extendBy time.Duration) error
}

// HistoryRepository persists conversation turns. Append writes the given
// turns atomically (user+assistant pair) and preserves arrival order within a
// session.
type HistoryRepository interface {
	Append(ctx Context, turns []Turn) error
	// Recent returns the most recent limit turns in chronological order.
	Recent(ctx Context, sessionID string, limit int) ([]Turn, error)
}

// APIKeyRepository resolves API keys to their adapter bindings.
type APIKeyRepository interface {
	Resolve(ctx Context, key string) (APIKeyRecord, error)
}

// TemplateParameter declares one parameter of an intent template.
type TemplateParameter struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	Required bool   `yaml:"required" json:"required"`
	Default  any    `yaml:"default" json:"default,omitempty"`
}

// Template kinds.
const (
	TemplateKindSQL  = "sql"
	TemplateKindHTTP = "http"
)

// TemplateDescriptor is a parameterized query with NL examples, matched
// against user queries by embedding similarity. Embedding is populated at
// index time, not load time.
type TemplateDescriptor struct {
	ID           string              `yaml:"id" json:"id"`
	NLExamples   []string            `yaml:"nl_examples" json:"nl_examples"`
	Template     string              `yaml:"template" json:"template"`
	Kind         string              `yaml:"kind" json:"kind"`
	Parameters   []TemplateParameter `yaml:"parameters" json:"parameters"`
	SemanticTags []string            `yaml:"semantic_tags" json:"semantic_tags,omitempty"`
	Embedding    []float32           `yaml:"-" json:"-"`
}
