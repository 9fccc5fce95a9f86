package domain

// GenOptions tunes a single chat completion.
type GenOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// StreamChunk is one unit of a streaming chat completion. Exactly one of
// Content or Err is meaningful; Done marks the final chunk.
type StreamChunk struct {
	Content string
	Err     error
	Done    bool
}

// LLMClient is the inference provider port. ChatStream returns a channel that
// is closed after the Done chunk (or an Err chunk); the producer honors ctx
// cancellation.
type LLMClient interface {
	Chat(ctx Context, messages []ChatMessage, opts GenOptions) (string, error)
	ChatStream(ctx Context, messages []ChatMessage, opts GenOptions) (<-chan StreamChunk, error)
}

// Embedder produces embedding vectors for texts. Deterministic for identical
// inputs within one model version.
type Embedder interface {
	Embed(ctx Context, texts []string) ([][]float32, error)
}

// ModerationVerdict is the outcome of a safety check.
type ModerationVerdict struct {
	Flagged    bool
	Categories []string
}

// Moderator is the safety provider port used by the pre and post validation
// steps.
type Moderator interface {
	Check(ctx Context, content string) (ModerationVerdict, error)
}

// Reranker re-scores retrieved documents against the query. Implementations
// return a new slice; on any failure the caller preserves original order.
type Reranker interface {
	Rerank(ctx Context, query string, docs []ContextDocument) ([]ContextDocument, error)
}
