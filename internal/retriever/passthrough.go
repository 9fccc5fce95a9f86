package retriever

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/orbit-ai/orbit/internal/adapter/vector/qdrant"
	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
	"github.com/orbit-ai/orbit/internal/service/workerpool"
)

// PassthroughConfig shapes a passthrough adapter.
type PassthroughConfig struct {
	Bounds `yaml:",inline"`
	// FileCollection is the shared file-chunk collection searched when the
	// request carries file_ids.
	FileCollection string   `yaml:"file_collection"`
	ContentField   string   `yaml:"content_field"`
	NLExamples     []string `yaml:"nl_examples"`
}

// PassthroughRetriever serves adapters that mainly enrich the prompt. A pure
// conversational turn performs no retrieval at all; a turn carrying file_ids
// searches the file-chunk collection restricted to those files so multimodal
// requests see their own uploads and nothing else.
type PassthroughRetriever struct {
	name  string
	cfg   PassthroughConfig
	ds    config.QdrantDatasource
	embed domain.Embedder
	back  VectorBackend
	pools *workerpool.Manager

	mu          sync.Mutex
	collection  string
	initialized bool
}

// NewPassthroughRetriever builds a passthrough retriever. The embedder and
// backend may be nil for adapters that never receive files.
func NewPassthroughRetriever(name string, raw map[string]any, ds config.QdrantDatasource, embed domain.Embedder, back VectorBackend, pools *workerpool.Manager) (*PassthroughRetriever, error) {
	var cfg PassthroughConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.ContentField == "" {
		cfg.ContentField = "content"
	}
	collection := cfg.FileCollection
	if collection == "" {
		collection = ds.CollectionPrefix + "files"
	}
	return &PassthroughRetriever{
		name:       name,
		cfg:        cfg,
		ds:         ds,
		embed:      embed,
		back:       back,
		pools:      pools,
		collection: collection,
	}, nil
}

// Initialize is a no-op beyond marking the instance ready; the file-chunk
// collection is owned by the upload path.
func (r *PassthroughRetriever) Initialize(_ domain.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initialized = true
	return nil
}

// Close is idempotent.
func (r *PassthroughRetriever) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initialized = false
	return nil
}

// SetCollection switches the file-chunk collection.
func (r *PassthroughRetriever) SetCollection(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty collection name", domain.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collection = name
	return nil
}

func (r *PassthroughRetriever) fileCollection() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collection
}

// Examples contributes the configured NL corpus to autocomplete.
func (r *PassthroughRetriever) Examples(_ domain.Context) ([]string, error) {
	out := make([]string, len(r.cfg.NLExamples))
	copy(out, r.cfg.NLExamples)
	return out, nil
}

// GetRelevantContext returns nothing for pure conversational turns. With
// file_ids it embeds the query and searches the file-chunk collection
// filtered to the supplied files.
func (r *PassthroughRetriever) GetRelevantContext(ctx domain.Context, query string, opts domain.RetrieveOptions) ([]domain.ContextDocument, domain.RetrievalMeta, error) {
	if len(opts.FileIDs) == 0 {
		return nil, domain.RetrievalMeta{}, nil
	}
	if r.embed == nil || r.back == nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("%w: adapter %q received file_ids but has no vector backend", domain.ErrInvalidArgument, r.name)
	}
	maxResults, returnResults := r.cfg.resolve()

	vec, err := embedOnPool(ctx, r.pools, r.embed, "passthrough.embed:"+r.name, query)
	if err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=passthrough.embed: %w", err)
	}
	points, err := r.back.Search(ctx, r.fileCollection(), qdrant.SearchParams{
		Vector:  vec,
		Limit:   maxResults,
		FileIDs: opts.FileIDs,
	})
	if err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=passthrough.search: %w", err)
	}

	raw := len(points)
	docs := make([]domain.ContextDocument, 0, raw)
	for _, pt := range points {
		sim := similarityFromScore(r.ds.Distance, r.ds.ScoreScale, pt.Score)
		if sim < r.cfg.ConfidenceThreshold {
			continue
		}
		docs = append(docs, domain.ContextDocument{
			Content: payloadString(pt.Payload, r.cfg.ContentField),
			Metadata: domain.DocumentMeta{
				Adapter:    r.name,
				Source:     payloadString(pt.Payload, "file_id"),
				ChunkID:    payloadString(pt.Payload, "chunk_id"),
				Confidence: sim,
			},
			Score: sim,
		})
	}
	conf := len(docs)

	returned := conf
	if returned > returnResults {
		returned = returnResults
	}
	docs = docs[:returned]
	meta := metaForStages(raw, conf, conf, returned)
	if meta.Truncated {
		observability.RetrievalTruncationsTotal.WithLabelValues(r.name).Inc()
	}
	observability.LoggerFromContext(ctx).Info("file retrieval",
		slog.String("adapter", r.name),
		slog.Int("file_ids", len(opts.FileIDs)),
		slog.Int("result_count", meta.ResultCount),
		slog.Bool("truncated", meta.Truncated))
	return docs, meta, nil
}
