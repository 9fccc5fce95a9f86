package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/orbit-ai/orbit/internal/adapter/vector/qdrant"
	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
	"github.com/orbit-ai/orbit/internal/service/workerpool"
)

// VectorConfig shapes a vector retriever from its descriptor config.
type VectorConfig struct {
	Bounds `yaml:",inline"`
	// Collection overrides the prefix+name convention.
	Collection string `yaml:"collection"`
	// ContentField is the payload key holding document text.
	ContentField string `yaml:"content_field"`
	// FilterMetadata is the domain filter: every key must equal the given
	// value in a candidate's payload or the candidate is dropped.
	FilterMetadata map[string]any `yaml:"filter_metadata"`
	NLExamples     []string       `yaml:"nl_examples"`
}

// DomainFilter is the adapter-supplied predicate of the third filtering
// stage. It sees the raw backend point so it can inspect payload fields the
// document does not carry.
type DomainFilter func(qdrant.ScoredPoint) bool

// VectorRetriever answers queries from a vector collection: it embeds the
// query on the embedding pool, fetches top-K candidates from the backend, and
// runs them through the confidence, domain, and truncation stages. Each stage
// count lands in the returned meta.
type VectorRetriever struct {
	name  string
	cfg   VectorConfig
	ds    config.QdrantDatasource
	dims  int
	embed domain.Embedder
	back  VectorBackend
	pools *workerpool.Manager

	mu          sync.Mutex
	collection  string
	filter      DomainFilter
	initialized bool
}

// NewVectorRetriever builds a vector retriever from raw descriptor config.
func NewVectorRetriever(name string, raw map[string]any, ds config.QdrantDatasource, dims int, embed domain.Embedder, back VectorBackend, pools *workerpool.Manager) (*VectorRetriever, error) {
	var cfg VectorConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if embed == nil || back == nil {
		return nil, fmt.Errorf("%w: vector adapter %q needs an embedder and a vector backend", domain.ErrInvalidArgument, name)
	}
	if cfg.ContentField == "" {
		cfg.ContentField = "content"
	}
	collection := cfg.Collection
	if collection == "" {
		collection = ds.CollectionPrefix + name
	}
	r := &VectorRetriever{
		name:       name,
		cfg:        cfg,
		ds:         ds,
		dims:       dims,
		embed:      embed,
		back:       back,
		pools:      pools,
		collection: collection,
	}
	if len(cfg.FilterMetadata) > 0 {
		r.filter = metadataFilter(cfg.FilterMetadata)
	}
	return r, nil
}

// metadataFilter keeps points whose payload carries every configured
// key/value pair.
func metadataFilter(want map[string]any) DomainFilter {
	return func(pt qdrant.ScoredPoint) bool {
		for k, v := range want {
			got, ok := pt.Payload[k]
			if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", v) {
				return false
			}
		}
		return true
	}
}

// Initialize ensures the working collection exists. Safe to call repeatedly.
func (r *VectorRetriever) Initialize(ctx domain.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}
	if r.dims > 0 {
		if err := r.back.EnsureCollection(ctx, r.collection, r.dims, qdrantDistance(r.ds.Distance)); err != nil {
			return fmt.Errorf("op=vector.initialize: %w", err)
		}
	}
	r.initialized = true
	return nil
}

// Close releases nothing but resets the initialized flag so a reloaded
// instance re-checks its collection. Idempotent.
func (r *VectorRetriever) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initialized = false
	return nil
}

// SetCollection switches the working collection.
func (r *VectorRetriever) SetCollection(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty collection name", domain.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collection = name
	r.initialized = false
	return nil
}

// Collection returns the current working collection.
func (r *VectorRetriever) Collection() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collection
}

// SetDomainFilter replaces the third-stage predicate. A nil filter passes
// every candidate through.
func (r *VectorRetriever) SetDomainFilter(f DomainFilter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filter = f
}

func (r *VectorRetriever) domainFilter() DomainFilter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter
}

// Examples contributes the configured NL corpus to autocomplete.
func (r *VectorRetriever) Examples(_ domain.Context) ([]string, error) {
	out := make([]string, len(r.cfg.NLExamples))
	copy(out, r.cfg.NLExamples)
	return out, nil
}

// GetRelevantContext is the hot path: embed, search, filter, truncate.
func (r *VectorRetriever) GetRelevantContext(ctx domain.Context, query string, opts domain.RetrieveOptions) ([]domain.ContextDocument, domain.RetrievalMeta, error) {
	maxResults, returnResults := r.cfg.resolve()
	log := observability.LoggerFromContext(ctx)

	vec, err := embedOnPool(ctx, r.pools, r.embed, "vector.embed:"+r.name, query)
	if err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=vector.embed: %w", err)
	}

	points, err := r.back.Search(ctx, r.Collection(), qdrant.SearchParams{
		Vector: vec,
		Limit:  maxResults,
	})
	if err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=vector.search: %w", err)
	}

	docs, meta := r.stagePipeline(points, returnResults)
	if meta.Truncated {
		observability.RetrievalTruncationsTotal.WithLabelValues(r.name).Inc()
	}
	log.Info("vector retrieval",
		slog.String("adapter", r.name),
		slog.Int("result_count", meta.ResultCount),
		slog.Int("total_available", meta.TotalAvailable),
		slog.Bool("truncated", meta.Truncated),
		slog.String("session_id", opts.SessionID))
	return docs, meta, nil
}

type vectorCandidate struct {
	pt  qdrant.ScoredPoint
	doc domain.ContextDocument
}

// stagePipeline runs the multi-stage filter: raw candidates, confidence
// filter, domain filter, truncation to return_results.
func (r *VectorRetriever) stagePipeline(points []qdrant.ScoredPoint, returnResults int) ([]domain.ContextDocument, domain.RetrievalMeta) {
	raw := len(points)

	cands := make([]vectorCandidate, 0, raw)
	for _, pt := range points {
		sim := similarityFromScore(r.ds.Distance, r.ds.ScoreScale, pt.Score)
		if sim < r.cfg.ConfidenceThreshold {
			continue
		}
		cands = append(cands, vectorCandidate{pt: pt, doc: r.document(pt, sim)})
	}
	conf := len(cands)

	if filter := r.domainFilter(); filter != nil {
		kept := cands[:0]
		for _, c := range cands {
			if filter(c.pt) {
				kept = append(kept, c)
			}
		}
		cands = kept
	}
	dom := len(cands)

	returned := dom
	if returned > returnResults {
		returned = returnResults
	}
	docs := make([]domain.ContextDocument, 0, returned)
	for _, c := range cands[:returned] {
		docs = append(docs, c.doc)
	}
	return docs, metaForStages(raw, conf, dom, returned)
}

func (r *VectorRetriever) document(pt qdrant.ScoredPoint, sim float64) domain.ContextDocument {
	chunk := payloadString(pt.Payload, "chunk_id")
	if chunk == "" && pt.ID != nil {
		chunk = fmt.Sprintf("%v", pt.ID)
	}
	return domain.ContextDocument{
		Content: payloadString(pt.Payload, r.cfg.ContentField),
		Metadata: domain.DocumentMeta{
			Adapter:    r.name,
			Source:     payloadString(pt.Payload, "source"),
			ChunkID:    chunk,
			Confidence: sim,
		},
		Score: sim,
	}
}

// embedOnPool runs a single-text embedding on the embedding pool and unwraps
// the vector.
func embedOnPool(ctx domain.Context, pools *workerpool.Manager, embed domain.Embedder, desc, text string) ([]float32, error) {
	val, err := pools.Run(ctx, workerpool.PoolEmbedding, desc, func(tctx context.Context) (any, error) {
		vecs, err := embed.Embed(tctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) == 0 {
			return nil, fmt.Errorf("%w: embedder returned no vector", domain.ErrUpstream)
		}
		return vecs[0], nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]float32), nil
}
