package retriever

import (
	"fmt"
	"log/slog"

	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
)

// CompositeConfig shapes a composite adapter.
type CompositeConfig struct {
	Bounds  `yaml:",inline"`
	Members []string `yaml:"members"`
}

// CompositeRetriever aggregates several named sub-adapters behind one name.
// Retrieval queries the members in order and merges their documents and
// accounting; a member failure is logged and skipped so one bad member does
// not empty the whole result. Autocomplete examples are the union of every
// member's corpus.
type CompositeRetriever struct {
	name    string
	cfg     CompositeConfig
	members []string
	reg     *Registry
}

// NewCompositeRetriever builds a composite over registry members. Members
// must exist and must not themselves be composite, which keeps member
// resolution cycle-free.
func NewCompositeRetriever(name string, raw map[string]any, reg *Registry) (*CompositeRetriever, error) {
	var cfg CompositeConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Members) == 0 {
		return nil, fmt.Errorf("%w: composite adapter %q has no members", domain.ErrInvalidArgument, name)
	}
	for _, m := range cfg.Members {
		if m == name {
			return nil, fmt.Errorf("%w: composite adapter %q lists itself as a member", domain.ErrInvalidArgument, name)
		}
		desc, ok := reg.Descriptor(m)
		if !ok {
			return nil, fmt.Errorf("%w: composite adapter %q member %q is not configured", domain.ErrInvalidArgument, name, m)
		}
		if desc.Implementation == ImplComposite {
			return nil, fmt.Errorf("%w: composite adapter %q member %q is itself composite", domain.ErrInvalidArgument, name, m)
		}
	}
	return &CompositeRetriever{name: name, cfg: cfg, members: cfg.Members, reg: reg}, nil
}

// Initialize is lazy per member; the registry constructs members on first
// resolution.
func (r *CompositeRetriever) Initialize(_ domain.Context) error { return nil }

// Close is idempotent; members are owned by the registry.
func (r *CompositeRetriever) Close() error { return nil }

// SetCollection does not apply to an aggregate.
func (r *CompositeRetriever) SetCollection(_ string) error { return nil }

// Members returns the configured member names.
func (r *CompositeRetriever) Members() []string {
	out := make([]string, len(r.members))
	copy(out, r.members)
	return out
}

// Examples merges the corpus of every member that can contribute one.
func (r *CompositeRetriever) Examples(ctx domain.Context) ([]string, error) {
	var out []string
	for _, m := range r.members {
		inst, err := r.reg.Get(ctx, m)
		if err != nil {
			continue
		}
		src, ok := inst.(domain.AutocompleteSource)
		if !ok {
			continue
		}
		ex, err := src.Examples(ctx)
		if err != nil {
			continue
		}
		out = append(out, ex...)
	}
	return out, nil
}

// GetRelevantContext queries every member and merges the results, truncating
// the merged set to the composite's own return_results.
func (r *CompositeRetriever) GetRelevantContext(ctx domain.Context, query string, opts domain.RetrieveOptions) ([]domain.ContextDocument, domain.RetrievalMeta, error) {
	_, returnResults := r.cfg.resolve()
	log := observability.LoggerFromContext(ctx)

	var docs []domain.ContextDocument
	var meta domain.RetrievalMeta
	var lastErr error
	failed := 0
	for _, m := range r.members {
		inst, err := r.reg.Get(ctx, m)
		if err != nil {
			log.Warn("composite member unavailable",
				slog.String("adapter", r.name),
				slog.String("member", m),
				slog.String("error", err.Error()))
			lastErr = err
			failed++
			continue
		}
		got, gotMeta, err := inst.GetRelevantContext(ctx, query, opts)
		if err != nil {
			log.Warn("composite member failed",
				slog.String("adapter", r.name),
				slog.String("member", m),
				slog.String("error", err.Error()))
			lastErr = err
			failed++
			continue
		}
		docs = append(docs, got...)
		meta.Merge(gotMeta)
	}
	if failed == len(r.members) && lastErr != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=composite.retrieve: adapter %q: all members failed: %w", r.name, lastErr)
	}

	if len(docs) > returnResults {
		docs = docs[:returnResults]
		meta.ResultCount = len(docs)
		meta.Truncated = true
		observability.RetrievalTruncationsTotal.WithLabelValues(r.name).Inc()
	}
	return docs, meta, nil
}
