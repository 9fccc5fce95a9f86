// Package retriever implements the retrieval layer of the gateway: the
// registry that loads adapter descriptors and instantiates adapters lazily,
// the parallel executor that fans a query out across adapters under
// per-adapter circuit breakers, and the concrete variants (vector, sql,
// intent, http, passthrough, composite).
//
// A retriever translates a user query into relevance-scored context
// documents. Results are immutable after return: callers may reorder
// documents but never rescore them, and any truncation is observable through
// the returned meta.
package retriever

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orbit-ai/orbit/internal/adapter/vector/qdrant"
	"github.com/orbit-ai/orbit/internal/domain"
)

// Distance kinds reported by vector backends. L2 distances shrink with
// closeness and need rescaling; cosine and dot scores are used as reported;
// similarity backends already return [0,1].
const (
	DistanceL2         = "l2"
	DistanceCosine     = "cosine"
	DistanceDot        = "dot"
	DistanceSimilarity = "similarity"
)

// VectorBackend is the slice of the vector store the retrievers depend on.
// *qdrant.Client satisfies it.
type VectorBackend interface {
	EnsureCollection(ctx context.Context, name string, vectorSize int, distance string) error
	UpsertPoints(ctx context.Context, collection string, vectors [][]float32, payloads []map[string]any, ids []any) error
	Search(ctx context.Context, collection string, p qdrant.SearchParams) ([]qdrant.ScoredPoint, error)
}

// RowSource executes parameterized reads against a SQL datasource.
// *postgres.Datasource satisfies it.
type RowSource interface {
	Select(ctx domain.Context, sql string, args []any, limit int) ([]map[string]any, error)
}

const (
	defaultMaxResults    = 100
	defaultReturnResults = 10
)

// Bounds holds the result limits every retriever variant honors.
type Bounds struct {
	MaxResults          int     `yaml:"max_results"`
	ReturnResults       int     `yaml:"return_results"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// resolve returns the effective caps: zero values take the defaults and
// return_results above max_results clamps to it.
func (b Bounds) resolve() (maxResults, returnResults int) {
	maxResults = b.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	returnResults = b.ReturnResults
	if returnResults <= 0 {
		returnResults = defaultReturnResults
	}
	if returnResults > maxResults {
		returnResults = maxResults
	}
	return maxResults, returnResults
}

// decodeConfig converts a descriptor's free-form config map into a typed
// struct by round-tripping through YAML, the format the map came from.
func decodeConfig(raw map[string]any, out any) error {
	if raw == nil {
		return nil
	}
	b, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("op=retriever.decodeConfig: %w", err)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("op=retriever.decodeConfig: %w", err)
	}
	return nil
}

// metaForStages builds the retrieval accounting from the candidate counts
// after each stage: raw backend hits, post confidence filter, post domain
// filter, and returned.
func metaForStages(raw, conf, dom, returned int) domain.RetrievalMeta {
	return domain.RetrievalMeta{
		ResultCount:    returned,
		TotalAvailable: raw,
		Truncated:      returned < dom,
		Stages:         domain.RetrievalStages{Vector: raw, Confidence: conf, Domain: dom},
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// similarityFromScore converts a backend-native score into a similarity in
// [0,1] according to the datasource's distance kind.
func similarityFromScore(kind string, scale, raw float64) float64 {
	if kind == DistanceL2 {
		if scale <= 0 {
			scale = 200
		}
		if raw < 0 {
			raw = 0
		}
		return clamp01(1 / (1 + raw/scale))
	}
	return clamp01(raw)
}

// qdrantDistance maps a configured distance kind onto the backend's
// collection-creation vocabulary.
func qdrantDistance(kind string) string {
	switch kind {
	case DistanceL2:
		return "Euclid"
	case DistanceDot:
		return "Dot"
	default:
		return "Cosine"
	}
}

// formatRow renders one result row as "column: value" lines with a stable
// column order.
func formatRow(row map[string]any) string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	var sb strings.Builder
	for i, c := range cols {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s: %v", c, row[c])
	}
	return sb.String()
}

// projectColumns drops every column not in allowed. A nil or empty allow-list
// keeps the row as is.
func projectColumns(row map[string]any, allowed []string) map[string]any {
	if len(allowed) == 0 {
		return row
	}
	out := make(map[string]any, len(allowed))
	for _, c := range allowed {
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	return out
}

// payloadString fetches a string payload field, tolerating absent keys.
func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}
