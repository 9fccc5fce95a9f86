package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbit-ai/orbit/internal/adapter/vector/qdrant"
	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
	"github.com/orbit-ai/orbit/internal/service/workerpool"
)

const defaultTemplateTopM = 5

// IntentConfig shapes an intent-template retriever.
type IntentConfig struct {
	Bounds `yaml:",inline"`
	// TemplateCollectionName scopes the template index to this adapter so
	// templates never leak across adapters.
	TemplateCollectionName string `yaml:"template_collection_name"`
	// TemplateTopM is how many template candidates the index returns.
	TemplateTopM int `yaml:"template_top_m"`
	// TagWeights boosts templates whose semantic tags appear in the query.
	TagWeights map[string]float64 `yaml:"tag_weights"`
	// ExtractionModel overrides the inference model for parameter extraction.
	ExtractionModel string                      `yaml:"extraction_model"`
	Templates       []domain.TemplateDescriptor `yaml:"templates"`
	NLExamples      []string                    `yaml:"nl_examples"`
}

// IntentRetriever translates natural language into parameterized queries: it
// matches the utterance against indexed template examples, extracts the
// winning template's parameters with the LLM, renders the template, and
// executes it through the sql or http sub-path. Every returned row carries
// the template match confidence.
type IntentRetriever struct {
	name  string
	cfg   IntentConfig
	ds    config.QdrantDatasource
	dims  int
	embed domain.Embedder
	back  VectorBackend
	llm   domain.LLMClient
	sql   RowSource
	hc    *http.Client
	pools *workerpool.Manager

	byID map[string]*domain.TemplateDescriptor

	mu          sync.Mutex
	collection  string
	initialized bool
}

// NewIntentRetriever builds an intent retriever. Templates are validated at
// load: ids must be unique and sql templates need a sql datasource.
func NewIntentRetriever(name string, raw map[string]any, ds config.QdrantDatasource, dims int, embed domain.Embedder, back VectorBackend, llm domain.LLMClient, sql RowSource, hc *http.Client, pools *workerpool.Manager) (*IntentRetriever, error) {
	var cfg IntentConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if embed == nil || back == nil || llm == nil {
		return nil, fmt.Errorf("%w: intent adapter %q needs an embedder, a vector backend, and an llm client", domain.ErrInvalidArgument, name)
	}
	if len(cfg.Templates) == 0 {
		return nil, fmt.Errorf("%w: intent adapter %q has no templates", domain.ErrInvalidArgument, name)
	}
	if cfg.TemplateTopM <= 0 {
		cfg.TemplateTopM = defaultTemplateTopM
	}
	if hc == nil {
		hc = http.DefaultClient
	}

	byID := make(map[string]*domain.TemplateDescriptor, len(cfg.Templates))
	for i := range cfg.Templates {
		t := &cfg.Templates[i]
		if t.ID == "" {
			return nil, fmt.Errorf("%w: intent adapter %q has a template with no id", domain.ErrInvalidArgument, name)
		}
		if _, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("%w: intent adapter %q has duplicate template id %q", domain.ErrInvalidArgument, name, t.ID)
		}
		if t.Kind == "" {
			t.Kind = domain.TemplateKindSQL
		}
		switch t.Kind {
		case domain.TemplateKindSQL:
			if sql == nil {
				return nil, fmt.Errorf("%w: intent adapter %q template %q needs a sql datasource", domain.ErrInvalidArgument, name, t.ID)
			}
		case domain.TemplateKindHTTP:
		default:
			return nil, fmt.Errorf("%w: intent adapter %q template %q has unknown kind %q", domain.ErrInvalidArgument, name, t.ID, t.Kind)
		}
		if len(t.NLExamples) == 0 {
			return nil, fmt.Errorf("%w: intent adapter %q template %q has no nl_examples", domain.ErrInvalidArgument, name, t.ID)
		}
		byID[t.ID] = t
	}

	collection := cfg.TemplateCollectionName
	if collection == "" {
		collection = ds.CollectionPrefix + name + "_templates"
	}
	return &IntentRetriever{
		name:       name,
		cfg:        cfg,
		ds:         ds,
		dims:       dims,
		embed:      embed,
		back:       back,
		llm:        llm,
		sql:        sql,
		hc:         hc,
		pools:      pools,
		byID:       byID,
		collection: collection,
	}, nil
}

// Initialize indexes the template examples: every example becomes one point
// in the adapter's template collection with a deterministic id, so repeated
// initialization upserts in place. Idempotent.
func (r *IntentRetriever) Initialize(ctx domain.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}

	var texts []string
	var payloads []map[string]any
	var ids []any
	for _, t := range r.cfg.Templates {
		for i, ex := range t.NLExamples {
			texts = append(texts, ex)
			payloads = append(payloads, map[string]any{"template_id": t.ID, "example": ex})
			ids = append(ids, pointID(r.name, t.ID, i))
		}
	}

	val, err := r.pools.Run(ctx, workerpool.PoolEmbedding, "intent.index:"+r.name, func(tctx context.Context) (any, error) {
		return r.embed.Embed(tctx, texts)
	})
	if err != nil {
		return fmt.Errorf("op=intent.initialize: %w", err)
	}
	vectors := val.([][]float32)
	if len(vectors) != len(texts) {
		return fmt.Errorf("op=intent.initialize: %w: got %d vectors for %d examples", domain.ErrUpstream, len(vectors), len(texts))
	}
	// The first example's vector stands in for each template descriptor.
	offset := 0
	for i := range r.cfg.Templates {
		r.cfg.Templates[i].Embedding = vectors[offset]
		offset += len(r.cfg.Templates[i].NLExamples)
	}

	dims := r.dims
	if dims <= 0 && len(vectors) > 0 {
		dims = len(vectors[0])
	}
	if err := r.back.EnsureCollection(ctx, r.collection, dims, qdrantDistance(r.ds.Distance)); err != nil {
		return fmt.Errorf("op=intent.initialize: %w", err)
	}
	if err := r.back.UpsertPoints(ctx, r.collection, vectors, payloads, ids); err != nil {
		return fmt.Errorf("op=intent.initialize: %w", err)
	}
	r.initialized = true
	slog.Info("template index ready",
		slog.String("adapter", r.name),
		slog.String("collection", r.collection),
		slog.Int("templates", len(r.cfg.Templates)),
		slog.Int("examples", len(texts)))
	return nil
}

// pointID derives a stable UUID for one template example.
func pointID(adapter, templateID string, idx int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("orbit/"+adapter+"/"+templateID+"/"+strconv.Itoa(idx))).String()
}

// Close is idempotent.
func (r *IntentRetriever) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initialized = false
	return nil
}

// SetCollection switches the template collection.
func (r *IntentRetriever) SetCollection(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty collection name", domain.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collection = name
	r.initialized = false
	return nil
}

func (r *IntentRetriever) templateCollection() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collection
}

// Examples merges every template's NL corpus with the adapter's own.
func (r *IntentRetriever) Examples(_ domain.Context) ([]string, error) {
	var out []string
	for _, t := range r.cfg.Templates {
		out = append(out, t.NLExamples...)
	}
	out = append(out, r.cfg.NLExamples...)
	return out, nil
}

// templateMatch is one template candidate with its similarity and the
// tag-adjusted score used for ranking.
type templateMatch struct {
	tpl      *domain.TemplateDescriptor
	sim      float64
	adjusted float64
}

// GetRelevantContext runs the full intent pipeline.
func (r *IntentRetriever) GetRelevantContext(ctx domain.Context, query string, opts domain.RetrieveOptions) ([]domain.ContextDocument, domain.RetrievalMeta, error) {
	log := observability.LoggerFromContext(ctx)
	_, returnResults := r.cfg.resolve()

	vec, err := embedOnPool(ctx, r.pools, r.embed, "intent.embed:"+r.name, query)
	if err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=intent.embed: %w", err)
	}
	points, err := r.back.Search(ctx, r.templateCollection(), qdrant.SearchParams{
		Vector: vec,
		Limit:  r.cfg.TemplateTopM,
	})
	if err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=intent.match: %w", err)
	}

	matches := r.rankMatches(query, points)
	passing := 0
	for _, m := range matches {
		if m.adjusted >= r.cfg.ConfidenceThreshold {
			passing++
		}
	}
	if passing == 0 {
		log.Info("no template above threshold",
			slog.String("adapter", r.name),
			slog.Int("candidates", len(matches)),
			slog.Float64("threshold", r.cfg.ConfidenceThreshold))
		return nil, metaForStages(len(points), 0, 0, 0), nil
	}
	winner := matches[0]

	params, err := r.extractParameters(ctx, query, winner.tpl)
	if err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=intent.extract: template %q: %w", winner.tpl.ID, err)
	}

	confidence := clamp01(winner.adjusted)
	docs, fetched, err := r.execute(ctx, winner.tpl, params, confidence, returnResults)
	if err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=intent.execute: template %q: %w", winner.tpl.ID, err)
	}

	// Stage counters describe template matching; the totals describe the
	// executed rows.
	meta := domain.RetrievalMeta{
		ResultCount:    len(docs),
		TotalAvailable: fetched,
		Truncated:      len(docs) < fetched,
		Stages:         domain.RetrievalStages{Vector: len(points), Confidence: passing, Domain: fetched},
	}
	if meta.Truncated {
		observability.RetrievalTruncationsTotal.WithLabelValues(r.name).Inc()
	}
	log.Info("intent retrieval",
		slog.String("adapter", r.name),
		slog.String("template", winner.tpl.ID),
		slog.Float64("confidence", confidence),
		slog.Int("result_count", meta.ResultCount),
		slog.Int("total_available", meta.TotalAvailable),
		slog.Bool("truncated", meta.Truncated),
		slog.String("session_id", opts.SessionID))
	return docs, meta, nil
}

// rankMatches dedupes the example hits to one candidate per template keeping
// the best similarity, then applies the tag weighting and orders by the
// adjusted score.
func (r *IntentRetriever) rankMatches(query string, points []qdrant.ScoredPoint) []templateMatch {
	best := make(map[string]float64)
	for _, pt := range points {
		id := payloadString(pt.Payload, "template_id")
		if id == "" {
			continue
		}
		sim := similarityFromScore(r.ds.Distance, r.ds.ScoreScale, pt.Score)
		if sim > best[id] {
			best[id] = sim
		}
	}
	matches := make([]templateMatch, 0, len(best))
	for id, sim := range best {
		tpl, ok := r.byID[id]
		if !ok {
			continue
		}
		matches = append(matches, templateMatch{
			tpl:      tpl,
			sim:      sim,
			adjusted: sim + r.tagBoost(query, tpl.SemanticTags),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].adjusted > matches[j].adjusted })
	return matches
}

// tagBoost sums the configured weight of every semantic tag that appears in
// the query.
func (r *IntentRetriever) tagBoost(query string, tags []string) float64 {
	if len(r.cfg.TagWeights) == 0 || len(tags) == 0 {
		return 0
	}
	q := strings.ToLower(query)
	boost := 0.0
	for _, tag := range tags {
		w, ok := r.cfg.TagWeights[tag]
		if !ok {
			continue
		}
		if strings.Contains(q, strings.ToLower(tag)) {
			boost += w
		}
	}
	return boost
}

// extractParameters asks the LLM for the template's parameter values and
// validates them against the declared schema.
func (r *IntentRetriever) extractParameters(ctx domain.Context, query string, tpl *domain.TemplateDescriptor) (map[string]any, error) {
	if len(tpl.Parameters) == 0 {
		return map[string]any{}, nil
	}

	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "You extract parameters for a query template. Respond with a single JSON object mapping parameter names to values. No prose, no explanations."},
		{Role: domain.RoleUser, Content: extractionPrompt(query, tpl)},
	}
	val, err := r.pools.Run(ctx, workerpool.PoolInference, "intent.extract:"+r.name, func(tctx context.Context) (any, error) {
		return r.llm.Chat(tctx, messages, domain.GenOptions{Model: r.cfg.ExtractionModel, MaxTokens: 256})
	})
	if err != nil {
		return nil, err
	}

	var rawParams map[string]any
	if err := json.Unmarshal([]byte(stripCodeFences(val.(string))), &rawParams); err != nil {
		return nil, fmt.Errorf("%w: parameter extraction returned no JSON object: %v", domain.ErrUpstream, err)
	}
	return validateParameters(rawParams, tpl.Parameters)
}

// extractionPrompt renders the schema and the utterance for the extraction
// call.
func extractionPrompt(query string, tpl *domain.TemplateDescriptor) string {
	var sb strings.Builder
	sb.WriteString("Parameters:\n")
	for _, p := range tpl.Parameters {
		fmt.Fprintf(&sb, "- %s (%s", p.Name, p.Type)
		if p.Required {
			sb.WriteString(", required")
		}
		if p.Default != nil {
			fmt.Fprintf(&sb, ", default %v", p.Default)
		}
		sb.WriteString(")\n")
	}
	sb.WriteString("\nUser request: ")
	sb.WriteString(query)
	return sb.String()
}

// stripCodeFences unwraps a fenced model reply down to the JSON object. The
// fence language marker and any prose around the braces are discarded.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// validateParameters checks required-ness, applies defaults, and coerces
// values to the declared types.
func validateParameters(raw map[string]any, schema []domain.TemplateParameter) (map[string]any, error) {
	out := make(map[string]any, len(schema))
	for _, p := range schema {
		v, ok := raw[p.Name]
		if !ok || v == nil {
			if p.Default != nil {
				out[p.Name] = p.Default
				continue
			}
			if p.Required {
				return nil, fmt.Errorf("%w: missing required parameter %q", domain.ErrInvalidArgument, p.Name)
			}
			continue
		}
		coerced, err := coerceParameter(v, p.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: parameter %q: %v", domain.ErrInvalidArgument, p.Name, err)
		}
		out[p.Name] = coerced
	}
	return out, nil
}

// coerceParameter converts an extracted value to the declared type,
// tolerating the string forms models tend to produce.
func coerceParameter(v any, typ string) (any, error) {
	switch strings.ToLower(typ) {
	case "string", "":
		return fmt.Sprintf("%v", v), nil
	case "int", "integer":
		switch t := v.(type) {
		case float64:
			if t != math.Trunc(t) {
				return nil, fmt.Errorf("%v is not an integer", t)
			}
			return int(t), nil
		case int:
			return t, nil
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(t))
			if err != nil {
				return nil, fmt.Errorf("%q is not an integer", t)
			}
			return n, nil
		}
	case "float", "number":
		switch t := v.(type) {
		case float64:
			return t, nil
		case int:
			return float64(t), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", t)
			}
			return f, nil
		}
	case "bool", "boolean":
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(t))
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", t)
			}
			return b, nil
		}
	default:
		return nil, fmt.Errorf("unknown type %q", typ)
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, typ)
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// renderSQL converts {name} placeholders into positional parameters so
// extracted values bind instead of concatenating. Unknown placeholders are a
// render error.
func renderSQL(tmpl string, params map[string]any) (string, []any, error) {
	var args []any
	var missing string
	rendered := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := params[name]
		if !ok {
			missing = name
			return m
		}
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	})
	if missing != "" {
		return "", nil, fmt.Errorf("%w: template references unextracted parameter %q", domain.ErrInvalidArgument, missing)
	}
	return rendered, args, nil
}

// renderHTTP substitutes {name} placeholders with escaped values.
func renderHTTP(tmpl string, params map[string]any) (string, error) {
	var missing string
	rendered := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := params[name]
		if !ok {
			missing = name
			return m
		}
		return url.QueryEscape(fmt.Sprintf("%v", v))
	})
	if missing != "" {
		return "", fmt.Errorf("%w: template references unextracted parameter %q", domain.ErrInvalidArgument, missing)
	}
	return rendered, nil
}

// execute runs the rendered template through the matching sub-path and
// formats the rows with the template match confidence.
func (r *IntentRetriever) execute(ctx domain.Context, tpl *domain.TemplateDescriptor, params map[string]any, confidence float64, returnResults int) ([]domain.ContextDocument, int, error) {
	maxResults, _ := r.cfg.resolve()
	switch tpl.Kind {
	case domain.TemplateKindSQL:
		stmt, args, err := renderSQL(tpl.Template, params)
		if err != nil {
			return nil, 0, err
		}
		val, err := r.pools.Run(ctx, workerpool.PoolDB, "intent.sql:"+r.name, func(tctx context.Context) (any, error) {
			return r.sql.Select(tctx, stmt, args, maxResults)
		})
		if err != nil {
			return nil, 0, err
		}
		rows := val.([]map[string]any)
		fetched := len(rows)
		if len(rows) > returnResults {
			rows = rows[:returnResults]
		}
		docs := make([]domain.ContextDocument, 0, len(rows))
		for _, row := range rows {
			docs = append(docs, domain.ContextDocument{
				Content: formatRow(row),
				Metadata: domain.DocumentMeta{
					Adapter:    r.name,
					Source:     "template:" + tpl.ID,
					Confidence: confidence,
				},
				Score: confidence,
			})
		}
		return docs, fetched, nil

	case domain.TemplateKindHTTP:
		endpoint, err := renderHTTP(tpl.Template, params)
		if err != nil {
			return nil, 0, err
		}
		items, err := r.fetchHTTP(ctx, endpoint)
		if err != nil {
			return nil, 0, err
		}
		fetched := len(items)
		if len(items) > returnResults {
			items = items[:returnResults]
		}
		docs := make([]domain.ContextDocument, 0, len(items))
		for _, it := range items {
			docs = append(docs, domain.ContextDocument{
				Content: it.text(),
				Metadata: domain.DocumentMeta{
					Adapter:    r.name,
					Source:     "template:" + tpl.ID,
					Confidence: confidence,
				},
				Score: confidence,
			})
		}
		return docs, fetched, nil
	}
	return nil, 0, fmt.Errorf("%w: unknown template kind %q", domain.ErrInvalidArgument, tpl.Kind)
}

// fetchHTTP executes a rendered http template.
func (r *IntentRetriever) fetchHTTP(ctx domain.Context, endpoint string) ([]httpResultItem, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	resp, err := r.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: endpoint status %d", domain.ErrUpstream, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	return decodeHTTPResults(body)
}
