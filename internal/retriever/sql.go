package retriever

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
)

// SQLConfig shapes a sql retriever.
type SQLConfig struct {
	Bounds `yaml:",inline"`
	// Query is the parameterized template; the user query binds as $1. Static
	// templates without a placeholder are allowed.
	Query string `yaml:"query"`
	// Queries lists additional templates; more than one template requires
	// approved_by_admin.
	Queries []string `yaml:"queries"`
	// Match chooses how the user query binds: "like" wraps it in wildcards,
	// "exact" passes it verbatim.
	Match string `yaml:"match"`
	// SecurityFilter is a boolean expression AND-ed into every template. It
	// is appended with WHERE or AND, so templates with trailing ORDER BY or
	// LIMIT clauses must carry the filter themselves.
	SecurityFilter string `yaml:"security_filter"`
	// AllowedColumns projects result rows down to the listed columns.
	AllowedColumns  []string `yaml:"allowed_columns"`
	ApprovedByAdmin bool     `yaml:"approved_by_admin"`
	// Confidence is the static confidence assigned to every row.
	Confidence float64  `yaml:"confidence"`
	NLExamples []string `yaml:"nl_examples"`
}

// SQLRetriever answers queries from a relational datasource through
// parameterized templates. Caller values reach the database only as bound
// parameters, never by string concatenation; the datasource enforces the
// query timeout and the row cap.
type SQLRetriever struct {
	name       string
	datasource string
	cfg        SQLConfig
	queries    []string
	src        RowSource
}

// NewSQLRetriever builds a sql retriever. Multiple templates without the
// admin approval flag are a load error.
func NewSQLRetriever(name, datasource string, raw map[string]any, src RowSource) (*SQLRetriever, error) {
	var cfg SQLConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: sql adapter %q has no datasource", domain.ErrInvalidArgument, name)
	}
	queries := make([]string, 0, 1+len(cfg.Queries))
	if q := strings.TrimSpace(cfg.Query); q != "" {
		queries = append(queries, q)
	}
	for _, q := range cfg.Queries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("%w: sql adapter %q has no query template", domain.ErrInvalidArgument, name)
	}
	if len(queries) > 1 && !cfg.ApprovedByAdmin {
		return nil, fmt.Errorf("%w: sql adapter %q uses multiple templates without approved_by_admin", domain.ErrInvalidArgument, name)
	}
	if cfg.Confidence <= 0 {
		cfg.Confidence = 1
	}
	cfg.Confidence = clamp01(cfg.Confidence)
	return &SQLRetriever{name: name, datasource: datasource, cfg: cfg, queries: queries, src: src}, nil
}

// Initialize is a no-op; the connection pool is owned by the datasource.
func (r *SQLRetriever) Initialize(_ domain.Context) error { return nil }

// Close is idempotent; the datasource outlives the adapter.
func (r *SQLRetriever) Close() error { return nil }

// SetCollection has no effect for relational sources; the table is fixed by
// the template.
func (r *SQLRetriever) SetCollection(_ string) error { return nil }

// Examples contributes the configured NL corpus to autocomplete.
func (r *SQLRetriever) Examples(_ domain.Context) ([]string, error) {
	out := make([]string, len(r.cfg.NLExamples))
	copy(out, r.cfg.NLExamples)
	return out, nil
}

// GetRelevantContext runs every template, formats the rows, and truncates to
// return_results with the same accounting as the vector variant.
func (r *SQLRetriever) GetRelevantContext(ctx domain.Context, query string, opts domain.RetrieveOptions) ([]domain.ContextDocument, domain.RetrievalMeta, error) {
	maxResults, returnResults := r.cfg.resolve()

	var rows []map[string]any
	for _, tmpl := range r.queries {
		remaining := maxResults - len(rows)
		if remaining <= 0 {
			break
		}
		stmt := applySecurityFilter(tmpl, r.cfg.SecurityFilter)
		got, err := r.src.Select(ctx, stmt, r.bindArgs(stmt, query), remaining)
		if err != nil {
			return nil, domain.RetrievalMeta{}, fmt.Errorf("op=sql.retrieve: adapter %q: %w", r.name, err)
		}
		rows = append(rows, got...)
	}

	raw := len(rows)
	docs := make([]domain.ContextDocument, 0, raw)
	for _, row := range rows {
		if r.cfg.Confidence < r.cfg.ConfidenceThreshold {
			continue
		}
		docs = append(docs, domain.ContextDocument{
			Content: formatRow(projectColumns(row, r.cfg.AllowedColumns)),
			Metadata: domain.DocumentMeta{
				Adapter:    r.name,
				Source:     "sql:" + r.datasource,
				Confidence: r.cfg.Confidence,
			},
			Score: r.cfg.Confidence,
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
	observability.LoggerFromContext(ctx).Info("sql retrieval",
		slog.String("adapter", r.name),
		slog.Int("result_count", meta.ResultCount),
		slog.Int("total_available", meta.TotalAvailable),
		slog.Bool("truncated", meta.Truncated),
		slog.String("session_id", opts.SessionID))
	return docs, meta, nil
}

// bindArgs produces the parameter list for one template. Templates without a
// placeholder run with no arguments.
func (r *SQLRetriever) bindArgs(stmt, query string) []any {
	if !strings.Contains(stmt, "$1") {
		return nil
	}
	if strings.EqualFold(r.cfg.Match, "exact") {
		return []any{query}
	}
	return []any{"%" + query + "%"}
}

// applySecurityFilter AND-s the configured filter into a template, adding a
// WHERE clause when the template has none.
func applySecurityFilter(stmt, filter string) string {
	if filter = strings.TrimSpace(filter); filter == "" {
		return stmt
	}
	if strings.Contains(strings.ToLower(stmt), " where ") {
		return stmt + " AND (" + filter + ")"
	}
	return stmt + " WHERE (" + filter + ")"
}
