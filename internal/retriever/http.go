package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
)

// Auth types accepted by the http retriever.
const (
	AuthBearer       = "bearer"
	AuthAPIKeyHeader = "api_key_header"
	AuthBasic        = "basic"
)

// HTTPAuth configures how the retriever authenticates against its endpoint.
type HTTPAuth struct {
	Type     string `yaml:"type"`
	Token    string `yaml:"token"`
	Header   string `yaml:"header"`
	Key      string `yaml:"key"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// apply stamps the configured credentials onto a request.
func (a HTTPAuth) apply(r *http.Request) {
	switch a.Type {
	case AuthBearer:
		r.Header.Set("Authorization", "Bearer "+a.Token)
	case AuthAPIKeyHeader:
		h := a.Header
		if h == "" {
			h = "X-API-Key"
		}
		r.Header.Set(h, a.Key)
	case AuthBasic:
		r.SetBasicAuth(a.Username, a.Password)
	}
}

// HTTPConfig shapes an http retriever.
type HTTPConfig struct {
	Bounds     `yaml:",inline"`
	URL        string            `yaml:"url"`
	Method     string            `yaml:"method"`
	Timeout    time.Duration     `yaml:"timeout"`
	MaxRetries int               `yaml:"max_retries"`
	Headers    map[string]string `yaml:"headers"`
	Auth       HTTPAuth          `yaml:"auth"`
	// Confidence is the fallback when the endpoint reports none.
	Confidence float64  `yaml:"confidence"`
	NLExamples []string `yaml:"nl_examples"`
}

// HTTPRetriever queries an external search endpoint over a pooled client.
// Transient failures (connection errors, 429, 5xx) retry with exponential
// backoff up to max_retries; 4xx responses fail immediately.
type HTTPRetriever struct {
	name string
	cfg  HTTPConfig
	hc   *http.Client
}

// NewHTTPRetriever builds an http retriever on the shared pooled client.
func NewHTTPRetriever(name string, raw map[string]any, hc *http.Client) (*HTTPRetriever, error) {
	var cfg HTTPConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: http adapter %q has no url", domain.ErrInvalidArgument, name)
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("%w: http adapter %q url: %v", domain.ErrInvalidArgument, name, err)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Confidence <= 0 {
		cfg.Confidence = 0.8
	}
	cfg.Confidence = clamp01(cfg.Confidence)
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPRetriever{name: name, cfg: cfg, hc: hc}, nil
}

// Initialize is a no-op; connections are established lazily by the pool.
func (r *HTTPRetriever) Initialize(_ domain.Context) error { return nil }

// Close is idempotent; the pooled client is shared and owned by the factory.
func (r *HTTPRetriever) Close() error { return nil }

// SetCollection has no backing concept for http endpoints.
func (r *HTTPRetriever) SetCollection(_ string) error { return nil }

// Examples contributes the configured NL corpus to autocomplete.
func (r *HTTPRetriever) Examples(_ domain.Context) ([]string, error) {
	out := make([]string, len(r.cfg.NLExamples))
	copy(out, r.cfg.NLExamples)
	return out, nil
}

// httpResultItem is one record in an endpoint response. Content and text are
// both accepted so common search APIs work unmodified.
type httpResultItem struct {
	Content    string  `json:"content"`
	Text       string  `json:"text"`
	Source     string  `json:"source"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

func (it httpResultItem) text() string {
	if it.Content != "" {
		return it.Content
	}
	return it.Text
}

// decodeHTTPResults accepts either {"results": [...]} or a bare array.
func decodeHTTPResults(body []byte) ([]httpResultItem, error) {
	var wrapped struct {
		Results []httpResultItem `json:"results"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Results != nil {
		return wrapped.Results, nil
	}
	var bare []httpResultItem
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, err
	}
	return bare, nil
}

// GetRelevantContext queries the endpoint and converts its records to
// documents under the usual accounting.
func (r *HTTPRetriever) GetRelevantContext(ctx domain.Context, query string, opts domain.RetrieveOptions) ([]domain.ContextDocument, domain.RetrievalMeta, error) {
	maxResults, returnResults := r.cfg.resolve()

	body, err := r.fetch(ctx, query, maxResults, opts)
	if err != nil {
		return nil, domain.RetrievalMeta{}, err
	}
	items, err := decodeHTTPResults(body)
	if err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=http.retrieve: adapter %q: %w: %v", r.name, domain.ErrUpstream, err)
	}

	raw := len(items)
	docs := make([]domain.ContextDocument, 0, raw)
	for _, it := range items {
		conf := it.Confidence
		if conf <= 0 {
			conf = it.Score
		}
		if conf <= 0 {
			conf = r.cfg.Confidence
		}
		conf = clamp01(conf)
		if conf < r.cfg.ConfidenceThreshold {
			continue
		}
		docs = append(docs, domain.ContextDocument{
			Content: it.text(),
			Metadata: domain.DocumentMeta{
				Adapter:    r.name,
				Source:     it.Source,
				Confidence: conf,
			},
			Score: conf,
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
	observability.LoggerFromContext(ctx).Info("http retrieval",
		slog.String("adapter", r.name),
		slog.Int("result_count", meta.ResultCount),
		slog.Int("total_available", meta.TotalAvailable),
		slog.Bool("truncated", meta.Truncated))
	return docs, meta, nil
}

// fetch performs the endpoint call with per-request timeout and bounded
// retries. The request is rebuilt each attempt.
func (r *HTTPRetriever) fetch(ctx domain.Context, query string, limit int, opts domain.RetrieveOptions) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var out []byte
	op := func() error {
		req, err := r.buildRequest(ctx, query, limit, opts)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := r.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			slog.Warn("http adapter 4xx",
				slog.String("adapter", r.name),
				slog.Int("status", resp.StatusCode))
			return backoff.Permanent(fmt.Errorf("endpoint status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("endpoint status %d", resp.StatusCode)
		}
		b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		out = b
		return nil
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxInterval = 2 * time.Second
	expo.MaxElapsedTime = r.cfg.Timeout
	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(expo, ctx), uint64(r.cfg.MaxRetries))); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("op=http.retrieve: adapter %q: %w", r.name, domain.ErrTimeout)
		}
		return nil, fmt.Errorf("op=http.retrieve: adapter %q: %w: %v", r.name, domain.ErrUpstream, err)
	}
	return out, nil
}

// buildRequest shapes the outbound call: GET endpoints receive query
// parameters, everything else a JSON body carrying the query and the
// request correlation fields.
func (r *HTTPRetriever) buildRequest(ctx domain.Context, query string, limit int, opts domain.RetrieveOptions) (*http.Request, error) {
	var req *http.Request
	var err error
	if r.cfg.Method == http.MethodGet {
		u, perr := url.Parse(r.cfg.URL)
		if perr != nil {
			return nil, perr
		}
		q := u.Query()
		q.Set("q", query)
		q.Set("limit", strconv.Itoa(limit))
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	} else {
		payload := map[string]any{"query": query, "limit": limit}
		if opts.SessionID != "" {
			payload["session_id"] = opts.SessionID
		}
		if len(opts.FileIDs) > 0 {
			payload["file_ids"] = opts.FileIDs
		}
		b, _ := json.Marshal(payload)
		req, err = http.NewRequestWithContext(ctx, r.cfg.Method, r.cfg.URL, bytes.NewReader(b))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, err
	}
	for k, v := range r.cfg.Headers {
		req.Header.Set(k, v)
	}
	if opts.RequestID != "" {
		req.Header.Set("X-Request-ID", opts.RequestID)
	}
	r.cfg.Auth.apply(req)
	return req, nil
}
