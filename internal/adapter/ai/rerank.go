package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"log/slog"

	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
)

// RerankClient implements domain.Reranker against a Cohere-style /rerank
// endpoint (also exposed by Jina and most inference gateways).
type RerankClient struct {
	cfg config.Rerankers
	hc  *http.Client
}

// NewRerankClient constructs a rerank client.
func NewRerankClient(cfg config.Rerankers) *RerankClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RerankClient{cfg: cfg, hc: &http.Client{Timeout: timeout}}
}

// Rerank returns a reordered copy of docs. Documents pass through unchanged,
// scores and confidence included; only order reflects the reranker.
func (c *RerankClient) Rerank(ctx domain.Context, query string, docs []domain.ContextDocument) ([]domain.ContextDocument, error) {
	if c.cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: reranker base_url missing", domain.ErrInvalidArgument)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	topN := c.cfg.TopN
	if topN <= 0 || topN > len(docs) {
		topN = len(docs)
	}
	body := map[string]any{
		"model":     c.cfg.Model,
		"query":     query,
		"documents": texts,
		"top_n":     topN,
	}
	b, _ := json.Marshal(body)
	var out struct {
		Results []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"results"`
	}
	endpoint := c.cfg.BaseURL + "/rerank"
	op := func() error {
		start := time.Now()
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
		r.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(r)
		observability.ObserveProviderCall("reranker", "rerank", start)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			slog.Warn("provider 4xx", slog.String("provider", "reranker"), slog.String("op", "rerank"), slog.Int("status", resp.StatusCode), slog.String("body", readSnippet(resp.Body, 512)))
			return backoff.Permanent(fmt.Errorf("rerank status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			slog.Error("provider non-2xx", slog.String("provider", "reranker"), slog.String("op", "rerank"), slog.Int("status", resp.StatusCode), slog.String("body", readSnippet(resp.Body, 512)))
			return fmt.Errorf("rerank status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			slog.Error("provider decode error", slog.String("provider", "reranker"), slog.String("op", "rerank"), slog.Any("error", err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, newBackoff(ctx, c.hc.Timeout)); err != nil {
		return nil, wrapProviderErr("rerank.rerank", err)
	}
	if len(out.Results) == 0 {
		return nil, fmt.Errorf("op=rerank.rerank: %w: empty results", domain.ErrUpstream)
	}
	reordered := make([]domain.ContextDocument, 0, len(out.Results))
	for _, res := range out.Results {
		if res.Index < 0 || res.Index >= len(docs) {
			slog.Warn("reranker returned out-of-range index", slog.Int("index", res.Index), slog.Int("docs", len(docs)))
			continue
		}
		reordered = append(reordered, docs[res.Index])
	}
	if len(reordered) == 0 {
		return nil, fmt.Errorf("op=rerank.rerank: %w: no usable indices", domain.ErrUpstream)
	}
	return reordered, nil
}
