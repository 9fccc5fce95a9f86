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

// EmbedClient implements domain.Embedder against an OpenAI-compatible
// embeddings endpoint.
type EmbedClient struct {
	cfg config.Embeddings
	hc  *http.Client
}

// NewEmbedClient constructs an embeddings client with the configured timeout.
func NewEmbedClient(cfg config.Embeddings) *EmbedClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &EmbedClient{cfg: cfg, hc: &http.Client{Timeout: timeout}}
}

// Embed returns one vector per input text, in input order.
func (c *EmbedClient) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	if c.cfg.BaseURL == "" || c.cfg.Model == "" {
		// Do not log secrets; only indicate presence
		slog.Error("embeddings endpoint or model missing", slog.Bool("has_api_key", c.cfg.APIKey != ""), slog.String("model", c.cfg.Model))
		return nil, fmt.Errorf("%w: embeddings base_url or model missing", domain.ErrInvalidArgument)
	}
	if len(texts) == 0 {
		return nil, nil
	}
	body := map[string]any{
		"model": c.cfg.Model,
		"input": texts,
	}
	b, _ := json.Marshal(body)
	var out struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	endpoint := c.cfg.BaseURL + "/embeddings"
	op := func() error {
		start := time.Now()
		// Recreate request each attempt to avoid reusing consumed bodies
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
		r.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(r)
		observability.ObserveProviderCall("embeddings", "embed", start)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode == http.StatusTooManyRequests {
			slog.Warn("provider rate limited", slog.String("provider", "embeddings"), slog.String("op", "embed"), slog.Int("status", resp.StatusCode))
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			slog.Warn("provider 4xx", slog.String("provider", "embeddings"), slog.String("op", "embed"), slog.Int("status", resp.StatusCode), slog.String("model", c.cfg.Model), slog.String("body", readSnippet(resp.Body, 512)))
			return backoff.Permanent(fmt.Errorf("embed status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			slog.Error("provider non-2xx", slog.String("provider", "embeddings"), slog.String("op", "embed"), slog.Int("status", resp.StatusCode), slog.String("model", c.cfg.Model), slog.String("body", readSnippet(resp.Body, 512)))
			return fmt.Errorf("embed status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			slog.Error("provider decode error", slog.String("provider", "embeddings"), slog.String("op", "embed"), slog.Any("error", err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, newBackoff(ctx, c.hc.Timeout)); err != nil {
		return nil, wrapProviderErr("embed.embed", err)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("op=embed.embed: %w: got %d vectors for %d inputs", domain.ErrUpstream, len(out.Data), len(texts))
	}
	res := make([][]float32, len(out.Data))
	for i := range out.Data {
		if c.cfg.Dimensions > 0 && len(out.Data[i].Embedding) != c.cfg.Dimensions {
			return nil, fmt.Errorf("op=embed.embed: %w: vector dim %d, want %d", domain.ErrUpstream, len(out.Data[i].Embedding), c.cfg.Dimensions)
		}
		v := make([]float32, len(out.Data[i].Embedding))
		for j := range out.Data[i].Embedding {
			v[j] = float32(out.Data[i].Embedding[j])
		}
		res[i] = v
	}
	return res, nil
}
