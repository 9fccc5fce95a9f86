// Package models maintains the catalog behind /v1/models: the inference
// models a client may ask for. With discovery enabled the catalog refreshes
// itself from the provider's model listing and filters it through the
// configured allowlist; without it, or when the provider is unreachable and
// no cached listing exists, the configured list is served as-is.
package models

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/orbit-ai/orbit/internal/config"
)

// Model is one catalog entry. OwnedBy is whatever the provider reports and
// stays empty for configured-only entries.
type Model struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}

type listResponse struct {
	Data []Model `json:"data"`
}

// Catalog caches the provider's model listing for the configured refresh
// interval. A fetch failure serves the stale cache when one exists; the
// configured model list is the floor the catalog never drops below.
type Catalog struct {
	cfg    config.Inference
	client *http.Client

	mu        sync.Mutex
	cached    []Model
	lastFetch time.Time

	now func() time.Time
}

// NewCatalog builds a catalog over the inference provider settings.
func NewCatalog(cfg config.Inference) *Catalog {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Catalog{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// List returns the catalog entries, default model first. It never fails:
// discovery problems degrade to the cached or configured listing.
func (c *Catalog) List(ctx context.Context) []Model {
	if c.cfg.ModelRefresh <= 0 || c.cfg.BaseURL == "" {
		return c.configured()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil && c.now().Sub(c.lastFetch) < c.cfg.ModelRefresh {
		return c.cached
	}

	fetched, err := c.fetch(ctx)
	if err != nil {
		if c.cached != nil {
			slog.WarnContext(ctx, "model discovery failed, serving stale catalog",
				slog.Int("cached", len(c.cached)),
				slog.Any("error", err))
			return c.cached
		}
		slog.WarnContext(ctx, "model discovery failed, serving configured models",
			slog.Any("error", err))
		return c.configured()
	}

	entries := c.filter(fetched)
	if len(entries) == 0 {
		entries = c.configured()
	}
	c.cached = entries
	c.lastFetch = c.now()
	slog.DebugContext(ctx, "model catalog refreshed", slog.Int("models", len(entries)))
	return entries
}

// IDs returns the catalog as a plain id list.
func (c *Catalog) IDs(ctx context.Context) []string {
	entries := c.List(ctx)
	ids := make([]string, len(entries))
	for i, m := range entries {
		ids[i] = m.ID
	}
	return ids
}

// Refresh drops the cache so the next List hits the provider again.
func (c *Catalog) Refresh() {
	c.mu.Lock()
	c.cached = nil
	c.lastFetch = time.Time{}
	c.mu.Unlock()
}

func (c *Catalog) fetch(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("op=models.fetch: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=models.fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("op=models.fetch: status %d: %s", resp.StatusCode, body)
	}
	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("op=models.fetch: decode: %w", err)
	}
	return out.Data, nil
}

// filter keeps discovered models that appear in the configured allowlist,
// ordered by the allowlist. An empty allowlist admits everything the
// provider reports.
func (c *Catalog) filter(discovered []Model) []Model {
	allow := c.allowlist()
	if len(allow) == 0 {
		return discovered
	}
	byID := make(map[string]Model, len(discovered))
	for _, m := range discovered {
		byID[m.ID] = m
	}
	out := make([]Model, 0, len(allow))
	for _, id := range allow {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// configured renders the static model list, default first.
func (c *Catalog) configured() []Model {
	ids := c.allowlist()
	out := make([]Model, 0, len(ids))
	for _, id := range ids {
		out = append(out, Model{ID: id})
	}
	return out
}

// allowlist is the configured model set with the default model guaranteed to
// lead.
func (c *Catalog) allowlist() []string {
	out := make([]string, 0, len(c.cfg.Models)+1)
	if c.cfg.Model != "" {
		out = append(out, c.cfg.Model)
	}
	for _, id := range c.cfg.Models {
		if id != "" && id != c.cfg.Model {
			out = append(out, id)
		}
	}
	return out
}
