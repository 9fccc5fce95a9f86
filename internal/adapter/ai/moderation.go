package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"log/slog"

	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
)

// ModerationClient implements domain.Moderator against an OpenAI-compatible
// moderations endpoint.
type ModerationClient struct {
	cfg config.Moderators
	hc  *http.Client
}

// NewModerationClient constructs a moderation client.
func NewModerationClient(cfg config.Moderators) *ModerationClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ModerationClient{cfg: cfg, hc: &http.Client{Timeout: timeout}}
}

// Check classifies content. The caller decides what a failed check means;
// this client only reports the verdict or the error.
func (c *ModerationClient) Check(ctx domain.Context, content string) (domain.ModerationVerdict, error) {
	if c.cfg.BaseURL == "" {
		return domain.ModerationVerdict{}, fmt.Errorf("%w: moderation base_url missing", domain.ErrInvalidArgument)
	}
	body := map[string]any{"input": content}
	if c.cfg.Model != "" {
		body["model"] = c.cfg.Model
	}
	b, _ := json.Marshal(body)
	var out struct {
		Results []struct {
			Flagged    bool            `json:"flagged"`
			Categories map[string]bool `json:"categories"`
		} `json:"results"`
	}
	endpoint := c.cfg.BaseURL + "/moderations"
	op := func() error {
		start := time.Now()
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
		r.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(r)
		observability.ObserveProviderCall("moderation", "check", start)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			slog.Warn("provider 4xx", slog.String("provider", "moderation"), slog.String("op", "check"), slog.Int("status", resp.StatusCode), slog.String("body", readSnippet(resp.Body, 512)))
			return backoff.Permanent(fmt.Errorf("moderation status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			slog.Error("provider non-2xx", slog.String("provider", "moderation"), slog.String("op", "check"), slog.Int("status", resp.StatusCode), slog.String("body", readSnippet(resp.Body, 512)))
			return fmt.Errorf("moderation status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			slog.Error("provider decode error", slog.String("provider", "moderation"), slog.String("op", "check"), slog.Any("error", err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, newBackoff(ctx, c.hc.Timeout)); err != nil {
		return domain.ModerationVerdict{}, wrapProviderErr("moderation.check", err)
	}
	if len(out.Results) == 0 {
		return domain.ModerationVerdict{}, fmt.Errorf("op=moderation.check: %w: empty results", domain.ErrUpstream)
	}
	verdict := domain.ModerationVerdict{Flagged: out.Results[0].Flagged}
	for cat, hit := range out.Results[0].Categories {
		if hit {
			verdict.Categories = append(verdict.Categories, cat)
		}
	}
	sort.Strings(verdict.Categories)
	return verdict, nil
}
