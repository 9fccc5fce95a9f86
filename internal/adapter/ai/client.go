// Package ai implements the provider ports (chat, embeddings, moderation,
// rerank) against OpenAI-compatible HTTP APIs.
package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"log/slog"

	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
)

const defaultStreamBuffer = 8

// ChatClient implements domain.LLMClient against an OpenAI-compatible
// chat/completions endpoint.
type ChatClient struct {
	cfg config.Inference
	hc  *http.Client
}

// NewChatClient constructs a chat client with the configured timeout.
func NewChatClient(cfg config.Inference) *ChatClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ChatClient{cfg: cfg, hc: &http.Client{Timeout: timeout}}
}

// newBackoff returns the retry schedule shared by the provider clients. The
// elapsed budget stays under the client timeout so retries never outlive the
// request.
func newBackoff(ctx domain.Context, timeout time.Duration) backoff.BackOffContext {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.MaxElapsedTime = timeout
	if expo.MaxElapsedTime <= 0 {
		expo.MaxElapsedTime = 30 * time.Second
	}
	return backoff.WithContext(expo, ctx)
}

// readSnippet reads up to n bytes from r for log context.
func readSnippet(r io.Reader, n int) string {
	if r == nil || n <= 0 {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, int64(n)))
	return string(b)
}

// wrapProviderErr maps a transport failure onto the domain taxonomy so the
// breaker can tell timeouts from plain failures.
func wrapProviderErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrTimeout)
	}
	var ue interface{ Timeout() bool }
	if errors.As(err, &ue) && ue.Timeout() {
		return fmt.Errorf("op=%s: %w", op, domain.ErrTimeout)
	}
	return fmt.Errorf("op=%s: %w: %v", op, domain.ErrUpstream, err)
}

func (c *ChatClient) requestBody(messages []domain.ChatMessage, opts domain.GenOptions, stream bool) ([]byte, string) {
	model := opts.Model
	if model == "" {
		model = c.cfg.Model
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	temperature := opts.Temperature
	if temperature <= 0 {
		temperature = c.cfg.Temperature
	}
	body := map[string]any{
		"model":       model,
		"temperature": temperature,
		"messages":    messages,
	}
	if maxTokens > 0 {
		body["max_tokens"] = maxTokens
	}
	if stream {
		body["stream"] = true
	}
	b, _ := json.Marshal(body)
	return b, model
}

// Chat calls chat/completions and returns the full message content.
func (c *ChatClient) Chat(ctx domain.Context, messages []domain.ChatMessage, opts domain.GenOptions) (string, error) {
	if c.cfg.BaseURL == "" {
		return "", fmt.Errorf("%w: inference base_url missing", domain.ErrInvalidArgument)
	}
	b, model := c.requestBody(messages, opts, false)

	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	endpoint := c.cfg.BaseURL + "/chat/completions"
	op := func() error {
		start := time.Now()
		// Recreate request each attempt to avoid reusing consumed bodies
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
		r.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(r)
		observability.ObserveProviderCall("inference", "chat", start)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode == http.StatusTooManyRequests {
			slog.Warn("provider rate limited", slog.String("provider", "inference"), slog.String("op", "chat"), slog.Int("status", resp.StatusCode))
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			slog.Warn("provider 4xx", slog.String("provider", "inference"), slog.String("op", "chat"), slog.Int("status", resp.StatusCode), slog.String("model", model), slog.String("body", readSnippet(resp.Body, 512)))
			return backoff.Permanent(fmt.Errorf("chat status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			slog.Error("provider non-2xx", slog.String("provider", "inference"), slog.String("op", "chat"), slog.Int("status", resp.StatusCode), slog.String("model", model), slog.String("body", readSnippet(resp.Body, 512)))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			slog.Error("provider decode error", slog.String("provider", "inference"), slog.String("op", "chat"), slog.Any("error", err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, newBackoff(ctx, c.hc.Timeout)); err != nil {
		return "", wrapProviderErr("llm.chat", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("op=llm.chat: %w: empty choices", domain.ErrUpstream)
	}
	return out.Choices[0].Message.Content, nil
}

// ChatStream opens a streaming completion. The returned channel carries
// content deltas and is closed after a Done or Err chunk. The connection
// attempt is retried; once data flows there is no replay.
func (c *ChatClient) ChatStream(ctx domain.Context, messages []domain.ChatMessage, opts domain.GenOptions) (<-chan domain.StreamChunk, error) {
	if c.cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: inference base_url missing", domain.ErrInvalidArgument)
	}
	b, model := c.requestBody(messages, opts, true)

	endpoint := c.cfg.BaseURL + "/chat/completions"
	var resp *http.Response
	op := func() error {
		start := time.Now()
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
		r.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Accept", "text/event-stream")
		res, err := c.hc.Do(r)
		observability.ObserveProviderCall("inference", "chat_stream", start)
		if err != nil {
			return err
		}
		if res.StatusCode == http.StatusTooManyRequests {
			_ = res.Body.Close()
			return fmt.Errorf("rate limited: 429")
		}
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			snippet := readSnippet(res.Body, 512)
			_ = res.Body.Close()
			slog.Warn("provider 4xx", slog.String("provider", "inference"), slog.String("op", "chat_stream"), slog.Int("status", res.StatusCode), slog.String("model", model), slog.String("body", snippet))
			return backoff.Permanent(fmt.Errorf("chat stream status %d", res.StatusCode))
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			snippet := readSnippet(res.Body, 512)
			_ = res.Body.Close()
			slog.Error("provider non-2xx", slog.String("provider", "inference"), slog.String("op", "chat_stream"), slog.Int("status", res.StatusCode), slog.String("model", model), slog.String("body", snippet))
			return fmt.Errorf("chat stream status %d", res.StatusCode)
		}
		resp = res
		return nil
	}
	if err := backoff.Retry(op, newBackoff(ctx, c.hc.Timeout)); err != nil {
		return nil, wrapProviderErr("llm.chat_stream", err)
	}

	buffer := c.cfg.StreamBuffer
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	ch := make(chan domain.StreamChunk, buffer)
	go c.consumeStream(ctx, resp, ch)
	return ch, nil
}

// consumeStream decodes SSE frames from resp until [DONE], EOF or ctx
// cancellation and closes ch.
func (c *ChatClient) consumeStream(ctx domain.Context, resp *http.Response, ch chan<- domain.StreamChunk) {
	defer close(ch)
	defer func() { _ = resp.Body.Close() }()

	emit := func(chunk domain.StreamChunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			emit(domain.StreamChunk{Done: true})
			return
		}
		var ev struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			// Comment frames and keep-alives are not deltas.
			continue
		}
		if len(ev.Choices) == 0 || ev.Choices[0].Delta.Content == "" {
			continue
		}
		if !emit(domain.StreamChunk{Content: ev.Choices[0].Delta.Content}) {
			return
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		emit(domain.StreamChunk{Err: wrapProviderErr("llm.chat_stream", err)})
		return
	}
	// Server closed the stream without an explicit terminator.
	emit(domain.StreamChunk{Done: true})
}
