package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
	"github.com/orbit-ai/orbit/internal/service/workerpool"
)

// ChatStream runs the pipeline and streams the completion. The returned
// channel closes after the Done chunk (or an Err chunk). With
// post-validation enabled nothing is emitted until the whole completion has
// been moderated; a flagged completion becomes a single refusal delta.
// Client disconnect or a stop request cancels the generation.
func (s *ChatService) ChatStream(ctx domain.Context, req ChatRequest) (<-chan domain.StreamChunk, error) {
	pctx, clientContext, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.StreamChunk, s.streamBuffer())
	streamCtx, cancel := context.WithCancel(ctx)
	release := s.stops.Register(pctx.SessionID, cancel)

	observability.StreamsActive.Inc()
	go func() {
		start := time.Now()
		defer func() {
			close(out)
			release()
			cancel()
			observability.StreamsActive.Dec()
			s.logOutcome(ctx, pctx, start)
		}()

		if !s.advance(streamCtx, pctx) {
			pctx.LLMResponse = s.refusal()
			if s.emit(streamCtx, out, domain.StreamChunk{Content: pctx.LLMResponse}) {
				s.emit(streamCtx, out, domain.StreamChunk{Done: true})
			}
			return
		}

		prompt := s.buildPrompt(streamCtx, pctx, clientContext)
		if s.moderationActive() && s.cfg.Pipeline.PostValidation {
			s.streamBuffered(streamCtx, out, pctx, prompt)
			return
		}
		s.streamLive(streamCtx, out, pctx, prompt)
	}()
	return out, nil
}

// streamLive forwards model chunks as they arrive and persists the full
// text once the stream ends cleanly. The pool task owns every send on out,
// so the wait must not abandon it on cancellation: the caller closes out as
// soon as this returns.
func (s *ChatService) streamLive(ctx domain.Context, out chan<- domain.StreamChunk, pctx *domain.ProcessingContext, prompt []domain.ChatMessage) {
	var full strings.Builder
	fut, err := s.pools.Submit(ctx, workerpool.PoolInference, "llm.chat_stream",
		func(c context.Context) (any, error) {
			ch, err := s.llm.ChatStream(c, prompt, s.genOptions())
			if err != nil {
				return nil, err
			}
			for chunk := range ch {
				if chunk.Err != nil {
					return nil, chunk.Err
				}
				if chunk.Content == "" {
					continue
				}
				full.WriteString(chunk.Content)
				if !s.emit(c, out, domain.StreamChunk{Content: chunk.Content}) {
					return nil, c.Err()
				}
			}
			return nil, nil
		})
	if err == nil {
		_, err = fut.Wait(context.Background())
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			pctx.RecordError(StepInference, KindUpstream, err.Error(), true)
			s.emit(ctx, out, domain.StreamChunk{Err: err})
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	pctx.LLMResponse = full.String()
	s.persistExchange(ctx, pctx)
	s.emit(ctx, out, domain.StreamChunk{Done: true})
}

// streamBuffered consumes the whole completion first, moderates it, then
// replays the provider's chunk boundaries.
func (s *ChatService) streamBuffered(ctx domain.Context, out chan<- domain.StreamChunk, pctx *domain.ProcessingContext, prompt []domain.ChatMessage) {
	chunks, err := poolRun(ctx, s.pools, workerpool.PoolInference, "llm.chat_stream",
		func(c domain.Context) ([]string, error) {
			ch, err := s.llm.ChatStream(c, prompt, s.genOptions())
			if err != nil {
				return nil, err
			}
			var parts []string
			for chunk := range ch {
				if chunk.Err != nil {
					return nil, chunk.Err
				}
				if chunk.Content != "" {
					parts = append(parts, chunk.Content)
				}
			}
			return parts, nil
		})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			pctx.RecordError(StepInference, KindUpstream, err.Error(), true)
			s.emit(ctx, out, domain.StreamChunk{Err: err})
		}
		return
	}

	pctx.LLMResponse = strings.Join(chunks, "")
	s.runPostValidation(ctx, pctx)
	if Refused(pctx) {
		s.persistExchange(ctx, pctx)
		if s.emit(ctx, out, domain.StreamChunk{Content: pctx.LLMResponse}) {
			s.emit(ctx, out, domain.StreamChunk{Done: true})
		}
		return
	}
	for _, part := range chunks {
		if !s.emit(ctx, out, domain.StreamChunk{Content: part}) {
			return
		}
	}
	s.persistExchange(ctx, pctx)
	s.emit(ctx, out, domain.StreamChunk{Done: true})
}

// emit delivers one chunk unless the stream context is gone.
func (s *ChatService) emit(ctx domain.Context, out chan<- domain.StreamChunk, c domain.StreamChunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *ChatService) streamBuffer() int {
	if s.cfg.Inference.StreamBuffer > 0 {
		return s.cfg.Inference.StreamBuffer
	}
	return 8
}
