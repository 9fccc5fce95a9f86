package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/orbit-ai/orbit/internal/domain"
)

// sseEvent is the wire shape of one stream event. Type is delta, done, or
// error; Content rides on deltas and Error on error events.
type sseEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// writeSSE drains the chunk channel into the response as server-sent
// events and terminates the stream with a [DONE] sentinel. Each event is
// flushed as it is written; together with the producer's bounded channel
// that applies backpressure to generation when the client reads slowly.
// The channel close, not the Done chunk, ends the loop: a cancelled
// generation closes the channel without either marker.
func writeSSE(w http.ResponseWriter, r *http.Request, ch <-chan domain.StreamChunk) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, fmt.Errorf("%w: response writer does not support streaming", domain.ErrInternal), nil)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	for chunk := range ch {
		var ev sseEvent
		switch {
		case chunk.Err != nil:
			ev = sseEvent{Type: "error", Error: chunk.Err.Error()}
		case chunk.Done:
			ev = sseEvent{Type: "done"}
		default:
			ev = sseEvent{Type: "delta", Content: chunk.Content}
		}
		if err := writeEvent(w, ev); err != nil {
			// Client is gone; the request context cancels the producer.
			return
		}
		fl.Flush()
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	fl.Flush()
}

func writeEvent(w io.Writer, ev sseEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}
