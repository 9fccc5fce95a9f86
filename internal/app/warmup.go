package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/orbit-ai/orbit/internal/retriever"
)

// WarmAdapters eagerly builds every configured adapter so first requests
// don't pay initialization latency. A failing adapter is logged and skipped;
// the registry retries it lazily on first use and the rest keep serving.
func WarmAdapters(ctx context.Context, reg *retriever.Registry, timeout time.Duration) {
	if reg == nil {
		return
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, desc := range reg.List() {
		start := time.Now()
		if _, err := reg.Get(ctx, desc.Name); err != nil {
			slog.Warn("adapter warmup failed",
				slog.String("adapter", desc.Name),
				slog.String("type", desc.Type),
				slog.Any("error", err))
			continue
		}
		slog.Info("adapter ready",
			slog.String("adapter", desc.Name),
			slog.String("type", desc.Type),
			slog.Duration("took", time.Since(start)))
	}
}
