// Command ragseed ingests a corpus manifest into the vector collections the
// retrieval adapters search. Run it against the same config as the server so
// collection names, dimensions, and distance match.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	ai "github.com/orbit-ai/orbit/internal/adapter/ai"
	"github.com/orbit-ai/orbit/internal/adapter/textextractor/tika"
	"github.com/orbit-ai/orbit/internal/adapter/vector/qdrant"
	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
	"github.com/orbit-ai/orbit/internal/ragseed"
)

func main() {
	configPath := flag.String("config", os.Getenv("ORBIT_CONFIG"), "path to config file")
	manifest := flag.String("manifest", "seeds.yaml", "path to the seed manifest")
	tikaURL := flag.String("tika", os.Getenv("TIKA_URL"), "Apache Tika server URL for binary documents")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall seeding deadline")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(observability.SetupLogger(cfg))

	if cfg.Datasources.Qdrant.URL == "" {
		slog.Error("qdrant url not configured; nothing to seed into")
		os.Exit(1)
	}

	var embedder domain.Embedder = ai.NewEmbedClient(cfg.Embeddings)
	if cfg.Embeddings.CacheSize > 0 {
		embedder = ai.NewEmbedCache(embedder, cfg.Embeddings.CacheSize)
	}
	store := qdrant.New(cfg.Datasources.Qdrant.URL, cfg.Datasources.Qdrant.APIKey)

	var extractor ragseed.Extractor
	if *tikaURL != "" {
		extractor = tika.New(*tikaURL)
	}

	seeder := ragseed.New(embedder, store, cfg.Datasources.Qdrant, cfg.Embeddings.Dimensions, extractor)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	stats, err := seeder.SeedManifest(ctx, *manifest)
	if err != nil {
		slog.Error("seeding failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("corpus seeded",
		slog.Int("collections", stats.Collections),
		slog.Int("files", stats.Files),
		slog.Int("points", stats.Points))
}
