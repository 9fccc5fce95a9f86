// Command server starts the ORBIT retrieval-augmented inference gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	ai "github.com/orbit-ai/orbit/internal/adapter/ai"
	httpserver "github.com/orbit-ai/orbit/internal/adapter/httpserver"
	"github.com/orbit-ai/orbit/internal/adapter/repo/postgres"
	"github.com/orbit-ai/orbit/internal/adapter/vector/qdrant"
	"github.com/orbit-ai/orbit/internal/app"
	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
	"github.com/orbit-ai/orbit/internal/retriever"
	"github.com/orbit-ai/orbit/internal/service/autocomplete"
	"github.com/orbit-ai/orbit/internal/service/breaker"
	"github.com/orbit-ai/orbit/internal/service/history"
	"github.com/orbit-ai/orbit/internal/service/models"
	"github.com/orbit-ai/orbit/internal/service/ratelimiter"
	"github.com/orbit-ai/orbit/internal/service/workerpool"
	"github.com/orbit-ai/orbit/internal/usecase"
)

// redisPinger adapts *redis.Client to the readiness interface; the go-redis
// Ping returns a concrete *redis.StatusCmd.
type redisPinger struct{ *redis.Client }

func (r redisPinger) Ping(ctx context.Context) app.RedisPingResult { return r.Client.Ping(ctx) }

func main() {
	configPath := flag.String("config", os.Getenv("ORBIT_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so /metrics exposes
	// HTTP, pipeline, pool, and provider instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// Infra: session store (optional; the gateway runs stateless without it)
	var pool *pgxpool.Pool
	if dsn := cfg.InternalServices.Postgres.DSN; dsn != "" {
		pool, err = postgres.NewPool(ctx, dsn)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			slog.Error("db schema failed", slog.Any("error", err))
			os.Exit(1)
		}
		cleanupSvc := postgres.NewCleanupService(pool)
		go cleanupSvc.RunPeriodic(ctx, time.Hour)
	}

	// Infra: Redis for rate limiting and autocomplete caching
	var rdb *redis.Client
	if cfg.InternalServices.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.InternalServices.Redis.Addr(),
			Password: cfg.InternalServices.Redis.Password,
			DB:       cfg.InternalServices.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
	}

	pools := workerpool.NewManager(cfg.Performance.ThreadPools, cfg.General.Verbose, logger)

	breakers := breaker.NewManager(cfg.BreakerPolicyFor)

	// Provider clients
	llm := ai.NewChatClient(cfg.Inference)
	var embedder domain.Embedder = ai.NewEmbedClient(cfg.Embeddings)
	if cfg.Embeddings.CacheSize > 0 {
		embedder = ai.NewEmbedCache(embedder, cfg.Embeddings.CacheSize)
	}
	var moderator domain.Moderator
	if cfg.Moderators.Enabled {
		moderator = ai.NewModerationClient(cfg.Moderators)
	}
	var reranker domain.Reranker
	if cfg.Rerankers.Enabled {
		reranker = ai.NewRerankClient(cfg.Rerankers)
	}

	// Retrieval backends
	var vec retriever.VectorBackend
	if cfg.Datasources.Qdrant.URL != "" {
		vec = qdrant.New(cfg.Datasources.Qdrant.URL, cfg.Datasources.Qdrant.APIKey)
	}
	sqlSources := make(map[string]retriever.RowSource, len(cfg.Datasources.SQL))
	for name, ds := range cfg.Datasources.SQL {
		dsPool, err := postgres.NewPool(ctx, ds.DSN)
		if err != nil {
			slog.Error("sql datasource connect failed", slog.String("datasource", name), slog.Any("error", err))
			os.Exit(1)
		}
		defer dsPool.Close()
		sqlSources[name] = postgres.NewDatasource(dsPool, ds.QueryTimeout, ds.MaxResults)
	}

	var keyRepo domain.APIKeyRepository
	if pool != nil {
		keyRepo = postgres.NewAPIKeyRepo(pool)
	}

	factory := retriever.DefaultFactory(retriever.Deps{
		Embedder:   embedder,
		LLM:        llm,
		Vector:     vec,
		SQL:        sqlSources,
		HTTPClient: retriever.NewPooledClient(cfg.FaultTolerance.OpTimeout),
		Pools:      pools,
		Qdrant:     cfg.Datasources.Qdrant,
		Dimensions: cfg.Embeddings.Dimensions,
	})
	registry := retriever.NewRegistry(factory, breakers, keyRepo, cfg.APIKeys.Static)
	if err := registry.Load(cfg.Adapters); err != nil {
		slog.Error("adapter config invalid", slog.Any("error", err))
		os.Exit(1)
	}
	if !cfg.General.InferenceOnly {
		app.WarmAdapters(ctx, registry, cfg.FaultTolerance.TotalTimeout)
	}

	executor := retriever.NewExecutor(registry, breakers, pools, cfg.FaultTolerance)

	var hist *history.Service
	if pool != nil && cfg.ChatHistory.Enabled {
		hist = history.NewService(cfg.ChatHistory,
			postgres.NewSessionRepo(pool),
			postgres.NewHistoryRepo(pool),
			history.NewTiktokenPolicy())
	}

	var ac *autocomplete.Service
	if cfg.Autocomplete.Enabled {
		ac = autocomplete.NewService(cfg.Autocomplete, registry, rdb)
	}

	limiter := ratelimiter.NewFixedWindow(rdb, cfg.Security.RateLimiting)

	chatSvc := usecase.NewChatService(&cfg, usecase.ChatDeps{
		Registry:  registry,
		Executor:  executor,
		Pools:     pools,
		LLM:       llm,
		Moderator: moderator,
		Reranker:  reranker,
		History:   hist,
	})

	var dbPinger app.Pinger
	if pool != nil {
		dbPinger = pool
	}
	var redisClient app.RedisClient
	if rdb != nil {
		redisClient = redisPinger{rdb}
	}
	dbCheck, redisCheck, qdrantCheck, inferenceCheck := app.BuildReadinessChecks(&cfg, dbPinger, redisClient)

	srv := httpserver.NewServer(&cfg, chatSvc, registry, breakers, ac,
		dbCheck, redisCheck, qdrantCheck, inferenceCheck)
	srv.Models = models.NewCatalog(cfg.Inference)
	handler := app.BuildRouter(&cfg, srv, limiter)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.General.Port),
		Handler:           handler,
		ReadTimeout:       cfg.General.HTTPReadTimeout,
		WriteTimeout:      cfg.General.HTTPWriteTimeout,
		IdleTimeout:       cfg.General.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting",
			slog.Int("port", cfg.General.Port),
			slog.Int("adapters", len(cfg.Adapters)),
			slog.Bool("inference_only", cfg.General.InferenceOnly))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.General.ShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	stopBackground()
	if err := pools.Shutdown(cfg.General.ShutdownTimeout); err != nil {
		slog.Warn("worker pools did not drain", slog.Any("error", err))
	}
}
