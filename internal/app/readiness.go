package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/orbit-ai/orbit/internal/config"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// BuildReadinessChecks returns four readiness checks: postgres, redis,
// qdrant, and the inference provider. Disabled services pass vacuously so a
// minimal deployment can still report ready.
func BuildReadinessChecks(cfg *config.Config, pool Pinger, rdb RedisClient) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			if cfg.InternalServices.Postgres.DSN == "" {
				return nil
			}
			return fmt.Errorf("postgres not connected")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			if !cfg.InternalServices.Redis.Enabled {
				return nil
			}
			return fmt.Errorf("redis not connected")
		}
		return rdb.Ping(ctx).Err()
	}
	qdrantCheck := func(ctx context.Context) error {
		if cfg.Datasources.Qdrant.URL == "" {
			return nil
		}
		client := &http.Client{Timeout: 2 * time.Second}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Datasources.Qdrant.URL+"/collections", nil)
		if err != nil {
			return err
		}
		if cfg.Datasources.Qdrant.APIKey != "" {
			req.Header.Set("api-key", cfg.Datasources.Qdrant.APIKey)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("qdrant status %d", resp.StatusCode)
	}
	inferenceCheck := func(ctx context.Context) error {
		if cfg.Inference.BaseURL == "" {
			return fmt.Errorf("inference base url not configured")
		}
		client := &http.Client{Timeout: 2 * time.Second}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Inference.BaseURL+"/models", nil)
		if err != nil {
			return err
		}
		if cfg.Inference.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.Inference.APIKey)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("inference status %d", resp.StatusCode)
	}
	return dbCheck, redisCheck, qdrantCheck, inferenceCheck
}
