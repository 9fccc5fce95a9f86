// Package ratelimiter enforces dual-scope fixed-window limits backed by
// Redis.
//
// Every request increments up to four counters: client IP and API key, each
// over a minute and an hour window. Window identity lives in the key, so no
// sliding bookkeeping is needed:
//
//	ratelimit:ip:min:{unix/60}:{ip}
//	ratelimit:ip:hr:{unix/3600}:{ip}
//	ratelimit:apikey:min:{unix/60}:{fingerprint}
//	ratelimit:apikey:hr:{unix/3600}:{fingerprint}
//
// Keys expire one window length after first increment. A rejected request
// leaves its counter at limit+1 at most; further increments are rolled back.
// Redis being down must never take chat down with it, so any Redis error
// admits the request.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/observability"
)

// Scope names used in decisions, metrics, and log records.
const (
	ScopeIP  = "ip"
	ScopeKey = "api_key"
)

// Window names.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
)

// Decision is the outcome of one limiter check plus the header material the
// HTTP layer needs.
type Decision struct {
	Allowed  bool
	FailOpen bool

	// Scope and Window identify the counter that rejected the request; on
	// allowed requests they identify the counter the headers describe.
	Scope  string
	Window string

	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// FixedWindow checks requests against configured per-minute and per-hour
// limits.
type FixedWindow struct {
	rdb *redis.Client
	cfg config.RateLimiting
	now func() time.Time
}

// NewFixedWindow builds a limiter. A nil client disables limiting entirely
// (every check allows).
func NewFixedWindow(rdb *redis.Client, cfg config.RateLimiting) *FixedWindow {
	return &FixedWindow{rdb: rdb, cfg: cfg, now: time.Now}
}

// Excluded reports whether the path bypasses the limiter.
func (l *FixedWindow) Excluded(path string) bool {
	for _, p := range l.cfg.ExcludePaths {
		if p == path {
			return true
		}
	}
	return false
}

// counter is one window-scoped counter to increment and evaluate.
type counter struct {
	key    string
	scope  string
	window string
	limit  int
	ttl    time.Duration
	reset  time.Time
}

// Check increments the counters for this request and decides admission.
// apiKeyFP is the key fingerprint, never the raw key; empty skips key
// counters.
func (l *FixedWindow) Check(ctx context.Context, ip, apiKeyFP string) Decision {
	if l == nil || l.rdb == nil || !l.cfg.Enabled {
		return Decision{Allowed: true, FailOpen: l != nil && l.cfg.Enabled}
	}

	now := l.now()
	minID := now.Unix() / 60
	hourID := now.Unix() / 3600
	minReset := time.Unix((minID+1)*60, 0)
	hourReset := time.Unix((hourID+1)*3600, 0)

	var counters []counter
	add := func(scope, window, id string, winID int64, limit int, ttl time.Duration, reset time.Time) {
		if limit <= 0 || id == "" {
			return
		}
		short := "min"
		if window == WindowHour {
			short = "hr"
		}
		counters = append(counters, counter{
			key:    fmt.Sprintf("ratelimit:%s:%s:%d:%s", scopeKeyPart(scope), short, winID, id),
			scope:  scope,
			window: window,
			limit:  limit,
			ttl:    ttl,
			reset:  reset,
		})
	}
	add(ScopeIP, WindowMinute, ip, minID, l.cfg.IPLimits.PerMinute, time.Minute, minReset)
	add(ScopeIP, WindowHour, ip, hourID, l.cfg.IPLimits.PerHour, time.Hour, hourReset)
	add(ScopeKey, WindowMinute, apiKeyFP, minID, l.cfg.APIKeyLimits.PerMinute, time.Minute, minReset)
	add(ScopeKey, WindowHour, apiKeyFP, hourID, l.cfg.APIKeyLimits.PerHour, time.Hour, hourReset)
	if len(counters) == 0 {
		return Decision{Allowed: true}
	}

	pipe := l.rdb.Pipeline()
	incrs := make([]*redis.IntCmd, len(counters))
	for i, c := range counters {
		incrs[i] = pipe.Incr(ctx, c.key)
		// NX keeps the TTL from the first increment; later hits must not
		// stretch the window's lifetime.
		pipe.ExpireNX(ctx, c.key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.WarnContext(ctx, "rate limiter redis error; admitting request",
			slog.String("ip", ip),
			slog.Any("error", err))
		return Decision{Allowed: true, FailOpen: true}
	}

	over := -1
	var clamp []string
	for i, c := range counters {
		count := incrs[i].Val()
		if count <= int64(c.limit) {
			continue
		}
		if over < 0 {
			over = i
		}
		// The rejecting increment may leave a counter at limit+1, never
		// beyond; roll the excess back.
		if count > int64(c.limit)+1 {
			clamp = append(clamp, c.key)
		}
	}
	if len(clamp) > 0 {
		undo := l.rdb.Pipeline()
		for _, k := range clamp {
			undo.Decr(ctx, k)
		}
		// Best effort; a failed rollback only inflates an advisory count.
		_, _ = undo.Exec(ctx)
	}
	if over >= 0 {
		c := counters[over]
		observability.RateLimitRejectionsTotal.WithLabelValues(c.scope, c.window).Inc()
		slog.InfoContext(ctx, "rate limit exceeded",
			slog.String("scope", c.scope),
			slog.String("window", c.window),
			slog.Int64("count", incrs[over].Val()),
			slog.Int("limit", c.limit))
		return Decision{
			Allowed:    false,
			Scope:      c.scope,
			Window:     c.window,
			Limit:      c.limit,
			Remaining:  0,
			Reset:      c.reset,
			RetryAfter: c.reset.Sub(now),
		}
	}

	// Allowed: headers describe the minute window of the most specific
	// identity present, falling back to whatever counter exists.
	hdr := counters[0]
	hdrCount := incrs[0].Val()
	for i, c := range counters {
		if c.window != WindowMinute {
			continue
		}
		if c.scope == ScopeKey || hdr.window != WindowMinute {
			hdr, hdrCount = c, incrs[i].Val()
		}
	}
	remaining := hdr.limit - int(hdrCount)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   true,
		Scope:     hdr.scope,
		Window:    hdr.window,
		Limit:     hdr.limit,
		Remaining: remaining,
		Reset:     hdr.reset,
	}
}

func scopeKeyPart(scope string) string {
	if scope == ScopeKey {
		return "apikey"
	}
	return "ip"
}
