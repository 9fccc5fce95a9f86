// Package app wires application components and startup helpers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/orbit-ai/orbit/internal/adapter/httpserver"
	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/observability"
	"github.com/orbit-ai/orbit/internal/service/ratelimiter"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// /v1/chat runs outside the timeout handler: http.TimeoutHandler buffers
// responses, which would break SSE flushing and cap long generations.
func BuildRouter(cfg *config.Config, srv *httpserver.Server, limiter *ratelimiter.FixedWindow) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: ParseOrigins(cfg.General.CORSAllowOrigins),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{
			"X-Request-ID",
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
			"Retry-After",
		},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Use(httpserver.RateLimit(limiter, cfg.APIKeys.Header))

	// Chat runs unbounded by the handler-level timeout; the pipeline owns
	// its own deadlines.
	r.Group(func(cr chi.Router) {
		cr.Use(httpserver.APIKeyAuth(cfg.APIKeys, srv.Registry))
		cr.Post("/v1/chat", srv.ChatHandler())
	})

	r.Group(func(ar chi.Router) {
		ar.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		ar.Use(httpserver.APIKeyAuth(cfg.APIKeys, srv.Registry))
		ar.Post("/v1/chat/stop", srv.StopHandler())
		ar.Get("/v1/autocomplete", srv.AutocompleteHandler())
		ar.Get("/v1/models", srv.ModelsHandler())
	})

	// Health and admin surface
	r.Get("/health", srv.HealthHandler())
	r.Get("/health/adapters", srv.AdapterHealthHandler())
	r.Group(func(gr chi.Router) {
		gr.Use(httprate.LimitByIP(30, 1*time.Minute))
		gr.Use(httpserver.AdminAuth(cfg.Security.AdminToken))
		gr.Post("/health/adapters/{name}/reset", srv.AdapterResetHandler())
	})

	// Probes and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
