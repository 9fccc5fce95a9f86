package httpserver

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
	"github.com/orbit-ai/orbit/internal/retriever"
)

const defaultAPIKeyHeader = "X-API-Key"

// authInfo carries the resolved API-key binding through the request context.
// The raw key is dropped as soon as the binding is resolved; only the
// fingerprint travels further.
type authInfo struct {
	Adapter     string
	Fingerprint string
}

type authKey struct{}

func authFrom(ctx context.Context) authInfo {
	if v, ok := ctx.Value(authKey{}).(authInfo); ok {
		return v
	}
	return authInfo{}
}

// keyFingerprint matches the stored api_keys fingerprint derivation: hex of
// the first half of the SHA-256 digest. Raw keys never reach logs or
// storage.
func keyFingerprint(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:16])
}

// APIKeyAuth resolves the API key header to its adapter binding and rejects
// requests without a valid key. The binding and the key fingerprint are
// stored on the context for the handlers and the rate limiter.
func APIKeyAuth(cfg config.APIKeys, reg *retriever.Registry) func(http.Handler) http.Handler {
	header := cfg.Header
	if header == "" {
		header = defaultAPIKeyHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := strings.TrimSpace(r.Header.Get(header))
			if rawKey == "" {
				writeError(w, r, fmt.Errorf("%w: missing %s header", domain.ErrUnauthorized, header), nil)
				return
			}
			adapter, err := reg.ResolveForAPIKey(r.Context(), rawKey)
			fp := keyFingerprint(rawKey)
			if err != nil {
				LoggerFrom(r).WarnContext(r.Context(), "api key rejected",
					slog.String("api_key_fp", fp),
					slog.Any("error", err))
				writeError(w, r, err, nil)
				return
			}
			ctx := context.WithValue(r.Context(), authKey{}, authInfo{Adapter: adapter, Fingerprint: fp})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuth guards the admin surface with a bearer token. With no token
// configured every admin request is refused; the surface is opt-in.
func AdminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, r, fmt.Errorf("%w: admin surface disabled", domain.ErrUnauthorized), nil)
				return
			}
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeError(w, r, fmt.Errorf("%w: bearer token required", domain.ErrUnauthorized), nil)
				return
			}
			got := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusForbidden, errorEnvelope{
					Error:     apiError{Code: "FORBIDDEN", Message: "admin token mismatch"},
					RequestID: observability.RequestIDFromContext(r.Context()),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
