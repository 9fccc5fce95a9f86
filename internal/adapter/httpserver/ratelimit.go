package httpserver

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/service/ratelimiter"
)

// RateLimit enforces the fixed-window limits and writes the X-RateLimit-*
// headers. It runs before authentication so a flooding client cannot reach
// the key-resolution path; the API-key counter keys off the header
// fingerprint directly, which makes invalid keys count too.
func RateLimit(limiter *ratelimiter.FixedWindow, keyHeader string) func(http.Handler) http.Handler {
	if keyHeader == "" {
		keyHeader = defaultAPIKeyHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || limiter.Excluded(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			fp := ""
			if rawKey := strings.TrimSpace(r.Header.Get(keyHeader)); rawKey != "" {
				fp = keyFingerprint(rawKey)
			}
			dec := limiter.Check(r.Context(), clientIP(r), fp)
			if dec.Limit > 0 {
				h := w.Header()
				h.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
				h.Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
				h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.Reset.Unix(), 10))
			}
			if !dec.Allowed {
				// Rounded up so the client never retries into the same
				// window.
				retry := int(math.Ceil(dec.RetryAfter.Seconds()))
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeError(w, r, fmt.Errorf("%w: %s %s limit exceeded", domain.ErrRateLimited, dec.Scope, dec.Window), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the peer
// address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
