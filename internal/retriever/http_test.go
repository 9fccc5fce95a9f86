package retriever

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbit-ai/orbit/internal/domain"
)

func newHTTPRetrieverForTest(t *testing.T, srv *httptest.Server, extra map[string]any) *HTTPRetriever {
	t.Helper()
	raw := map[string]any{"url": srv.URL}
	for k, v := range extra {
		raw[k] = v
	}
	r, err := NewHTTPRetriever("search", raw, srv.Client())
	require.NoError(t, err)
	return r
}

func TestHTTPRetrievePostBody(t *testing.T) {
	t.Parallel()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "req-1", r.Header.Get("X-Request-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"results":[{"content":"alpha","source":"kb","score":0.9}]}`))
	}))
	defer srv.Close()

	r := newHTTPRetrieverForTest(t, srv, map[string]any{"max_results": 25})
	docs, meta, err := r.GetRelevantContext(context.Background(), "refund policy", domain.RetrieveOptions{
		RequestID: "req-1",
		SessionID: "sess-1",
		FileIDs:   []string{"f1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "refund policy", got["query"])
	assert.Equal(t, float64(25), got["limit"])
	assert.Equal(t, "sess-1", got["session_id"])
	assert.Equal(t, []any{"f1"}, got["file_ids"])

	require.Len(t, docs, 1)
	assert.Equal(t, "alpha", docs[0].Content)
	assert.Equal(t, "kb", docs[0].Metadata.Source)
	assert.InDelta(t, 0.9, docs[0].Score, 1e-9)
	assert.Equal(t, 1, meta.ResultCount)
}

func TestHTTPRetrieveGetQueryParams(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "gadgets", r.URL.Query().Get("q"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[{"text":"bare array item"}]`))
	}))
	defer srv.Close()

	r := newHTTPRetrieverForTest(t, srv, map[string]any{"method": "GET"})
	docs, _, err := r.GetRelevantContext(context.Background(), "gadgets", domain.RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "bare array item", docs[0].Content)
	// No per-item confidence or score reported: the configured fallback
	// applies.
	assert.InDelta(t, 0.8, docs[0].Score, 1e-9)
}

func TestHTTPRetrieveRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"content":"ok"}]}`))
	}))
	defer srv.Close()

	r := newHTTPRetrieverForTest(t, srv, nil)
	docs, _, err := r.GetRelevantContext(context.Background(), "q", domain.RetrieveOptions{})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPRetrieveClientErrorDoesNotRetry(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	r := newHTTPRetrieverForTest(t, srv, nil)
	_, _, err := r.GetRelevantContext(context.Background(), "q", domain.RetrieveOptions{})
	require.ErrorIs(t, err, domain.ErrUpstream)
	assert.ErrorContains(t, err, "403")
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPRetrieveTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	r := newHTTPRetrieverForTest(t, srv, map[string]any{"timeout": "120ms", "max_retries": 1})
	_, _, err := r.GetRelevantContext(context.Background(), "q", domain.RetrieveOptions{})
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestHTTPAuthHeaders(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		auth  map[string]any
		check func(t *testing.T, r *http.Request)
	}{
		{
			"bearer",
			map[string]any{"type": "bearer", "token": "tok-1"},
			func(t *testing.T, r *http.Request) {
				assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			},
		},
		{
			"api key default header",
			map[string]any{"type": "api_key_header", "key": "k-1"},
			func(t *testing.T, r *http.Request) {
				assert.Equal(t, "k-1", r.Header.Get("X-API-Key"))
			},
		},
		{
			"api key custom header",
			map[string]any{"type": "api_key_header", "key": "k-2", "header": "X-Search-Key"},
			func(t *testing.T, r *http.Request) {
				assert.Equal(t, "k-2", r.Header.Get("X-Search-Key"))
			},
		},
		{
			"basic",
			map[string]any{"type": "basic", "username": "orbit", "password": "s3cret"},
			func(t *testing.T, r *http.Request) {
				user, pass, ok := r.BasicAuth()
				require.True(t, ok)
				assert.Equal(t, "orbit", user)
				assert.Equal(t, "s3cret", pass)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tt.check(t, r)
				_, _ = w.Write([]byte(`{"results":[]}`))
			}))
			defer srv.Close()

			r := newHTTPRetrieverForTest(t, srv, map[string]any{"auth": tt.auth})
			_, _, err := r.GetRelevantContext(context.Background(), "q", domain.RetrieveOptions{})
			require.NoError(t, err)
		})
	}
}

func TestHTTPCustomHeaders(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "orbit", r.Header.Get("X-Team"))
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	r := newHTTPRetrieverForTest(t, srv, map[string]any{"headers": map[string]any{"X-Team": "orbit"}})
	_, _, err := r.GetRelevantContext(context.Background(), "q", domain.RetrieveOptions{})
	require.NoError(t, err)
}

func TestHTTPConfidenceFilterAndTruncation(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[
			{"content":"a","confidence":0.9},
			{"content":"b","confidence":0.2},
			{"content":"c","confidence":0.8},
			{"content":"d","confidence":0.7}
		]}`))
	}))
	defer srv.Close()

	r := newHTTPRetrieverForTest(t, srv, map[string]any{
		"confidence_threshold": 0.5,
		"return_results":       2,
	})
	docs, meta, err := r.GetRelevantContext(context.Background(), "q", domain.RetrieveOptions{})
	require.NoError(t, err)

	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].Content)
	assert.Equal(t, "c", docs[1].Content)
	assert.Equal(t, 4, meta.TotalAvailable)
	assert.Equal(t, 3, meta.Stages.Confidence)
	assert.True(t, meta.Truncated)
}

func TestHTTPMalformedBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	r := newHTTPRetrieverForTest(t, srv, nil)
	_, _, err := r.GetRelevantContext(context.Background(), "q", domain.RetrieveOptions{})
	assert.ErrorIs(t, err, domain.ErrUpstream)
}

func TestHTTPConstructorValidation(t *testing.T) {
	t.Parallel()
	_, err := NewHTTPRetriever("bad", map[string]any{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDecodeHTTPResults(t *testing.T) {
	t.Parallel()
	wrapped, err := decodeHTTPResults([]byte(`{"results":[{"content":"x"}]}`))
	require.NoError(t, err)
	require.Len(t, wrapped, 1)

	bare, err := decodeHTTPResults([]byte(`[{"text":"y"}]`))
	require.NoError(t, err)
	require.Len(t, bare, 1)
	assert.Equal(t, "y", bare[0].text())

	_, err = decodeHTTPResults([]byte(`{"nope":true}`))
	assert.Error(t, err)
}
