//go:build e2e

// Package e2e_test exercises a running orbit-server over plain HTTP. The
// suite expects the full stack (server, Postgres, Redis, Qdrant and an
// OpenAI-compatible provider) already up, reachable at E2E_BASE_URL, with a
// valid API key in E2E_API_KEY bound to at least one retrieval adapter.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	e2eHTTPTimeout     = 30 * time.Second
	e2eStreamTimeout   = 120 * time.Second
	e2eAppReadyTimeout = 60 * time.Second
)

var (
	baseURL      = getenv("E2E_BASE_URL", "http://localhost:8080")
	apiKey       = getenv("E2E_API_KEY", "local-dev-key")
	apiKeyHeader = getenv("E2E_API_KEY_HEADER", "X-API-Key")
	adminToken   = os.Getenv("E2E_ADMIN_TOKEN")
)

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// waitForAppReady polls /healthz until the app responds 200 or the timeout
// elapses. Compose stacks routinely win the race against the server binary,
// so every test that talks to the API starts here.
func waitForAppReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("app not ready at %s within %v", baseURL, timeout)
}

// doJSON issues an authenticated request and decodes the JSON body. Requests
// bounced by the rate limiter are retried a few times so the suite survives
// tight development limits.
func doJSON(t *testing.T, client *http.Client, method, path string, headers map[string]string, body any) (int, http.Header, map[string]any) {
	t.Helper()
	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; attempt < 6; attempt++ {
		var rdr io.Reader
		if body != nil {
			raw, merr := json.Marshal(body)
			require.NoError(t, merr)
			rdr = bytes.NewReader(raw)
		}
		req, rerr := http.NewRequest(method, baseURL+path, rdr)
		require.NoError(t, rerr)
		req.Header.Set(apiKeyHeader, apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err = client.Do(req)
		require.NoError(t, err)
		if resp.StatusCode != http.StatusTooManyRequests {
			break
		}
		_ = resp.Body.Close()
		t.Logf("%s %s rate limited, retrying (%d)", method, path, attempt+1)
		time.Sleep(500 * time.Millisecond)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", string(raw))
	}
	return resp.StatusCode, resp.Header, out
}

// postChat sends one chat turn as a plain JSON request and returns the
// decoded response.
func postChat(t *testing.T, client *http.Client, sessionID, prompt string) (int, map[string]any) {
	t.Helper()
	headers := map[string]string{}
	if sessionID != "" {
		headers["X-Session-ID"] = sessionID
	}
	status, _, out := doJSON(t, client, http.MethodPost, "/v1/chat", headers, map[string]any{
		"messages": []map[string]string{{"role": "user", "content": prompt}},
	})
	return status, out
}

// newSessionID builds a session id unique to the test run so reruns never
// inherit history from a previous suite.
func newSessionID(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("e2e-%s-%d", t.Name(), time.Now().UnixNano())
}

func errorCode(out map[string]any) string {
	errObj, ok := out["error"].(map[string]any)
	if !ok {
		return ""
	}
	code, _ := errObj["code"].(string)
	return code
}
