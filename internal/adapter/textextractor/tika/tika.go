// Package tika extracts plain text from binary documents through an Apache
// Tika server. The corpus seeder uses it to ingest PDF and Office files; the
// serving path never touches it.
package tika

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/orbit-ai/orbit/pkg/textx"
)

// Client is a minimal Tika HTTP client. It performs PUT /tika with
// Accept: text/plain to retrieve extracted text.
// See https://tika.apache.org/server/ for the API.
type Client struct {
	baseURL string
	hc      *http.Client
}

// New constructs a Tika client with a default timeout.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9998"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
}

// Extract sends raw document bytes to the Tika server and returns the
// sanitized plain text. The file name only informs the Content-Type guess.
func (c *Client) Extract(ctx context.Context, fileName string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/tika", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/plain")
	if ct := contentTypeFromExt(filepath.Ext(fileName)); ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=tika.extract: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("op=tika.extract: status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("op=tika.extract: %w", err)
	}
	return textx.SanitizeText(string(b)), nil
}

// ExtractFile reads path and extracts its text. Paths outside the working
// directory are rejected unless TIKA_ALLOW_ABSPATHS=1; the seeder operates
// on a corpus checked out next to its manifest.
func (c *Client) ExtractFile(ctx context.Context, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)
	if os.Getenv("TIKA_ALLOW_ABSPATHS") != "1" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		wd = filepath.Clean(wd)
		if !strings.HasPrefix(abs, wd+string(os.PathSeparator)) && abs != wd {
			return "", fmt.Errorf("disallowed path: %s", abs)
		}
	}
	data, err := os.ReadFile(abs) //nolint:gosec // constrained to the working directory above
	if err != nil {
		return "", err
	}
	return c.Extract(ctx, filepath.Base(abs), data)
}

func contentTypeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".md", ".txt":
		return "text/plain"
	default:
		return mime.TypeByExtension(ext)
	}
}
