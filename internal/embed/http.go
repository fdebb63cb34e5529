package embed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/23skdu/canopy/internal/core"
	json "github.com/goccy/go-json"
)

// HTTPConfig configures an HTTPEmbedder.
type HTTPConfig struct {
	BaseURL   string        // e.g. http://localhost:11434
	Model     string        // embedding model name
	Dimension int           // expected vector length; 0 accepts the first length seen
	Timeout   time.Duration // per request, default 60s
}

// HTTPEmbedder calls an Ollama-compatible /api/embed endpoint.
type HTTPEmbedder struct {
	baseURL string
	model   string
	client  *http.Client
	dim     atomic.Int64
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewHTTPEmbedder creates an HTTPEmbedder.
func NewHTTPEmbedder(cfg HTTPConfig) (*HTTPEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, core.NewInvalidArgumentError("base_url", "must not be empty")
	}
	if cfg.Model == "" {
		return nil, core.NewInvalidArgumentError("model", "must not be empty")
	}
	if cfg.Dimension < 0 {
		return nil, core.NewInvalidArgumentError("dimension", "must not be negative")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	host := strings.TrimSuffix(cfg.BaseURL, "/")
	host = strings.TrimSuffix(host, "/v1")
	e := &HTTPEmbedder{
		baseURL: host,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
	}
	e.dim.Store(int64(cfg.Dimension))
	return e, nil
}

// Dimension returns the configured or first observed vector length.
func (e *HTTPEmbedder) Dimension() int {
	return int(e.dim.Load())
}

// Embed requests one embedding.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("no embeddings in response")
	}

	vec := out.Embeddings[0]
	want := e.dim.Load()
	if want == 0 {
		e.dim.CompareAndSwap(0, int64(len(vec)))
	} else if int64(len(vec)) != want {
		return nil, core.NewDimensionMismatchError(int(want), len(vec))
	}
	return vec, nil
}
