// Package ollama provides the embedding provider backed by Ollama's HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/GLYSATVIK/VibeWalk/engine/domain"
	"github.com/GLYSATVIK/VibeWalk/pkg/resilience"
)

// DefaultModel is the embedding model used when none is configured.
const DefaultModel = "nomic-embed-text"

// EmbedClient implements domain.Embedder over Ollama's /api/embeddings.
type EmbedClient struct {
	baseURL string
	model   string
	client  *http.Client
	breaker *resilience.Breaker
}

// Option configures an EmbedClient.
type Option func(*EmbedClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *EmbedClient) { e.client = c }
}

// WithBreaker guards every call with b.
func WithBreaker(b *resilience.Breaker) Option {
	return func(e *EmbedClient) { e.breaker = b }
}

// NewEmbedClient creates an Ollama embedding client. Calls are traced and,
// unless overridden, guarded by a breaker that opens after 5 consecutive
// failures.
func NewEmbedClient(baseURL, model string, opts ...Option) *EmbedClient {
	if model == "" {
		model = DefaultModel
	}
	c := &EmbedClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: resilience.NewBreaker(resilience.BreakerOpts{Name: "ollama"}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ModelVersion identifies the embedding space.
func (c *EmbedClient) ModelVersion() string { return "ollama/" + c.model }

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding of text. Transport, status and breaker
// failures wrap domain.ErrUpstreamUnavailable.
func (c *EmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := resilience.Do(c.breaker, ctx, func(ctx context.Context) ([]float32, error) {
		return c.embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("ollama embed: %w: %w", domain.ErrQueryTimeout, err)
		}
		if errors.Is(err, domain.ErrUpstreamUnavailable) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("ollama embed: %w: %w", domain.ErrUpstreamUnavailable, err)
	}
	return vec, nil
}

func (c *EmbedClient) embed(ctx context.Context, text string) ([]float32, error) {
	body, _ := json.Marshal(embedReq{Model: c.model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result embedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, errors.New("empty embedding")
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}
