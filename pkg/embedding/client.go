// Package embedding provides a client for a text-embedding HTTP service.
// It accepts both the OpenAI-style {"data":[{"embedding":...}]} response and
// the plain {"embeddings":[[...]]} shape served by local embedding sidecars.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Client embeds text.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Option configures the embedding client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *httpClient) {
		c.apiKey = key
	}
}

type httpClient struct {
	endpoint  string
	model     string
	maxLength int
	apiKey    string
	http      *http.Client
}

// NewClient creates a client that POSTs to endpoint.
func NewClient(endpoint, model string, maxLength int, opts ...Option) Client {
	c := &httpClient{
		endpoint:  endpoint,
		model:     model,
		maxLength: maxLength,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type embedRequest struct {
	Model     string   `json:"model,omitempty"`
	Input     []string `json:"input"`
	MaxLength int      `json:"max_length,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Data       []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *httpClient) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embedRequest{Model: c.model, Input: []string{text}, MaxLength: c.maxLength})
	if err != nil {
		return nil, eris.Wrap(err, "embedding: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "embedding: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "embedding: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, eris.Wrap(err, "embedding: read response body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("embedding: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var out embedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "embedding: decode response")
	}
	switch {
	case len(out.Embeddings) > 0:
		return out.Embeddings[0], nil
	case len(out.Data) > 0:
		return out.Data[0].Embedding, nil
	}
	return nil, eris.New("embedding: response contained no vectors")
}
