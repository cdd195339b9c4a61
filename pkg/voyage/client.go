// Package voyage provides a client for the Voyage AI embeddings API.
package voyage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/nordsight/rapport-cli/internal/resilience"
)

// DefaultModel produces 1024-dimensional document vectors.
const DefaultModel = "voyage-3"

// MaxBatchSize is the maximum number of inputs per request.
const MaxBatchSize = 10

// ErrRateLimited is returned on HTTP 429. The embedding worker owns the
// backoff policy, so the client surfaces the condition instead of sleeping.
var ErrRateLimited = eris.New("voyage: rate limited")

// Client defines the Voyage embeddings operations.
type Client interface {
	// Embed returns one vector per input, in input order.
	Embed(ctx context.Context, inputs []string) (*EmbedResponse, error)
}

// EmbedResponse holds the vectors and usage for one request.
type EmbedResponse struct {
	Vectors     [][]float32
	Model       string
	TotalTokens int
}

type embedRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type"`
}

type embedAPIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Option configures the Voyage client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithModel overrides the embedding model.
func WithModel(model string) Option {
	return func(c *httpClient) {
		c.model = model
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRetryConfig overrides the transport retry policy.
func WithRetryConfig(rc resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = rc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	retry   resilience.RetryConfig
	http    *http.Client
}

// NewClient creates a new Voyage embeddings client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.voyageai.com/v1",
		model:   DefaultModel,
		retry:   resilience.DefaultRetryConfig(),
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Embed(ctx context.Context, inputs []string) (*EmbedResponse, error) {
	if len(inputs) == 0 {
		return &EmbedResponse{Model: c.model}, nil
	}
	if len(inputs) > MaxBatchSize {
		return nil, eris.Errorf("voyage: batch of %d exceeds limit %d", len(inputs), MaxBatchSize)
	}

	payload, err := json.Marshal(embedRequest{
		Input:     inputs,
		Model:     c.model,
		InputType: "document",
	})
	if err != nil {
		return nil, eris.Wrap(err, "voyage: marshal request")
	}

	// Server errors are retried here; 429 surfaces as ErrRateLimited so the
	// embedding worker can apply its own backoff.
	body, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(payload))
		if err != nil {
			return nil, eris.Wrap(err, "voyage: create request")
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "voyage: request failed"), 0)
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, eris.Wrap(readErr, "voyage: read response body")
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, ErrRateLimited
		}
		if resp.StatusCode != http.StatusOK {
			wrapped := eris.Errorf("voyage: unexpected status %d: %s", resp.StatusCode, string(body))
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(wrapped, resp.StatusCode)
			}
			return nil, wrapped
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}

	var apiResp embedAPIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, eris.Wrap(err, "voyage: unmarshal response")
	}

	// Entries carry an index; output order follows input order.
	vectors := make([][]float32, len(inputs))
	for _, d := range apiResp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, eris.Errorf("voyage: embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}

	return &EmbedResponse{
		Vectors:     vectors,
		Model:       apiResp.Model,
		TotalTokens: apiResp.Usage.TotalTokens,
	}, nil
}
