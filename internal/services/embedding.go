package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPEmbeddingClient is an HTTP implementation of the EmbeddingClient interface.
type HTTPEmbeddingClient struct {
	url    string
	client *http.Client
}

// NewHTTPEmbeddingClient creates a new HTTPEmbeddingClient. A zero timeout
// leaves the deadline to the caller's context.
func NewHTTPEmbeddingClient(url string, timeout time.Duration) *HTTPEmbeddingClient {
	return &HTTPEmbeddingClient{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// GetEmbedding returns the embedding for a given text.
func (c *HTTPEmbeddingClient) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	requestBody, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/embedding", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get embedding: status code %d", resp.StatusCode)
	}

	var embedding []float32
	if err := json.NewDecoder(resp.Body).Decode(&embedding); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("empty embedding")
	}

	return embedding, nil
}
