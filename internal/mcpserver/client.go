package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds the configuration for connecting to the platform.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Agent API key, e.g. "cpk_..."
}

// SpendgateClient is a pure HTTP client for the platform's gateway API.
// The API key is the identity: every endpoint is scoped to the agent
// behind it, so no address or ID parameters are needed.
type SpendgateClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewSpendgateClient creates a new client for the platform.
func NewSpendgateClient(cfg Config) *SpendgateClient {
	return &SpendgateClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *SpendgateClient) doRequest(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetBalance returns the agent's billing group balance.
func (c *SpendgateClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, "/gateway/v1/me/balance")
}

// GetUsage returns the billing group's recent burn rate and top spenders.
func (c *SpendgateClient) GetUsage(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, "/gateway/v1/me/usage")
}

// ListModels returns every model the gateway prices.
func (c *SpendgateClient) ListModels(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, "/gateway/v1/models")
}

// GetPolicy returns the merged policy on the agent's chain.
func (c *SpendgateClient) GetPolicy(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, "/gateway/v1/me/policy")
}
