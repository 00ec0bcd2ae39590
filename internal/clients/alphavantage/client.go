// Package alphavantage provides a client for the Alpha Vantage API
package alphavantage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mstrand/appraise/internal/common"
	"github.com/mstrand/appraise/internal/interfaces"
	"github.com/mstrand/appraise/internal/models"
	"github.com/mstrand/appraise/internal/ratelimit"
)

const DefaultBaseURL = "https://www.alphavantage.co"

// Client implements the AlphaVantageClient interface
type Client struct {
	baseURL string
	apiKey  string
	gate    *ratelimit.Gate
	logger  *common.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new Alpha Vantage client
func NewClient(apiKey string, gate *ratelimit.Gate, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		gate:    gate,
		logger:  common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents an API error
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Alpha Vantage API error: %s (status: %d)", e.Message, e.StatusCode)
}

// Overview retrieves the OVERVIEW function for a symbol as a metrics bag.
// All Alpha Vantage values arrive as strings; the bag's Number accessor
// parses them on demand. An empty object or a throttling note resolves to
// (nil, nil) rather than an error.
func (c *Client) Overview(ctx context.Context, symbol string) (models.MetricsBag, error) {
	params := url.Values{}
	params.Set("function", "OVERVIEW")
	params.Set("symbol", symbol)
	params.Set("apikey", c.apiKey)

	reqURL := fmt.Sprintf("%s/query?%s", c.baseURL, params.Encode())

	c.logger.Debug().Str("symbol", symbol).Msg("Alpha Vantage overview request")

	res, err := c.gate.Fetch(ctx, http.MethodGet, reqURL)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: res.StatusCode, Message: string(res.Body)}
	}

	var raw map[string]any
	if err := json.Unmarshal(res.Body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	// Throttling and unknown symbols come back as 200 with a Note/empty body.
	if len(raw) == 0 || raw["Note"] != nil || raw["Information"] != nil {
		return nil, nil
	}
	if sym, ok := raw["Symbol"].(string); !ok || sym == "" {
		return nil, nil
	}

	return models.MetricsBag(raw), nil
}

// Ensure Client implements AlphaVantageClient
var _ interfaces.AlphaVantageClient = (*Client)(nil)
