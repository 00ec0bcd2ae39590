// Package finnhub provides a client for the Finnhub API
package finnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mstrand/appraise/internal/common"
	"github.com/mstrand/appraise/internal/interfaces"
	"github.com/mstrand/appraise/internal/models"
	"github.com/mstrand/appraise/internal/ratelimit"
)

const DefaultBaseURL = "https://finnhub.io/api/v1"

// flexFloat64 handles JSON values that may be either a number or a string.
type flexFloat64 float64

func (f *flexFloat64) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*f = flexFloat64(num)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" || s == "N/A" {
			*f = 0
			return nil
		}
		num, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = flexFloat64(num)
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into float64", string(data))
}

// Client implements the FinnhubClient interface. All requests go through
// the shared rate gate, which handles 429 retries and coalescing.
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

// NewClient creates a new Finnhub client
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
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Finnhub API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// get performs a gated GET request and decodes the JSON response.
func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("token", c.apiKey)

	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	c.logger.Debug().Str("endpoint", path).Msg("Finnhub API request")

	res, err := c.gate.Fetch(ctx, http.MethodGet, reqURL)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		return &APIError{
			StatusCode: res.StatusCode,
			Message:    string(res.Body),
			Endpoint:   path,
		}
	}

	if err := json.Unmarshal(res.Body, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// quoteResponse is the /quote payload. pc may be absent for symbols with no
// prior session.
type quoteResponse struct {
	Current   flexFloat64  `json:"c"`
	Open      flexFloat64  `json:"o"`
	High      flexFloat64  `json:"h"`
	Low       flexFloat64  `json:"l"`
	PrevClose *flexFloat64 `json:"pc"`
	Timestamp int64        `json:"t"`
}

// Quote retrieves a real-time quote. Finnhub answers unknown symbols with an
// all-zero body; those resolve to (nil, nil) so callers can cache the miss.
func (c *Client) Quote(ctx context.Context, symbol string) (*models.Quote, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp quoteResponse
	if err := c.get(ctx, "/quote", params, &resp); err != nil {
		return nil, err
	}

	if resp.Current <= 0 && resp.Timestamp == 0 {
		return nil, nil
	}

	quote := &models.Quote{
		Price:     float64(resp.Current),
		Open:      float64(resp.Open),
		High:      float64(resp.High),
		Low:       float64(resp.Low),
		Timestamp: resp.Timestamp,
	}
	if resp.PrevClose != nil && *resp.PrevClose > 0 {
		pc := float64(*resp.PrevClose)
		quote.PrevClose = &pc
	}

	return quote, nil
}

// metricsResponse is the /stock/metric payload.
type metricsResponse struct {
	Metric map[string]any `json:"metric"`
}

// Metrics retrieves the fundamental metrics bag for a symbol. Field names
// are provider-specific; the valuation alias table resolves them.
func (c *Client) Metrics(ctx context.Context, symbol string) (models.MetricsBag, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("metric", "all")

	var resp metricsResponse
	if err := c.get(ctx, "/stock/metric", params, &resp); err != nil {
		return nil, err
	}

	if len(resp.Metric) == 0 {
		return nil, nil
	}

	return models.MetricsBag(resp.Metric), nil
}

// profileResponse is the /stock/profile2 payload.
type profileResponse struct {
	Name       string      `json:"name"`
	Exchange   string      `json:"exchange"`
	Country    string      `json:"country"`
	Industry   string      `json:"finnhubIndustry"`
	Logo       string      `json:"logo"`
	MarketCapM flexFloat64 `json:"marketCapitalization"` // millions
}

// Profile retrieves company profile fields merged into a metrics bag.
func (c *Client) Profile(ctx context.Context, symbol string) (models.MetricsBag, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp profileResponse
	if err := c.get(ctx, "/stock/profile2", params, &resp); err != nil {
		return nil, err
	}

	if resp.Name == "" && resp.MarketCapM == 0 {
		return nil, nil
	}

	bag := models.MetricsBag{
		"name":     resp.Name,
		"exchange": resp.Exchange,
		"country":  resp.Country,
		"industry": resp.Industry,
		"logo":     resp.Logo,
	}
	if resp.MarketCapM > 0 {
		bag["marketCapM"] = float64(resp.MarketCapM)
	}

	return bag, nil
}

// Ensure Client implements FinnhubClient
var _ interfaces.FinnhubClient = (*Client)(nil)
