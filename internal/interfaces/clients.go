// Package interfaces defines service contracts for Appraise
package interfaces

import (
	"context"

	"github.com/mstrand/appraise/internal/models"
)

// FinnhubClient provides access to the Finnhub API
type FinnhubClient interface {
	// Quote retrieves a real-time quote. Returns (nil, nil) when the
	// provider has no data for the symbol.
	Quote(ctx context.Context, symbol string) (*models.Quote, error)

	// Metrics retrieves the fundamental metrics bag for a symbol
	Metrics(ctx context.Context, symbol string) (models.MetricsBag, error)

	// Profile retrieves company profile fields (name, exchange, country,
	// industry, logo, market cap) as a metrics bag
	Profile(ctx context.Context, symbol string) (models.MetricsBag, error)
}

// AlphaVantageClient provides access to the Alpha Vantage API
type AlphaVantageClient interface {
	// Overview retrieves the company overview as a metrics bag. Returns
	// (nil, nil) when the provider has no data for the symbol.
	Overview(ctx context.Context, symbol string) (models.MetricsBag, error)
}

// LLMClient generates natural-language commentary
type LLMClient interface {
	// GenerateCommentary produces commentary text from a prompt
	GenerateCommentary(ctx context.Context, prompt string) (string, error)

	// Model returns the model identifier in use
	Model() string
}
