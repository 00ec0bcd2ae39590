package interfaces

import (
	"context"
	"time"

	"github.com/mstrand/appraise/internal/models"
)

// QuoteService resolves symbols to quotes, mixing cache and live calls
type QuoteService interface {
	// GetQuote retrieves a single quote, from cache when fresh
	GetQuote(ctx context.Context, symbol string) (*models.Quote, error)

	// GetBatch resolves up to the configured maximum of symbols. It never
	// fails as a whole: unresolved symbols map to null.
	GetBatch(ctx context.Context, symbols []string) *models.QuoteBatchResponse
}

// MetricsService resolves symbols to metric bags and snapshot cards
type MetricsService interface {
	// GetBatch resolves metric bags; lite skips the slower overview top-up
	GetBatch(ctx context.Context, symbols []string, lite bool) *models.MetricsBatchResponse

	// GetSnapshots resolves joined quote+metrics screener cards
	GetSnapshots(ctx context.Context, symbols []string) *models.SnapshotBatchResponse
}

// CommentaryService generates cached, rate-limited valuation commentary
type CommentaryService interface {
	Generate(ctx context.Context, req *models.CommentaryRequest, callerIP string) (*models.CommentaryResponse, error)
}

// HydrateService progressively enriches screener pages
type HydrateService interface {
	// HydratePage fills one page of tickers with live data and kicks off a
	// background prefetch of subsequent pages. Starting a new page cancels
	// any run still in flight for a previous one.
	HydratePage(ctx context.Context, page int, symbols []string) (*models.HydratedPage, error)
}

// CommentaryStore caches generated commentary by content hash
type CommentaryStore interface {
	// Get returns the cached text and model for hash; ok is false on miss
	// or past expiry
	Get(ctx context.Context, hash string) (text string, model string, ok bool, err error)

	// Put upserts a commentary entry with the given TTL
	Put(ctx context.Context, hash, symbol, text, model string, ttl time.Duration) error

	// Purge removes expired entries
	Purge(ctx context.Context) error

	Close() error
}
