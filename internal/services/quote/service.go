// Package quote provides the batch quote fetcher: cache-first symbol
// resolution with a bounded worker pool and graceful degradation under
// upstream rate limits.
package quote

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mstrand/appraise/internal/cache"
	"github.com/mstrand/appraise/internal/common"
	"github.com/mstrand/appraise/internal/interfaces"
	"github.com/mstrand/appraise/internal/models"
	"github.com/mstrand/appraise/internal/ratelimit"
)

const (
	// BucketKey is the rate-gate bucket for the quote endpoint class.
	BucketKey = "finnhub:quote"

	DefaultMaxSymbols  = 200
	DefaultConcurrency = 4
	DefaultPacing      = 150 * time.Millisecond
	fetchTimeout       = 10 * time.Second
)

// Service implements QuoteService.
type Service struct {
	client interfaces.FinnhubClient
	gate   *ratelimit.Gate
	caches *cache.Registry
	logger *common.Logger

	maxSymbols    int
	concurrency   int
	pacing        time.Duration
	ratePerMinute int

	sleep func(ctx context.Context, d time.Duration)
}

// NewService creates a quote service. client may be nil when the provider
// key is not configured; batches then resolve entirely from cache.
func NewService(client interfaces.FinnhubClient, gate *ratelimit.Gate, caches *cache.Registry, cfg *common.Config, logger *common.Logger) *Service {
	s := &Service{
		client:        client,
		gate:          gate,
		caches:        caches,
		logger:        logger,
		maxSymbols:    DefaultMaxSymbols,
		concurrency:   DefaultConcurrency,
		pacing:        DefaultPacing,
		ratePerMinute: 55,
		sleep:         sleepCtx,
	}
	if cfg != nil {
		if cfg.Batch.QuoteMaxSymbols > 0 {
			s.maxSymbols = cfg.Batch.QuoteMaxSymbols
		}
		if cfg.Batch.QuoteConcurrency > 0 {
			s.concurrency = cfg.Batch.QuoteConcurrency
		}
		s.pacing = cfg.Batch.QuotePacingDuration()
		if cfg.Clients.Finnhub.RatePerMinute > 0 {
			s.ratePerMinute = cfg.Clients.Finnhub.RatePerMinute
		}
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// NormalizeSymbols upper-cases, de-duplicates, and caps a symbol list while
// preserving first-seen order.
func NormalizeSymbols(symbols []string, max int) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// GetQuote retrieves a single quote, serving from cache when fresh.
func (s *Service) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	syms := NormalizeSymbols([]string{symbol}, 1)
	if len(syms) == 0 {
		return nil, nil
	}
	sym := syms[0]

	if q, ok := s.caches.Quotes.Get(sym); ok {
		return q, nil
	}

	if s.gate.UnderBackoff() || s.client == nil {
		q, _ := s.caches.Quotes.GetStale(sym)
		return q, nil
	}

	q, err := s.client.Quote(ctx, sym)
	if err != nil {
		return nil, err
	}
	s.caches.Quotes.Put(sym, q)
	return q, nil
}

// GetBatch resolves a symbol list into quotes. The batch never fails as a
// whole: symbols that cannot be resolved map to null. On entering (or
// finding itself under) the global backoff window, the batch stops issuing
// live fetches and backfills remaining symbols from stale cache or null.
func (s *Service) GetBatch(ctx context.Context, symbols []string) *models.QuoteBatchResponse {
	syms := NormalizeSymbols(symbols, s.maxSymbols)

	resp := &models.QuoteBatchResponse{
		Quotes: make(map[string]*models.Quote, len(syms)),
	}

	var toFetch []string
	for _, sym := range syms {
		if q, ok := s.caches.Quotes.Get(sym); ok {
			resp.Quotes[sym] = q
			continue
		}
		toFetch = append(toFetch, sym)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.concurrency)

	for _, sym := range toFetch {
		// Every symbol still pending degrades to stale/null the moment the
		// backoff window opens or the endpoint bucket runs dry. Fetches
		// already in flight are left to finish.
		if s.client == nil || s.gate.UnderBackoff() || !s.gate.Acquire(BucketKey, s.ratePerMinute) {
			q, _ := s.caches.Quotes.GetStale(sym)
			mu.Lock()
			resp.Quotes[sym] = q
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
			defer cancel()

			q, err := s.client.Quote(fetchCtx, sym)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Debug().Str("symbol", sym).Err(err).Msg("Quote fetch failed")
				stale, _ := s.caches.Quotes.GetStale(sym)
				resp.Quotes[sym] = stale
				return
			}
			// Explicit nulls are cached too: a symbol with no data must not
			// be re-fetched in a hot loop.
			s.caches.Quotes.Put(sym, q)
			resp.Quotes[sym] = q
		}(sym)

		s.sleep(ctx, s.pacing)
	}

	wg.Wait()

	if until := s.gate.BackoffUntil(); !until.IsZero() && s.gate.UnderBackoff() {
		resp.BackoffUntil = until.UnixMilli()
	}

	return resp
}

// Ensure Service implements QuoteService
var _ interfaces.QuoteService = (*Service)(nil)
