// Package metrics provides the batch metrics and snapshot fetchers. Metrics
// are heavier than quotes: lower concurrency, longer pacing, much longer
// freshness windows, and an Alpha Vantage top-up on full fetches.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/mstrand/appraise/internal/cache"
	"github.com/mstrand/appraise/internal/common"
	"github.com/mstrand/appraise/internal/interfaces"
	"github.com/mstrand/appraise/internal/models"
	"github.com/mstrand/appraise/internal/ratelimit"
	"github.com/mstrand/appraise/internal/services/quote"
	"github.com/mstrand/appraise/internal/valuation"
)

const (
	// BucketKey is the rate-gate bucket for the metrics endpoint class.
	BucketKey = "finnhub:metrics"
	// OverviewBucketKey is the bucket for the Alpha Vantage top-up calls.
	OverviewBucketKey = "alphavantage:overview"

	DefaultMaxSymbols  = 50
	DefaultConcurrency = 2
	DefaultPacing      = 250 * time.Millisecond
	fetchTimeout       = 20 * time.Second
)

// Service implements MetricsService.
type Service struct {
	client interfaces.FinnhubClient
	av     interfaces.AlphaVantageClient
	quotes interfaces.QuoteService
	gate   *ratelimit.Gate
	caches *cache.Registry
	logger *common.Logger

	maxSymbols    int
	concurrency   int
	pacing        time.Duration
	ratePerMinute int
	avRate        int

	sleep func(ctx context.Context, d time.Duration)
}

// NewService creates a metrics service. client and av may be nil; missing
// providers degrade to cache-only resolution.
func NewService(client interfaces.FinnhubClient, av interfaces.AlphaVantageClient, quotes interfaces.QuoteService, gate *ratelimit.Gate, caches *cache.Registry, cfg *common.Config, logger *common.Logger) *Service {
	s := &Service{
		client:        client,
		av:            av,
		quotes:        quotes,
		gate:          gate,
		caches:        caches,
		logger:        logger,
		maxSymbols:    DefaultMaxSymbols,
		concurrency:   DefaultConcurrency,
		pacing:        DefaultPacing,
		ratePerMinute: 55,
		avRate:        5,
		sleep:         sleepCtx,
	}
	if cfg != nil {
		if cfg.Batch.MetricsMaxSymbols > 0 {
			s.maxSymbols = cfg.Batch.MetricsMaxSymbols
		}
		if cfg.Batch.MetricsConcurrency > 0 {
			s.concurrency = cfg.Batch.MetricsConcurrency
		}
		s.pacing = cfg.Batch.MetricsPacingDuration()
		if cfg.Clients.Finnhub.RatePerMinute > 0 {
			s.ratePerMinute = cfg.Clients.Finnhub.RatePerMinute
		}
		if cfg.Clients.AlphaVantage.RatePerMinute > 0 {
			s.avRate = cfg.Clients.AlphaVantage.RatePerMinute
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

// GetBatch resolves symbols into metric bags. Lite requests can be answered
// from the full cache; full requests never downgrade to the lite cache.
func (s *Service) GetBatch(ctx context.Context, symbols []string, lite bool) *models.MetricsBatchResponse {
	syms := quote.NormalizeSymbols(symbols, s.maxSymbols)

	resp := &models.MetricsBatchResponse{
		Metrics: make(map[string]models.MetricsBag, len(syms)),
	}

	var toFetch []string
	for _, sym := range syms {
		if bag, ok := s.cachedBag(sym, lite); ok {
			resp.Metrics[sym] = s.shape(bag, lite)
			continue
		}
		toFetch = append(toFetch, sym)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.concurrency)

	for _, sym := range toFetch {
		if s.client == nil || s.gate.UnderBackoff() || !s.gate.Acquire(BucketKey, s.ratePerMinute) {
			bag, _ := s.staleBag(sym, lite)
			mu.Lock()
			resp.Metrics[sym] = s.shape(bag, lite)
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

			bag := s.liveFetch(fetchCtx, sym, lite)
			mu.Lock()
			resp.Metrics[sym] = s.shape(bag, lite)
			mu.Unlock()
		}(sym)

		s.sleep(ctx, s.pacing)
	}

	wg.Wait()

	if s.gate.UnderBackoff() {
		resp.BackoffUntil = s.gate.BackoffUntil().UnixMilli()
	}

	return resp
}

// cachedBag returns a fresh cached bag for the requested depth.
func (s *Service) cachedBag(sym string, lite bool) (models.MetricsBag, bool) {
	if bag, ok := s.caches.MetricsFull.Get(sym); ok {
		return bag, true
	}
	if lite {
		if bag, ok := s.caches.MetricsLite.Get(sym); ok {
			return bag, true
		}
	}
	return nil, false
}

// staleBag returns any cached bag regardless of age.
func (s *Service) staleBag(sym string, lite bool) (models.MetricsBag, bool) {
	if bag, ok := s.caches.MetricsFull.GetStale(sym); ok {
		return bag, true
	}
	if lite {
		if bag, ok := s.caches.MetricsLite.GetStale(sym); ok {
			return bag, true
		}
	}
	return nil, false
}

// liveFetch pulls the metrics bag and profile from Finnhub, tops up a full
// fetch from Alpha Vantage, and caches the result (nulls included).
func (s *Service) liveFetch(ctx context.Context, sym string, lite bool) models.MetricsBag {
	bag, err := s.client.Metrics(ctx, sym)
	if err != nil {
		s.logger.Debug().Str("symbol", sym).Err(err).Msg("Metrics fetch failed")
		stale, _ := s.staleBag(sym, lite)
		return stale
	}

	if prof, err := s.client.Profile(ctx, sym); err == nil {
		bag = mergeBags(bag, prof)
	}

	if !lite && s.av != nil && s.needsTopUp(bag) && s.gate.Acquire(OverviewBucketKey, s.avRate) {
		if over, err := s.av.Overview(ctx, sym); err == nil {
			bag = mergeBags(bag, over)
		}
	}

	if lite {
		s.caches.MetricsLite.Put(sym, bag)
	} else {
		s.caches.MetricsFull.Put(sym, bag)
	}
	return bag
}

// needsTopUp reports whether the core valuation inputs are still missing.
func (s *Service) needsTopUp(bag models.MetricsBag) bool {
	if bag == nil {
		return true
	}
	for _, field := range []string{valuation.FieldPE, valuation.FieldPS, valuation.FieldPB} {
		if _, ok := valuation.PickFinite(bag, field); !ok {
			return true
		}
	}
	return false
}

// mergeBags overlays extra onto base without clobbering existing keys.
func mergeBags(base, extra models.MetricsBag) models.MetricsBag {
	if extra == nil {
		return base
	}
	if base == nil {
		base = models.MetricsBag{}
	}
	for k, v := range extra {
		if _, exists := base[k]; !exists {
			base[k] = v
		}
	}
	return base
}

// liteShape is the canonical lite contract: probe the aliases once on the
// server so the browser never needs the alias table.
func liteShape(bag models.MetricsBag) models.MetricsBag {
	if bag == nil {
		return nil
	}
	out := models.MetricsBag{}
	for canonical, field := range map[string]string{
		"marketCapM": valuation.FieldMarketCap,
		"pe":         valuation.FieldPE,
		"ps":         valuation.FieldPS,
		"pb":         valuation.FieldPB,
	} {
		if v, ok := valuation.PickFinite(bag, field); ok {
			out[canonical] = v
		} else {
			out[canonical] = nil
		}
	}
	for _, key := range []string{"name", "exchange", "country", "industry", "logo"} {
		if v := bag.String(key); v != "" {
			out[key] = v
		}
	}
	return out
}

func (s *Service) shape(bag models.MetricsBag, lite bool) models.MetricsBag {
	if lite {
		return liteShape(bag)
	}
	return bag
}

// GetSnapshots resolves joined quote+metrics screener cards, preserving the
// caller's symbol order in the output.
func (s *Service) GetSnapshots(ctx context.Context, symbols []string) *models.SnapshotBatchResponse {
	syms := quote.NormalizeSymbols(symbols, s.maxSymbols)

	resp := &models.SnapshotBatchResponse{
		Items: make([]*models.Snapshot, 0, len(syms)),
	}

	cached := make(map[string]*models.Snapshot, len(syms))
	var missing []string
	for _, sym := range syms {
		if snap, ok := s.caches.Snapshots.Get(sym); ok {
			cached[sym] = snap
			continue
		}
		missing = append(missing, sym)
	}

	var quotes map[string]*models.Quote
	var bags map[string]models.MetricsBag
	if len(missing) > 0 {
		qresp := s.quotes.GetBatch(ctx, missing)
		quotes = qresp.Quotes
		if qresp.BackoffUntil > resp.BackoffUntil {
			resp.BackoffUntil = qresp.BackoffUntil
		}

		mresp := s.GetBatch(ctx, missing, true)
		bags = mresp.Metrics
		if mresp.BackoffUntil > resp.BackoffUntil {
			resp.BackoffUntil = mresp.BackoffUntil
		}
	}

	for _, sym := range syms {
		if snap, ok := cached[sym]; ok {
			resp.Items = append(resp.Items, snap)
			continue
		}
		snap := buildSnapshot(sym, quotes[sym], bags[sym])
		// Cards where neither provider resolved are not cached: the next
		// attempt must reach the providers again. Negative caching of
		// confirmed-empty symbols lives in the quote and metrics caches.
		if quotes[sym] != nil || bags[sym] != nil {
			s.caches.Snapshots.Put(sym, snap)
		}
		resp.Items = append(resp.Items, snap)
	}

	return resp
}

// buildSnapshot joins a quote and a lite bag into one card. Missing values
// stay nil: the UI renders them as unavailable, never as zero.
func buildSnapshot(sym string, q *models.Quote, bag models.MetricsBag) *models.Snapshot {
	snap := &models.Snapshot{Ticker: sym}

	if q != nil && q.Price > 0 {
		price := q.Price
		snap.Price = &price
		if pct := q.ChangePct(); pct == pct { // not NaN
			rounded := pct
			snap.ChangePct = &rounded
		}
	}

	if bag != nil {
		if v, ok := bag.Number("marketCapM"); ok {
			snap.MarketCapM = &v
		}
		snap.Name = bag.String("name")
		snap.Industry = bag.String("industry")
		snap.Country = bag.String("country")
		snap.Logo = bag.String("logo")
	}

	return snap
}

// Ensure Service implements MetricsService
var _ interfaces.MetricsService = (*Service)(nil)
