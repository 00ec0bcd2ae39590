// Package hydrate progressively enriches screener pages. A page request runs
// up to a few passes over its symbols in small chunks, retrying only the ones
// still missing data, then warms the symbols behind the visible page in the
// background. Starting a new page cancels the previous run.
package hydrate

import (
	"context"
	"sync"
	"time"

	"github.com/mstrand/appraise/internal/common"
	"github.com/mstrand/appraise/internal/interfaces"
	"github.com/mstrand/appraise/internal/models"
	"github.com/mstrand/appraise/internal/ratelimit"
	"github.com/mstrand/appraise/internal/services/quote"
)

const (
	DefaultChunkSize      = 4
	DefaultMaxPasses      = 3
	DefaultPageSize       = 20
	DefaultPrefetchTarget = 60

	// backoffSleepCap bounds the pause between passes while the upstream
	// backoff window is open.
	backoffSleepCap = 3500 * time.Millisecond
)

// Service implements HydrateService.
type Service struct {
	snapshots interfaces.MetricsService
	gate      *ratelimit.Gate
	logger    *common.Logger

	chunkSize      int
	maxPasses      int
	pageSize       int
	prefetchTarget int
	sleepCap       time.Duration

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewService creates a hydrate service on top of the snapshot resolver.
func NewService(snapshots interfaces.MetricsService, gate *ratelimit.Gate, cfg *common.Config, logger *common.Logger) *Service {
	s := &Service{
		snapshots:      snapshots,
		gate:           gate,
		logger:         logger,
		chunkSize:      DefaultChunkSize,
		maxPasses:      DefaultMaxPasses,
		pageSize:       DefaultPageSize,
		prefetchTarget: DefaultPrefetchTarget,
		sleepCap:       backoffSleepCap,
		now:            time.Now,
		sleep:          sleepCtx,
	}
	if cfg != nil {
		if cfg.Hydrate.ChunkSize > 0 {
			s.chunkSize = cfg.Hydrate.ChunkSize
		}
		if cfg.Hydrate.MaxPasses > 0 {
			s.maxPasses = cfg.Hydrate.MaxPasses
		}
		if cfg.Hydrate.PageSize > 0 {
			s.pageSize = cfg.Hydrate.PageSize
		}
		if cfg.Hydrate.PrefetchTarget > 0 {
			s.prefetchTarget = cfg.Hydrate.PrefetchTarget
		}
		s.sleepCap = cfg.Hydrate.BackoffSleep()
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

// HydratePage fills page out of the full symbol list and returns the cards in
// symbol order. Symbols past the page are warmed in the background.
func (s *Service) HydratePage(ctx context.Context, page int, symbols []string) (*models.HydratedPage, error) {
	all := quote.NormalizeSymbols(symbols, 0)
	if page < 0 {
		page = 0
	}

	start := page * s.pageSize
	if start > len(all) {
		start = len(all)
	}
	end := start + s.pageSize
	if end > len(all) {
		end = len(all)
	}
	pageSyms := all[start:end]
	rest := all[end:]

	runCtx, gen := s.begin()

	items := make(map[string]*models.Snapshot, len(pageSyms))
	passes := 0

	pending := pageSyms
	for pass := 0; pass < s.maxPasses && len(pending) > 0; pass++ {
		if s.stale(runCtx, gen) {
			break
		}
		if pass > 0 {
			s.backoffPause(runCtx)
		}

		passes++
		for _, chunk := range chunks(pending, s.chunkSize) {
			if s.stale(runCtx, gen) {
				break
			}
			resp := s.snapshots.GetSnapshots(runCtx, chunk)
			for _, snap := range resp.Items {
				if snap != nil {
					items[snap.Ticker] = snap
				}
			}
		}

		var next []string
		for _, sym := range pending {
			if incomplete(items[sym]) {
				next = append(next, sym)
			}
		}
		pending = next
	}

	if len(rest) > 0 && !s.stale(runCtx, gen) {
		go s.prefetch(runCtx, gen, rest)
	}

	resp := &models.HydratedPage{
		Page:        page,
		Items:       make([]*models.Snapshot, 0, len(pageSyms)),
		Passes:      passes,
		GeneratedAt: s.now().UTC(),
	}
	for _, sym := range pageSyms {
		snap := items[sym]
		if snap == nil {
			snap = &models.Snapshot{Ticker: sym}
		}
		resp.Items = append(resp.Items, snap)
	}
	if s.gate.UnderBackoff() {
		resp.BackoffUntil = s.gate.BackoffUntil().UnixMilli()
	}

	return resp, nil
}

// begin starts a new hydration run, cancelling any previous one. The run
// context is detached from the request so the prefetch can outlive it.
func (s *Service) begin() (context.Context, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	return runCtx, s.gen
}

// stale reports whether this run has been superseded or cancelled.
func (s *Service) stale(ctx context.Context, gen uint64) bool {
	if ctx.Err() != nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen != s.gen
}

// backoffPause sleeps for the remainder of the upstream backoff window,
// capped so a page never stalls behind a long window.
func (s *Service) backoffPause(ctx context.Context) {
	if !s.gate.UnderBackoff() {
		return
	}
	remaining := time.Until(s.gate.BackoffUntil())
	if remaining <= 0 {
		return
	}
	if remaining > s.sleepCap {
		remaining = s.sleepCap
	}
	s.sleep(ctx, remaining)
}

// prefetch warms the caches for symbols behind the visible page, one chunk
// at a time, until the target count or cancellation.
func (s *Service) prefetch(ctx context.Context, gen uint64, symbols []string) {
	if len(symbols) > s.prefetchTarget {
		symbols = symbols[:s.prefetchTarget]
	}
	for _, chunk := range chunks(symbols, s.chunkSize) {
		if s.stale(ctx, gen) {
			return
		}
		if s.gate.UnderBackoff() {
			s.backoffPause(ctx)
			if s.stale(ctx, gen) {
				return
			}
		}
		s.snapshots.GetSnapshots(ctx, chunk)
	}
	s.logger.Debug().Int("symbols", len(symbols)).Msg("Prefetch complete")
}

// Close cancels any in-flight hydration run.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// incomplete reports whether a card still needs another pass. A card that
// resolved either a price or a market cap carries usable data and is not
// retried.
func incomplete(snap *models.Snapshot) bool {
	return snap == nil || (snap.Price == nil && snap.MarketCapM == nil)
}

// chunks splits syms into runs of at most size, preserving order.
func chunks(syms []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for len(syms) > 0 {
		n := size
		if n > len(syms) {
			n = len(syms)
		}
		out = append(out, syms[:n])
		syms = syms[n:]
	}
	return out
}

// Ensure Service implements HydrateService
var _ interfaces.HydrateService = (*Service)(nil)
