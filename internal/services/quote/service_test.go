package quote

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/mstrand/appraise/internal/cache"
	"github.com/mstrand/appraise/internal/common"
	"github.com/mstrand/appraise/internal/models"
	"github.com/mstrand/appraise/internal/ratelimit"
)

// --- mock Finnhub client ---

type mockFinnhub struct {
	mu      sync.Mutex
	calls   int
	quoteFn func(ctx context.Context, symbol string) (*models.Quote, error)
}

func (m *mockFinnhub) Quote(ctx context.Context, symbol string) (*models.Quote, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.quoteFn != nil {
		return m.quoteFn(ctx, symbol)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockFinnhub) Metrics(ctx context.Context, symbol string) (models.MetricsBag, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *mockFinnhub) Profile(ctx context.Context, symbol string) (models.MetricsBag, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *mockFinnhub) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestService(client *mockFinnhub) (*Service, *cache.Registry, *ratelimit.Gate) {
	caches := cache.NewRegistry()
	gate := ratelimit.New(common.NewSilentLogger())
	s := NewService(client, gate, caches, nil, common.NewSilentLogger())
	s.sleep = func(ctx context.Context, d time.Duration) {}
	return s, caches, gate
}

func TestNormalizeSymbols(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		max      int
		expected []string
	}{
		{"upcases and trims", []string{" aapl ", "msft"}, 10, []string{"AAPL", "MSFT"}},
		{"dedupes keeping first", []string{"AAPL", "aapl", "MSFT", "AAPL"}, 10, []string{"AAPL", "MSFT"}},
		{"caps preserving order", []string{"A", "B", "C", "D"}, 2, []string{"A", "B"}},
		{"drops empties", []string{"", " ", "A"}, 10, []string{"A"}},
		{"unlimited when max is zero", []string{"A", "B", "C"}, 0, []string{"A", "B", "C"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeSymbols(tt.input, tt.max)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("NormalizeSymbols(%v, %d) = %v, want %v", tt.input, tt.max, got, tt.expected)
			}
		})
	}
}

func TestGetBatch_EveryRequestedSymbolAddressable(t *testing.T) {
	client := &mockFinnhub{
		quoteFn: func(_ context.Context, symbol string) (*models.Quote, error) {
			return &models.Quote{Price: float64(len(symbol))}, nil
		},
	}
	s, _, _ := newTestService(client)

	resp := s.GetBatch(context.Background(), []string{"msft", "AAPL", "aapl", "GOOG"})

	for _, sym := range []string{"MSFT", "AAPL", "GOOG"} {
		q, present := resp.Quotes[sym]
		if !present {
			t.Errorf("symbol %s missing from response map", sym)
			continue
		}
		if q == nil || q.Price != float64(len(sym)) {
			t.Errorf("symbol %s = %+v, want price %d", sym, q, len(sym))
		}
	}
	if len(resp.Quotes) != 3 {
		t.Errorf("response has %d entries, want 3 after dedup", len(resp.Quotes))
	}
}

func TestGetBatch_FreshCacheSkipsClient(t *testing.T) {
	client := &mockFinnhub{}
	s, caches, _ := newTestService(client)

	caches.Quotes.Put("AAPL", &models.Quote{Price: 190})

	resp := s.GetBatch(context.Background(), []string{"AAPL"})

	if client.callCount() != 0 {
		t.Errorf("client called %d times for a fully cached batch", client.callCount())
	}
	if q := resp.Quotes["AAPL"]; q == nil || q.Price != 190 {
		t.Errorf("cached quote = %+v, want price 190", q)
	}
}

func TestGetBatch_NullResultsAreCached(t *testing.T) {
	client := &mockFinnhub{
		quoteFn: func(_ context.Context, _ string) (*models.Quote, error) {
			return nil, nil // provider has no data
		},
	}
	s, _, _ := newTestService(client)

	resp := s.GetBatch(context.Background(), []string{"GHOST"})
	if q, present := resp.Quotes["GHOST"]; !present || q != nil {
		t.Errorf("GHOST = (%+v, %v), want explicit null", q, present)
	}

	s.GetBatch(context.Background(), []string{"GHOST"})
	if client.callCount() != 1 {
		t.Errorf("client called %d times; null result should be served from cache", client.callCount())
	}
}

func TestGetBatch_BackoffServesStaleWithoutFetching(t *testing.T) {
	client := &mockFinnhub{}
	caches := &cache.Registry{
		Quotes:      cache.New[*models.Quote](time.Millisecond, 16),
		MetricsLite: cache.New[models.MetricsBag](time.Minute, 16),
		MetricsFull: cache.New[models.MetricsBag](time.Minute, 16),
		Snapshots:   cache.New[*models.Snapshot](time.Minute, 16),
	}
	gate := ratelimit.New(common.NewSilentLogger())
	s := NewService(client, gate, caches, nil, common.NewSilentLogger())
	s.sleep = func(ctx context.Context, d time.Duration) {}

	caches.Quotes.Put("AAPL", &models.Quote{Price: 185})
	time.Sleep(5 * time.Millisecond) // let the entry go stale
	gate.SetBackoff(30 * time.Second)

	resp := s.GetBatch(context.Background(), []string{"AAPL", "MSFT"})

	if client.callCount() != 0 {
		t.Errorf("client called %d times under backoff", client.callCount())
	}
	if q := resp.Quotes["AAPL"]; q == nil || q.Price != 185 {
		t.Errorf("AAPL = %+v, want the stale cached quote", q)
	}
	if q, present := resp.Quotes["MSFT"]; !present || q != nil {
		t.Errorf("MSFT = (%+v, %v), want null backfill", q, present)
	}
	if resp.BackoffUntil == 0 {
		t.Error("BackoffUntil not surfaced to the caller")
	}
}

func TestGetBatch_FetchErrorFallsBackToStaleUncached(t *testing.T) {
	client := &mockFinnhub{
		quoteFn: func(_ context.Context, _ string) (*models.Quote, error) {
			return nil, fmt.Errorf("connection reset")
		},
	}
	caches := &cache.Registry{
		Quotes:      cache.New[*models.Quote](time.Millisecond, 16),
		MetricsLite: cache.New[models.MetricsBag](time.Minute, 16),
		MetricsFull: cache.New[models.MetricsBag](time.Minute, 16),
		Snapshots:   cache.New[*models.Snapshot](time.Minute, 16),
	}
	gate := ratelimit.New(common.NewSilentLogger())
	s := NewService(client, gate, caches, nil, common.NewSilentLogger())
	s.sleep = func(ctx context.Context, d time.Duration) {}

	caches.Quotes.Put("AAPL", &models.Quote{Price: 185})
	time.Sleep(5 * time.Millisecond)

	resp := s.GetBatch(context.Background(), []string{"AAPL"})
	if q := resp.Quotes["AAPL"]; q == nil || q.Price != 185 {
		t.Errorf("AAPL = %+v, want stale fallback on fetch error", q)
	}

	// Errors must not be cached; the next batch retries the fetch.
	s.GetBatch(context.Background(), []string{"AAPL"})
	if client.callCount() != 2 {
		t.Errorf("client called %d times, want 2 (errors are not cached)", client.callCount())
	}
}

func TestGetBatch_NilClientResolvesFromCacheOnly(t *testing.T) {
	caches := cache.NewRegistry()
	gate := ratelimit.New(common.NewSilentLogger())
	s := NewService(nil, gate, caches, nil, common.NewSilentLogger())
	s.sleep = func(ctx context.Context, d time.Duration) {}

	caches.Quotes.Put("AAPL", &models.Quote{Price: 190})

	resp := s.GetBatch(context.Background(), []string{"AAPL", "MSFT"})
	if q := resp.Quotes["AAPL"]; q == nil || q.Price != 190 {
		t.Errorf("AAPL = %+v, want cached quote", q)
	}
	if q, present := resp.Quotes["MSFT"]; !present || q != nil {
		t.Errorf("MSFT = (%+v, %v), want null", q, present)
	}
}

func TestGetQuote_CacheThenLive(t *testing.T) {
	client := &mockFinnhub{
		quoteFn: func(_ context.Context, _ string) (*models.Quote, error) {
			return &models.Quote{Price: 42}, nil
		},
	}
	s, _, _ := newTestService(client)

	q, err := s.GetQuote(context.Background(), "aapl")
	if err != nil {
		t.Fatalf("GetQuote error: %v", err)
	}
	if q == nil || q.Price != 42 {
		t.Fatalf("GetQuote = %+v, want price 42", q)
	}

	s.GetQuote(context.Background(), "AAPL")
	if client.callCount() != 1 {
		t.Errorf("client called %d times, want 1 (second call cached)", client.callCount())
	}
}

func TestGetBatch_PacingAppliedPerLaunch(t *testing.T) {
	client := &mockFinnhub{
		quoteFn: func(_ context.Context, _ string) (*models.Quote, error) {
			return &models.Quote{Price: 1}, nil
		},
	}
	s, _, _ := newTestService(client)

	var sleeps int
	s.sleep = func(ctx context.Context, d time.Duration) {
		if d == s.pacing {
			sleeps++
		}
	}

	s.GetBatch(context.Background(), []string{"A", "B", "C"})
	if sleeps != 3 {
		t.Errorf("pacing sleeps = %d, want one per launched fetch", sleeps)
	}
}
