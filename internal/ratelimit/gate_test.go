package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mstrand/appraise/internal/common"
)

func newTestGate() *Gate {
	g := New(common.NewSilentLogger())
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return g
}

func TestAcquire_BucketBounds(t *testing.T) {
	g := newTestGate()
	const rpm = 5

	// A fresh bucket holds exactly rpm tokens.
	for i := 0; i < rpm; i++ {
		if !g.Acquire("test:bucket", rpm) {
			t.Fatalf("acquire %d failed; bucket should hold %d tokens", i+1, rpm)
		}
	}
	if g.Acquire("test:bucket", rpm) {
		t.Error("acquire succeeded on an empty bucket")
	}
	if tokens := g.Tokens("test:bucket", rpm); tokens >= 1 {
		t.Errorf("tokens = %v after draining, want < 1", tokens)
	}
}

func TestTokens_NeverExceedBurst(t *testing.T) {
	g := newTestGate()
	const rpm = 10

	if tokens := g.Tokens("test:full", rpm); tokens > float64(rpm) {
		t.Errorf("tokens = %v, exceeds burst %d", tokens, rpm)
	}
}

func TestAcquire_BucketsAreIndependent(t *testing.T) {
	g := newTestGate()

	for i := 0; i < 3; i++ {
		g.Acquire("bucket:a", 3)
	}
	if g.Acquire("bucket:a", 3) {
		t.Error("bucket:a should be drained")
	}
	if !g.Acquire("bucket:b", 3) {
		t.Error("bucket:b should be unaffected by bucket:a")
	}
}

func TestSetBackoff_ExtendsNeverShortens(t *testing.T) {
	g := newTestGate()
	base := time.Now()
	g.now = func() time.Time { return base }

	g.SetBackoff(30 * time.Second)
	long := g.BackoffUntil()

	g.SetBackoff(5 * time.Second)
	if got := g.BackoffUntil(); got.Before(long) {
		t.Errorf("backoff shortened from %v to %v", long, got)
	}

	if !g.UnderBackoff() {
		t.Error("UnderBackoff = false inside the window")
	}

	g.now = func() time.Time { return base.Add(time.Minute) }
	if g.UnderBackoff() {
		t.Error("UnderBackoff = true after the window closed")
	}
}

func TestFetch_429EngagesBackoffAndRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	g := newTestGate()

	res, err := g.Fetch(context.Background(), http.MethodGet, srv.URL)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 after retry", res.StatusCode)
	}
	if !g.UnderBackoff() {
		t.Error("429 did not engage the global backoff window")
	}
	if calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2", calls.Load())
	}
}

func TestFetch_RespectsRetryAfterHeader(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := newTestGate()
	var slept []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if _, err := g.Fetch(context.Background(), http.MethodGet, srv.URL); err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(slept) != 1 || slept[0] != 7*time.Second {
		t.Errorf("slept = %v, want one 7s delay from Retry-After", slept)
	}
}

func TestFetch_429StopsWhenContextExpires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := New(common.NewSilentLogger())
	g.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := g.Fetch(ctx, http.MethodGet, srv.URL); err == nil {
		t.Error("Fetch should fail once the context is cancelled")
	}
}

func TestFetch_5xxRetriesThenReturnsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := newTestGate()

	res, err := g.Fetch(context.Background(), http.MethodGet, srv.URL)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if res.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want the final 500 returned to the caller", res.StatusCode)
	}
	if g.UnderBackoff() {
		t.Error("5xx must not engage the 429 backoff window")
	}
}

func TestFetch_SingleFlightCoalesces(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Write([]byte(`{"c":1.23}`))
	}))
	defer srv.Close()

	g := newTestGate()

	const n = 8
	var wg sync.WaitGroup
	results := make([]*FetchResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.Fetch(context.Background(), http.MethodGet, srv.URL)
			if err != nil {
				t.Errorf("Fetch error: %v", err)
				return
			}
			results[i] = res
		}(i)
	}

	// Let the dupes pile up behind the first request before releasing it.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1 for identical concurrent fetches", got)
	}
	for i, res := range results {
		if res == nil || string(res.Body) != `{"c":1.23}` {
			t.Errorf("caller %d got body %v, want shared result", i, res)
		}
	}
}
