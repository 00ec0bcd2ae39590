// Package ratelimit provides the shared rate gate that wraps all upstream
// provider calls: keyed token buckets, single-flight de-duplication, and
// 429/5xx backoff with jitter.
package ratelimit

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/mstrand/appraise/internal/common"
)

const (
	DefaultTimeout = 15 * time.Second

	// retry policy for transient upstream failures
	retryBaseDelay  = 250 * time.Millisecond
	retryJitterSpan = 250 * time.Millisecond
	maxRetries      = 5
)

// FetchResult is the shared outcome of a gated fetch. Body is fully read so
// coalesced callers can all consume it.
type FetchResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Gate owns the process-wide rate limiting state: one token bucket per
// bucket key, an in-flight request registry, and the global backoff window.
type Gate struct {
	httpClient *http.Client
	logger     *common.Logger

	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	flight       singleflight.Group
	backoffUntil atomic.Int64 // unix milli; 0 = no backoff

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures the gate
type Option func(*Gate)

// WithTimeout sets the HTTP timeout for gated fetches
func WithTimeout(timeout time.Duration) Option {
	return func(g *Gate) {
		g.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gate) {
		g.httpClient = client
	}
}

// New creates a rate gate
func New(logger *common.Logger, opts ...Option) *Gate {
	g := &Gate{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     logger,
		buckets:    make(map[string]*rate.Limiter),
		now:        time.Now,
		sleep:      sleepCtx,
	}
	if g.logger == nil {
		g.logger = common.NewSilentLogger()
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// limiter returns the bucket for key, creating it on first use. The bucket
// refills continuously at ratePerMinute/60 tokens per second and is capped
// at max(ratePerMinute, 1) tokens.
func (g *Gate) limiter(key string, ratePerMinute int) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if lim, ok := g.buckets[key]; ok {
		return lim
	}

	burst := ratePerMinute
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), burst)
	g.buckets[key] = lim
	return lim
}

// Acquire consumes one token from the named bucket if available. It never
// blocks; false means the caller is over its rate.
func (g *Gate) Acquire(key string, ratePerMinute int) bool {
	return g.limiter(key, ratePerMinute).Allow()
}

// Tokens reports the current token count of the named bucket.
func (g *Gate) Tokens(key string, ratePerMinute int) float64 {
	return g.limiter(key, ratePerMinute).Tokens()
}

// SetBackoff opens (or extends) the process-wide backoff window. Any
// component may call this on seeing an upstream 429; all batch operations
// check UnderBackoff before issuing new calls.
func (g *Gate) SetBackoff(d time.Duration) {
	until := g.now().Add(d).UnixMilli()
	for {
		cur := g.backoffUntil.Load()
		if cur >= until {
			return
		}
		if g.backoffUntil.CompareAndSwap(cur, until) {
			g.logger.Warn().Int64("until_ms", until).Msg("Global backoff engaged")
			return
		}
	}
}

// UnderBackoff reports whether the global backoff window is open.
func (g *Gate) UnderBackoff() bool {
	return g.now().UnixMilli() < g.backoffUntil.Load()
}

// BackoffUntil returns the end of the backoff window, or the zero time.
func (g *Gate) BackoffUntil() time.Time {
	until := g.backoffUntil.Load()
	if until == 0 {
		return time.Time{}
	}
	return time.UnixMilli(until)
}

// Fetch performs a single-flighted GET/HEAD-style request with rate-limit
// handling. Concurrent identical (method, url) calls share one upstream
// request and one result. 429 responses engage the global backoff and are
// retried after Retry-After (or 1 to 3s jitter) until the context expires; 5xx
// responses are retried with exponential backoff up to five attempts.
// Network errors are returned without retry.
func (g *Gate) Fetch(ctx context.Context, method, url string) (*FetchResult, error) {
	key := method + " " + url
	v, err, shared := g.flight.Do(key, func() (any, error) {
		return g.doFetch(ctx, method, url)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		g.logger.Trace().Str("url", url).Msg("Request coalesced with in-flight duplicate")
	}
	return v.(*FetchResult), nil
}

func (g *Gate) doFetch(ctx context.Context, method, url string) (*FetchResult, error) {
	attempt := 0
	for {
		res, err := g.issue(ctx, method, url)
		if err != nil {
			return nil, err
		}

		switch {
		case res.StatusCode == http.StatusTooManyRequests:
			g.SetBackoff(common.GlobalBackoffWindow)
			delay := retryAfter(res.Header)
			if delay <= 0 {
				// uniform jitter in [1s, 3s)
				delay = time.Second + time.Duration(rand.Int63n(int64(2*time.Second)))
			}
			g.logger.Warn().Str("url", url).Dur("delay", delay).Msg("Upstream rate limited, retrying")
			if err := g.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue

		case res.StatusCode >= 500:
			if attempt >= maxRetries-1 {
				return res, nil
			}
			delay := retryBaseDelay*time.Duration(1<<attempt) + time.Duration(rand.Int63n(int64(retryJitterSpan)))
			g.logger.Debug().Str("url", url).Int("status", res.StatusCode).Dur("delay", delay).Msg("Upstream error, backing off")
			if err := g.sleep(ctx, delay); err != nil {
				return nil, err
			}
			attempt++
			continue

		default:
			return res, nil
		}
	}
}

func (g *Gate) issue(ctx context.Context, method, url string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &FetchResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
