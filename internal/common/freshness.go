// Package common provides shared utilities for Appraise
package common

import "time"

// Freshness TTLs for cached data classes
const (
	FreshnessQuote       = 15 * time.Second
	FreshnessSnapshot    = 30 * time.Second
	FreshnessMetricsLite = 10 * time.Minute
	FreshnessMetricsFull = 24 * time.Hour
	FreshnessCommentary  = 6 * time.Hour
)

// GlobalBackoffWindow is how long all components stop issuing upstream calls
// after any of them sees an HTTP 429.
const GlobalBackoffWindow = 30 * time.Second

// IsFresh returns true if the given timestamp is within the TTL
func IsFresh(updated time.Time, ttl time.Duration) bool {
	if updated.IsZero() {
		return false
	}
	return time.Since(updated) < ttl
}
