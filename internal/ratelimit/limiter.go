package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultWindow is the length of one counting window.
	DefaultWindow = 60 * time.Second
	// DefaultMaxRequestsPerWindow is how many requests a client may make per window.
	DefaultMaxRequestsPerWindow = 10
)

type bucketKey struct {
	client string
	window int64
}

// FixedWindowLimiter counts requests per client in aligned fixed windows.
// It is safe for concurrent use.
type FixedWindowLimiter struct {
	window               time.Duration
	maxRequestsPerWindow int
	now                  func() time.Time
	countersMutex        sync.Mutex
	counters             map[bucketKey]int
}

// NewFixedWindowLimiter builds a limiter, substituting defaults for non-positive values.
func NewFixedWindowLimiter(window time.Duration, maxRequestsPerWindow int) *FixedWindowLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxRequestsPerWindow <= 0 {
		maxRequestsPerWindow = DefaultMaxRequestsPerWindow
	}
	return &FixedWindowLimiter{
		window:               window,
		maxRequestsPerWindow: maxRequestsPerWindow,
		now:                  time.Now,
		counters:             make(map[bucketKey]int),
	}
}

// WithClock replaces the time source.
func (limiter *FixedWindowLimiter) WithClock(now func() time.Time) *FixedWindowLimiter {
	if now != nil {
		limiter.now = now
	}
	return limiter
}

// Allow records one request for client and reports whether it fits in the
// current window.
func (limiter *FixedWindowLimiter) Allow(client string) bool {
	key := bucketKey{client: client, window: limiter.currentWindow()}

	limiter.countersMutex.Lock()
	defer limiter.countersMutex.Unlock()

	limiter.counters[key]++
	return limiter.counters[key] <= limiter.maxRequestsPerWindow
}

// RetryAfter returns the time left until the current window closes.
func (limiter *FixedWindowLimiter) RetryAfter() time.Duration {
	now := limiter.now()
	windowEnd := time.Unix(0, (limiter.currentWindow()+1)*limiter.window.Nanoseconds())
	return windowEnd.Sub(now)
}

// Prune drops counters of windows that have already closed and returns how
// many were removed.
func (limiter *FixedWindowLimiter) Prune() int {
	currentWindow := limiter.currentWindow()

	limiter.countersMutex.Lock()
	defer limiter.countersMutex.Unlock()

	removed := 0
	for key := range limiter.counters {
		if key.window < currentWindow {
			delete(limiter.counters, key)
			removed++
		}
	}
	return removed
}

func (limiter *FixedWindowLimiter) currentWindow() int64 {
	return limiter.now().UnixNano() / limiter.window.Nanoseconds()
}
