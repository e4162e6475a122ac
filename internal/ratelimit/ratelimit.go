// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package ratelimit implements the per-IP/per-connection token buckets
// of spec.md §4.8 (C8): a keyed map of golang.org/x/time/rate limiters,
// one bucket per key, swept periodically so idle keys don't leak memory
// forever.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry pairs a per-key limiter with the last time it was touched, so
// the janitor can evict buckets nobody has hit in a while.
type entry struct {
	limiter *rate.Limiter
	lastUse time.Time
}

// Limiter is a keyed token bucket: every distinct key (an IP, a
// connection id, ...) gets its own independent bucket of the same
// shape, generalized from the teacher pack's per-IP RateLimiter
// (streamspace's internal/middleware/ratelimit.go), which keeps one
// map[string]*rate.Limiter per concern rather than a single shared
// bucket.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	rps   rate.Limit
	burst int

	// window is surfaced as the Retry-After hint on a 429; it is the
	// window the caller described the limit in (e.g. "10/hour"), not a
	// precise wait-time computation, which spec.md §4.8 doesn't require.
	window time.Duration
}

// New constructs a Limiter allowing count requests per window, per key,
// with a full initial burst of count (so a key's first count requests
// in a fresh window are never throttled).
func New(count int, window time.Duration) *Limiter {
	return &Limiter{
		entries: make(map[string]*entry),
		rps:     rate.Limit(float64(count) / window.Seconds()),
		burst:   count,
		window:  window,
	}
}

// Allow reports whether a request under key may proceed right now,
// consuming a token if so.
func (l *Limiter) Allow(key string) bool {
	return l.limiterFor(key).Allow()
}

// RetryAfter is the Retry-After hint (in whole seconds) to send
// alongside a 429 for this limiter's configured window.
func (l *Limiter) RetryAfter() time.Duration {
	return l.window
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.entries[key] = e
	}
	e.lastUse = time.Now()
	return e.limiter
}

// RunJanitor evicts buckets idle for longer than 2×window, until ctx is
// canceled. Callers run this as a background task (spec.md §5: every
// background loop is an independent, context-cancellable task).
func (l *Limiter) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	idleAfter := 2 * l.window
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-idleAfter)
			l.mu.Lock()
			for key, e := range l.entries {
				if e.lastUse.Before(cutoff) {
					delete(l.entries, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
