// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ratelimit

import (
	"fmt"
	"net/http"

	"github.com/hyper-ai-inc/fleetd/internal/metrics"
)

// KeyFunc extracts the bucket key (an IP, a connection id, ...) from a
// request.
type KeyFunc func(*http.Request) string

// ClientIP is the default KeyFunc: X-Forwarded-For if present (the
// gateway sits behind a load balancer), else RemoteAddr.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// Wrap returns next unchanged on an allowed request, and a 429 with a
// Retry-After header (spec.md §4.8 / §5) otherwise. surface labels the
// rejection counter (S4) so operators can tell which bucket is under
// pressure without cross-referencing which Limiter instance fired.
func (l *Limiter) Wrap(next http.HandlerFunc, key KeyFunc, surface string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(key(r)) {
			metrics.RateLimitRejectionsTotal.WithLabelValues(surface).Inc()
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(l.RetryAfter().Seconds())))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
