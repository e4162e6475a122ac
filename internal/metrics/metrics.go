// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package metrics exposes fleetd's Prometheus counters and histograms
// (spec.md §S4): online agent count, WS frame volume, command dispatch
// latency, MCP request latency, OAuth token issuance/revocation, and
// rate-limit rejections.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AgentsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_agents_online",
		Help: "Number of agents with a live WebSocket registered in this process.",
	})

	WSFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_ws_frames_total",
		Help: "Total WebSocket frames by direction and type.",
	}, []string{"direction", "type"})

	CommandDispatchSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetd_command_dispatch_seconds",
		Help:    "Latency of agent command dispatch via the MCP relay.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool", "success"})

	MCPRequestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetd_mcp_request_seconds",
		Help:    "Latency of inbound MCP JSON-RPC requests by method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "success"})

	OAuthTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_oauth_tokens_total",
		Help: "Total OAuth token issuance/revocation events.",
	}, []string{"event"})

	RateLimitRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_rate_limit_rejections_total",
		Help: "Total requests rejected by a rate limiter, by surface.",
	}, []string{"surface"})
)

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCommandDispatch records one tools/call dispatch's outcome and
// duration.
func ObserveCommandDispatch(tool string, success bool, d time.Duration) {
	CommandDispatchSeconds.WithLabelValues(tool, successLabel(success)).Observe(d.Seconds())
}

// ObserveMCPRequest records one JSON-RPC request's outcome and duration.
func ObserveMCPRequest(method string, success bool, d time.Duration) {
	MCPRequestSeconds.WithLabelValues(method, successLabel(success)).Observe(d.Seconds())
}

func successLabel(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}
