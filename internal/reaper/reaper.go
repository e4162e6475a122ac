// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package reaper runs fleetd's periodic background sweeps (spec.md §5,
// §S5) as supervised goroutines, generalized from the teacher's
// internal/pty.Hub idle-timer/idle-channel pattern from a per-hub timer
// to process-wide tickers.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hyper-ai-inc/fleetd/internal/config"
	"github.com/hyper-ai-inc/fleetd/internal/registry"
	"github.com/hyper-ai-inc/fleetd/internal/store"
	"github.com/hyper-ai-inc/fleetd/internal/wsagent"
)

// RunHeartbeatReaper sweeps online-but-stale agents every interval until
// ctx is canceled, marking each offline and dropping it from reg
// (spec.md §4.4's 3×interval rule, implemented by wsagent.ReapStaleAgents).
func RunHeartbeatReaper(ctx context.Context, s store.Store, reg registry.AgentRegistry, cfg config.Config, logger *zap.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := wsagent.ReapStaleAgents(ctx, s, reg, cfg, logger, now)
			if err != nil {
				logger.Warn("heartbeat reap failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("reaped stale agents", zap.Int("count", n))
			}
		}
	}
}

// RunTokenExpirer clears expired/revoked OAuth token rows every interval
// until ctx is canceled (spec.md §S5).
func RunTokenExpirer(ctx context.Context, s store.Store, logger *zap.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.DeleteExpiredTokens(ctx, now)
			if err != nil {
				logger.Warn("token expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("deleted expired tokens", zap.Int64("count", n))
			}
		}
	}
}
