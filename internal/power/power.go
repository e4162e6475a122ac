// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package power implements the Power-State & Activity Engine (spec.md
// §4.5, C5): adaptive heartbeat interval, quiet-hour learning, and wake
// broadcast decisions. The state/trigger shape is generalized from the
// teacher's internal/agent.Controller running/paused/stopped machine —
// entry/exit triggers drive transitions rather than a caller setting
// state directly.
package power

import (
	"context"
	"fmt"
	"time"

	"github.com/hyper-ai-inc/fleetd/internal/config"
	"github.com/hyper-ai-inc/fleetd/internal/model"
	"github.com/hyper-ai-inc/fleetd/internal/store"
)

// quietThresholdPct is the fraction of the daily peak below which an
// hour is considered quiet (spec.md §4.5).
const quietThresholdPct = 0.05

// activeIdleWindow/passiveIdleWindow are the exit triggers out of
// ACTIVE/PASSIVE on sustained idleness.
const (
	activeIdleWindow  = 5 * time.Minute
	passiveIdleWindow = 30 * time.Minute
)

// Input is everything the engine needs to decide the next heartbeat
// target for one agent.
type Input struct {
	Agent           model.Agent
	AIConnected     bool // an AI client holds a live MCP session for this owner
	PortalOpen      bool // owner has the dashboard open
	CommandInLast5m bool
	IdleFor         time.Duration // time since last owner/agent activity
	Now             time.Time
}

// Decision carries the fields the handler folds into heartbeat_ack.
type Decision struct {
	Interval    time.Duration
	TargetState model.PowerState
	WakeAt      *time.Time
}

// Engine computes power-state transitions and tracks per-owner activity
// histograms used for quiet-hour detection.
type Engine struct {
	store store.Store
	cfg   config.Config
}

// New constructs an Engine.
func New(s store.Store, cfg config.Config) *Engine {
	return &Engine{store: s, cfg: cfg}
}

// Evaluate computes the next heartbeat interval and target power state
// for in.Agent, per the entry/exit triggers in spec.md §4.5's table.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	if in.Agent.PowerState == "" {
		in.Agent.PowerState = model.PowerActive
	}

	pattern, err := e.store.GetActivityPattern(ctx, in.Agent.OwnerUserID)
	if err != nil {
		return Decision{}, fmt.Errorf("get activity pattern: %w", err)
	}

	target := e.nextState(in, pattern)

	if in.Agent.PendingCommands > 0 && target != model.PowerActive {
		target = model.PowerActive
	}

	var wakeAt *time.Time
	if target == model.PowerSleep && pattern.QuietEndHour >= 0 {
		at := nextWakeAt(in.Now, pattern.QuietEndHour)
		wakeAt = &at
	}

	return Decision{
		Interval:    e.intervalFor(target),
		TargetState: target,
		WakeAt:      wakeAt,
	}, nil
}

// nextWakeAt returns the next wall-clock occurrence of endHour:00 in now's
// location, strictly after now (today if the hour hasn't passed yet,
// otherwise tomorrow).
func nextWakeAt(now time.Time, endHour int) time.Time {
	wake := time.Date(now.Year(), now.Month(), now.Day(), endHour, 0, 0, 0, now.Location())
	if !wake.After(now) {
		wake = wake.AddDate(0, 0, 1)
	}
	return wake
}

func (e *Engine) intervalFor(state model.PowerState) time.Duration {
	switch state {
	case model.PowerActive:
		return e.cfg.HeartbeatActive
	case model.PowerSleep:
		return e.cfg.HeartbeatSleep
	default:
		return e.cfg.HeartbeatPassive
	}
}

func (e *Engine) nextState(in Input, pattern model.CustomerActivityPattern) model.PowerState {
	switch pattern.ScheduleMode {
	case model.ScheduleAlwaysActive:
		return model.PowerActive
	case model.ScheduleSleepOvernight, model.ScheduleCustom:
		if pattern.QuietStartHour >= 0 && inQuietWindow(in.Now, pattern) {
			return model.PowerSleep
		}
	}

	if in.AIConnected || in.PortalOpen || in.CommandInLast5m {
		return model.PowerActive
	}

	current := in.Agent.PowerState
	switch current {
	case model.PowerActive:
		if in.IdleFor >= activeIdleWindow {
			return model.PowerPassive
		}
		return model.PowerActive
	case model.PowerPassive:
		if in.IdleFor >= passiveIdleWindow || inQuietWindow(in.Now, pattern) {
			return model.PowerSleep
		}
		return model.PowerPassive
	case model.PowerSleep:
		return model.PowerSleep
	default:
		return model.PowerPassive
	}
}

func inQuietWindow(now time.Time, p model.CustomerActivityPattern) bool {
	if p.QuietStartHour < 0 || p.QuietEndHour < 0 {
		return false
	}
	hour := now.Hour()
	if p.QuietStartHour <= p.QuietEndHour {
		return hour >= p.QuietStartHour && hour < p.QuietEndHour
	}
	// Window wraps midnight (e.g. 23 -> 6).
	return hour >= p.QuietStartHour || hour < p.QuietEndHour
}

// RecordCommand increments the owner's hourly activity histogram for the
// current local hour and re-derives the quiet-hour window.
func (e *Engine) RecordCommand(ctx context.Context, ownerUserID string, at time.Time) error {
	hour := at.Hour()
	if err := e.store.RecordActivity(ctx, ownerUserID, hour); err != nil {
		return fmt.Errorf("record activity: %w", err)
	}

	pattern, err := e.store.GetActivityPattern(ctx, ownerUserID)
	if err != nil {
		return fmt.Errorf("get activity pattern: %w", err)
	}
	if pattern.ScheduleMode == model.ScheduleCustom {
		return nil // quiet window is operator-pinned, not learned
	}

	start, end := DetectQuietHours(pattern.HourlyActivity)
	pattern.QuietStartHour, pattern.QuietEndHour = start, end
	if pattern.ScheduleMode == "" {
		pattern.ScheduleMode = model.ScheduleAutoDetect
	}
	return e.store.SetActivityPattern(ctx, pattern)
}

// DetectQuietHours returns the maximal contiguous window where every
// hour's count is below quietThresholdPct of the daily maximum (spec.md
// §4.5). Returns (-1, -1) when there isn't enough signal yet (no peak).
func DetectQuietHours(hourly [24]int64) (startHour, endHour int) {
	var peak int64
	for _, c := range hourly {
		if c > peak {
			peak = c
		}
	}
	if peak == 0 {
		return -1, -1
	}
	threshold := float64(peak) * quietThresholdPct

	quiet := make([]bool, 24)
	for h, c := range hourly {
		quiet[h] = float64(c) < threshold
	}

	// Find the longest contiguous run of quiet hours, treating the
	// 24-hour cycle as circular.
	bestStart, bestLen := -1, 0
	doubled := append(append([]bool{}, quiet...), quiet...)
	runStart, runLen := -1, 0
	for i, q := range doubled {
		if q {
			if runLen == 0 {
				runStart = i
			}
			runLen++
			if runLen > bestLen && runLen <= 24 {
				bestLen = runLen
				bestStart = runStart
			}
		} else {
			runLen = 0
		}
	}
	if bestStart == -1 {
		return -1, -1
	}
	start := bestStart % 24
	end := (bestStart + bestLen) % 24
	return start, end
}
