// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package audit implements the structured audit log of spec.md §4.8
// (C8): a bounded, fire-and-forget channel in front of the process's
// zap logger. On backpressure a non-security record is dropped; a
// security record (auth failure, license transition, fingerprint
// change) instead blocks the caller until it is written, per spec.md's
// "the audit channel never silently drops security events" invariant.
//
// Grounded on the teacher's internal/drivesync.Watcher, which drains a
// buffered channel (events chan FileEvent) from a single background
// goroutine started by its own Start method; generalized here from
// filesystem events to audit records, plus the blocking-on-security
// escape hatch the teacher's channel never needed.
package audit

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Kind enumerates the audit record categories spec.md §4.8 names.
type Kind string

const (
	KindCommand            Kind = "command"
	KindOAuthEvent          Kind = "oauth_event"
	KindAuthFailure         Kind = "auth_failure"
	KindLicenseTransition   Kind = "license_transition"
	KindFingerprintChange   Kind = "fingerprint_change"
)

// securityKinds is the set of Kinds spec.md §4.8 says must never be
// silently dropped.
var securityKinds = map[Kind]bool{
	KindAuthFailure:       true,
	KindLicenseTransition: true,
	KindFingerprintChange: true,
}

// Record is one audit entry. Fields carries whatever structured
// key/values the caller wants attached (agent id, user id, IP, ...).
type Record struct {
	Kind   Kind
	Fields []zap.Field
}

// Logger owns the bounded channel and the single goroutine draining it.
type Logger struct {
	logger *zap.Logger
	ch     chan Record

	mu      sync.Mutex
	dropped int64
}

// NewLogger constructs a Logger with the given channel capacity. A
// capacity of 0 is not useful: every record would then require a
// reader goroutine already running to accept it.
func NewLogger(logger *zap.Logger, capacity int) *Logger {
	if capacity <= 0 {
		capacity = 256
	}
	return &Logger{logger: logger, ch: make(chan Record, capacity)}
}

// Run drains the channel until ctx is canceled, writing each record
// through zap. Callers run this as a background task (spec.md §5: every
// background loop is independent and context-cancellable).
func (l *Logger) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-l.ch:
			l.write(rec)
		}
	}
}

func (l *Logger) write(rec Record) {
	l.logger.Info("audit", append([]zap.Field{zap.String("kind", string(rec.Kind))}, rec.Fields...)...)
}

// Record enqueues rec. A security-classified record blocks until
// delivered (ctx cancellation aside); anything else is dropped the
// instant the buffer is full, and the drop is itself counted rather
// than silently lost.
func (l *Logger) Record(ctx context.Context, rec Record) {
	if securityKinds[rec.Kind] {
		select {
		case l.ch <- rec:
		case <-ctx.Done():
		}
		return
	}
	select {
	case l.ch <- rec:
	default:
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
	}
}

// Dropped reports how many non-security records have been discarded
// for backpressure since startup.
func (l *Logger) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
