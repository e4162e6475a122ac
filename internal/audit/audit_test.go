// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package audit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNonSecurityRecordDroppedOnBackpressure(t *testing.T) {
	core, _ := observer.New(zap.InfoLevel)
	l := NewLogger(zap.New(core), 1)
	ctx := context.Background()

	// Fill the one-slot buffer without a reader running.
	l.Record(ctx, Record{Kind: KindCommand})
	l.Record(ctx, Record{Kind: KindCommand})

	if got := l.Dropped(); got != 1 {
		t.Fatalf("expected exactly 1 dropped record, got %d", got)
	}
}

func TestSecurityRecordBlocksUntilDrained(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := NewLogger(zap.New(core), 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Run(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			l.Record(ctx, Record{Kind: KindAuthFailure, Fields: []zap.Field{zap.Int("n", i)}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("security records should have drained rather than blocking forever")
	}

	deadline := time.Now().Add(time.Second)
	for logs.Len() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if logs.Len() != 5 {
		t.Fatalf("expected 5 audit log entries, got %d", logs.Len())
	}
}

func TestDroppedCountIsZeroWhenReaderKeepsUp(t *testing.T) {
	core, _ := observer.New(zap.InfoLevel)
	l := NewLogger(zap.New(core), 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Run(ctx)
	for i := 0; i < 20; i++ {
		l.Record(ctx, Record{Kind: KindCommand})
	}
	time.Sleep(50 * time.Millisecond)

	if got := l.Dropped(); got != 0 {
		t.Fatalf("expected no drops with an active reader, got %d", got)
	}
}
