// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package registry

import (
	"errors"
	"sync"
	"testing"
)

type fakeSink struct {
	owner    string
	hostname string

	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (f *fakeSink) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return errors.New("mailbox full")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSink) OwnerUserID() string { return f.owner }
func (f *fakeSink) Hostname() string    { return f.hostname }
func (f *fakeSink) Close() error        { f.closed = true; return nil }

func TestRegisterLookupUnregister(t *testing.T) {
	r := NewInMemory()
	sink := &fakeSink{owner: "u1", hostname: "h1"}

	if _, ok := r.Lookup("a1"); ok {
		t.Fatal("expected not-found before register")
	}

	r.Register("a1", sink)
	got, ok := r.Lookup("a1")
	if !ok || got != sink {
		t.Fatal("expected lookup to return the registered sink")
	}

	r.Unregister("a1")
	if _, ok := r.Lookup("a1"); ok {
		t.Fatal("expected not-found after unregister")
	}
}

func TestListByOwner(t *testing.T) {
	r := NewInMemory()
	r.Register("a1", &fakeSink{owner: "u1"})
	r.Register("a2", &fakeSink{owner: "u1"})
	r.Register("a3", &fakeSink{owner: "u2"})

	ids := r.ListByOwner("u1")
	if len(ids) != 2 {
		t.Fatalf("expected 2 agents for u1, got %d", len(ids))
	}
}

func TestBroadcastWakeBestEffort(t *testing.T) {
	r := NewInMemory()
	ok := &fakeSink{owner: "u1"}
	full := &fakeSink{owner: "u1", full: true}
	r.Register("a1", ok)
	r.Register("a2", full)

	delivered := r.BroadcastWake("u1")
	if delivered != 1 {
		t.Fatalf("expected 1 delivered (the non-full sink), got %d", delivered)
	}
	if len(ok.frames) != 1 {
		t.Fatalf("expected the healthy sink to receive the wake frame, got %d frames", len(ok.frames))
	}
}

func TestRegisterReplacesStaleSink(t *testing.T) {
	r := NewInMemory()
	first := &fakeSink{owner: "u1"}
	second := &fakeSink{owner: "u1"}

	r.Register("a1", first)
	r.Register("a1", second)

	got, _ := r.Lookup("a1")
	if got != second {
		t.Fatal("expected the second REGISTER to replace the first sink")
	}
}
