// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package mcprelay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// sseEvent is one server-originated SSE event, carrying the monotonic
// id spec.md §4.7 requires.
type sseEvent struct {
	ID   int64
	Data []byte
	at   time.Time
}

// sseSession is a per-session bounded event buffer, the SSE analogue of
// the teacher's PTY scrollback ring buffer (internal/pty/hub.go): a
// fixed-capacity buffer that a reconnecting client can replay from a
// watermark instead of seeing a blank stream. Unlike the teacher's
// buffer, it's guarded by a mutex rather than "owned by one task",
// because here the writer (a tools/call POST handler) and the reader
// (a GET SSE handler) run on different goroutines.
type sseSession struct {
	mu       sync.Mutex
	events   []sseEvent
	nextID   int64
	capacity int
	window   time.Duration
}

func newSSESession(capacity int, window time.Duration) *sseSession {
	return &sseSession{capacity: capacity, window: window}
}

// append adds a new event and evicts anything past capacity or window.
func (s *sseSession) append(data []byte) sseEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ev := sseEvent{ID: s.nextID, Data: data, at: time.Now()}
	s.events = append(s.events, ev)
	s.evictLocked()
	return ev
}

func (s *sseSession) evictLocked() {
	cutoff := time.Now().Add(-s.window)
	start := 0
	for start < len(s.events) && (len(s.events)-start > s.capacity || s.events[start].at.Before(cutoff)) {
		start++
	}
	if start > 0 {
		s.events = append([]sseEvent(nil), s.events[start:]...)
	}
}

// replay returns every buffered event with id > sinceID. ok is false
// when sinceID names an id older than anything still retained — the
// caller must then emit a session-reset event instead of a gapped
// replay (spec.md §4.7).
func (s *sseSession) replay(sinceID int64) (events []sseEvent, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil, sinceID == 0
	}
	oldest := s.events[0].ID
	if sinceID > 0 && sinceID < oldest {
		return nil, false
	}
	for _, e := range s.events {
		if e.ID > sinceID {
			events = append(events, e)
		}
	}
	return events, true
}

// sessionManager owns every live sseSession, keyed by Mcp-Session-Id.
type sessionManager struct {
	mu         sync.Mutex
	sessions   map[string]*sseSession
	capacity   int
	window     time.Duration
}

func newSessionManager(capacity int, window time.Duration) *sessionManager {
	return &sessionManager{sessions: make(map[string]*sseSession), capacity: capacity, window: window}
}

// getOrCreate returns the session for id, minting a fresh id (and
// session) if id is empty — the "first call assigns an Mcp-Session-Id"
// rule from spec.md §4.7.
func (m *sessionManager) getOrCreate(id string) (*sseSession, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		id = uuid.NewString()
	}
	sess, ok := m.sessions[id]
	if !ok {
		sess = newSSESession(m.capacity, m.window)
		m.sessions[id] = sess
	}
	return sess, id
}
