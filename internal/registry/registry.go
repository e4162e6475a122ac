// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package registry implements the in-memory authoritative map of agents
// live on this process (spec.md §4.3, C3). It deliberately imports only
// the standard library: a future shared-backend
// implementation (Redis, etc.) must satisfy the same AgentRegistry
// interface without any caller change.
package registry

import (
	"errors"
	"sync"
)

// ErrNotFound describes an agent ID with no registered sink. Lookup
// reports that case through its bool result and does not return this
// error.
var ErrNotFound = errors.New("registry: agent not registered")

// Sink is the opaque command-sender capability C4 hands to the registry
// on behalf of a live WebSocket connection. The registry never inspects
// it beyond calling Send and OwnerUserID; it never calls Close, and
// ownership of the connection stays with the WebSocket handler.
type Sink interface {
	// Send enqueues a frame for delivery to the agent. It must not
	// block the caller for longer than the sink's own mailbox timeout;
	// a full mailbox is the caller's signal to report agent_busy.
	Send(frame []byte) error
	// OwnerUserID identifies which tenant owns this agent, used by
	// ListByOwner/BroadcastWake.
	OwnerUserID() string
	// Hostname is used for MCP tool-name namespacing (spec.md §4.7).
	Hostname() string
	// Close tears down the underlying connection.
	Close() error
}

// AgentRegistry is the seam between the agent control plane and
// whatever process holds live WebSocket connections. The default
// implementation below is in-process; spec.md §4.3 requires that a
// future shared-backend implementation compile against this same
// interface.
type AgentRegistry interface {
	Register(agentID string, sink Sink)
	Lookup(agentID string) (Sink, bool)
	Unregister(agentID string)
	ListByOwner(ownerUserID string) []string
	BroadcastWake(ownerUserID string) int
}

// wakeFrame is the minimal state_change frame broadcast on wake. It is
// duplicated here (rather than imported from the wsagent protocol
// package) to keep this package dependency-free, matching the teacher's
// sessions.Manager, which never imports the ws package either.
var wakeFrame = []byte(`{"type":"state_change","targetState":"ACTIVE"}`)

// memoryRegistry is a mutex-guarded map\[agentID\]Sink, directly
// generalized from internal/sessions/manager.go's
// map\[string\]*Session pattern: Register/Lookup/Unregister/List are
// business verbs over a guarded map, not generic CRUD.
type memoryRegistry struct {
	mu   sync.RWMutex
	byID map[string]Sink
}

// NewInMemory constructs the default single-process AgentRegistry.
func NewInMemory() AgentRegistry {
	return &memoryRegistry{byID: make(map[string]Sink)}
}

func (m *memoryRegistry) Register(agentID string, sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byID[agentID]; ok && old != sink {
		// spec.md §3: isOnline=true implies exactly one live WS per
		// agent id. A second REGISTER for an already-connected agent
		// replaces the stale sink; the stale connection is closed by
		// its own handler when its read loop errors, not here.
		_ = old
	}
	m.byID[agentID] = sink
}

func (m *memoryRegistry) Lookup(agentID string) (Sink, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[agentID]
	return s, ok
}

func (m *memoryRegistry) Unregister(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, agentID)
}

func (m *memoryRegistry) ListByOwner(ownerUserID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, s := range m.byID {
		if s.OwnerUserID() == ownerUserID {
			ids = append(ids, id)
		}
	}
	return ids
}

// BroadcastWake enqueues a state_change frame to every online agent
// owned by ownerUserID and returns how many sends succeeded. Delivery is
// best-effort: a full mailbox is left out of that count, never blocks
// this call, and is never retried here because the next heartbeat_ack
// carries the same targetState from the Agent row regardless (spec.md
// §4.5).
func (m *memoryRegistry) BroadcastWake(ownerUserID string) int {
	m.mu.RLock()
	sinks := make([]Sink, 0)
	for _, s := range m.byID {
		if s.OwnerUserID() == ownerUserID {
			sinks = append(sinks, s)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, s := range sinks {
		if err := s.Send(wakeFrame); err == nil {
			delivered++
		}
	}
	return delivered
}
