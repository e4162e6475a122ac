// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package admin exposes the small internal HTTP surface spec.md's
// Scenario 1 assumes but never names (spec.md §S1): an owner's call to
// "admin activate(agentId)" and the BLOCKED transition named by C1's
// state machine but otherwise unreachable from outside the agent's own
// REGISTER/heartbeat frames.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hyper-ai-inc/fleetd/internal/audit"
	"github.com/hyper-ai-inc/fleetd/internal/auth"
	"github.com/hyper-ai-inc/fleetd/internal/model"
	"github.com/hyper-ai-inc/fleetd/internal/registry"
	"github.com/hyper-ai-inc/fleetd/internal/store"
)

// Server holds the admin endpoints' dependencies.
type Server struct {
	store    store.Store
	registry registry.AgentRegistry
	mw       *auth.Middleware
	logger   *zap.Logger
	auditor  *audit.Logger
}

// NewServer constructs a Server. auditor may be nil in tests that don't
// care about C8's structured audit trail.
func NewServer(s store.Store, reg registry.AgentRegistry, mw *auth.Middleware, logger *zap.Logger, auditor *audit.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{store: s, registry: reg, mw: mw, logger: logger, auditor: auditor}
}

// Routes registers the admin surface onto r, every endpoint guarded by
// the shared admin bearer token.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/admin/agents", s.mw.RequireAuthFunc(s.handleListAgents)).Methods(http.MethodGet)
	r.HandleFunc("/admin/agents/{agentId}/activate", s.mw.RequireAuthFunc(s.handleActivate)).Methods(http.MethodPost)
	r.HandleFunc("/admin/agents/{agentId}/block", s.mw.RequireAuthFunc(s.handleBlock)).Methods(http.MethodPost)
}

// agentView is the wire shape for one agent row, trimmed to the fields
// an operator dashboard needs rather than the full internal Agent.
type agentView struct {
	AgentID         string `json:"agentId"`
	OwnerUserID     string `json:"ownerUserId"`
	Hostname        string `json:"hostname"`
	State           string `json:"state"`
	PowerState      string `json:"powerState"`
	IsOnline        bool   `json:"isOnline"`
	PendingCommands int    `json:"pendingCommands"`
}

func toAgentView(a model.Agent) agentView {
	return agentView{
		AgentID:         a.ID,
		OwnerUserID:     a.OwnerUserID,
		Hostname:        a.Facts.Hostname,
		State:           string(a.State),
		PowerState:      string(a.PowerState),
		IsOnline:        a.IsOnline,
		PendingCommands: a.PendingCommands,
	}
}

// handleListAgents implements GET /admin/agents?ownerUserId=, the
// listing half of S1, and doubles as S2's queue-depth view via
// pendingCommands on each row.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ownerUserID := r.URL.Query().Get("ownerUserId")
	if ownerUserID == "" {
		writeError(w, http.StatusBadRequest, "ownerUserId query parameter is required")
		return
	}
	agents, err := s.store.ListAgentsByOwner(r.Context(), ownerUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list agents")
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, toAgentView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

type activateResponse struct {
	AgentID     string `json:"agentId"`
	LicenseUUID string `json:"licenseUuid"`
	State       string `json:"state"`
}

// handleActivate implements POST /admin/agents/{agentId}/activate
// (spec.md §8 Scenario 1): a PENDING agent is assigned a fresh
// licenseUuid and transitioned to ACTIVE. Already-ACTIVE is treated as
// idempotent success rather than an error, since a retried admin call
// must not fail just because the first attempt already landed.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agentId"]
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not load agent")
		return
	}

	if agent.State == model.AgentActive {
		writeJSON(w, http.StatusOK, activateResponse{AgentID: agent.ID, LicenseUUID: agent.LicenseUUID, State: string(agent.State)})
		return
	}
	if agent.State != model.AgentPending {
		writeError(w, http.StatusConflict, "agent is not in a state that can be activated")
		return
	}

	licenseUUID := uuid.NewString()
	if err := s.store.AssignLicense(r.Context(), agentID, licenseUUID); err != nil {
		var stale *store.StaleStateError
		if errors.As(err, &stale) {
			writeError(w, http.StatusConflict, "agent state changed concurrently; retry")
			return
		}
		var dup *store.DuplicateLicenseError
		if errors.As(err, &dup) {
			writeError(w, http.StatusConflict, "license uuid collision; retry")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not activate agent")
		return
	}

	s.logger.Info("agent activated", zap.String("agentId", agentID), zap.String("licenseUuid", licenseUUID))
	s.auditLicenseTransition(r.Context(), agentID, model.AgentActive)
	writeJSON(w, http.StatusOK, activateResponse{AgentID: agentID, LicenseUUID: licenseUUID, State: string(model.AgentActive)})
}

// handleBlock implements POST /admin/agents/{agentId}/block, the
// operator-initiated half of the BLOCKED state named by spec.md §3 but
// otherwise only reachable internally from C2's duplicate-fingerprint
// classification.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agentId"]
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not load agent")
		return
	}
	if agent.State == model.AgentBlocked {
		writeJSON(w, http.StatusOK, map[string]string{"agentId": agentID, "state": string(model.AgentBlocked)})
		return
	}

	if err := s.store.TransitionState(r.Context(), agentID, agent.State, model.AgentBlocked); err != nil {
		var stale *store.StaleStateError
		if errors.As(err, &stale) {
			writeError(w, http.StatusConflict, "agent state changed concurrently; retry")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not block agent")
		return
	}

	if sink, ok := s.registry.Lookup(agentID); ok {
		_ = sink.Close()
		s.registry.Unregister(agentID)
	}

	s.logger.Info("agent blocked", zap.String("agentId", agentID))
	s.auditLicenseTransition(r.Context(), agentID, model.AgentBlocked)
	writeJSON(w, http.StatusOK, map[string]string{"agentId": agentID, "state": string(model.AgentBlocked)})
}

// auditLicenseTransition feeds C8's audit channel on activate/block,
// tagged security so it's never dropped under backpressure.
func (s *Server) auditLicenseTransition(ctx context.Context, agentID string, to model.AgentState) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, audit.Record{
		Kind:   audit.KindLicenseTransition,
		Fields: []zap.Field{zap.String("agentId", agentID), zap.String("to", string(to))},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
