// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package oauthserver implements the OAuth 2.1 Authorization Server
// (spec.md §4.6): discovery, Dynamic Client Registration, authorize,
// token, and revoke, fronting the Persistence Gateway's OAuth entities.
package oauthserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hyper-ai-inc/fleetd/internal/audit"
	"github.com/hyper-ai-inc/fleetd/internal/config"
	"github.com/hyper-ai-inc/fleetd/internal/ratelimit"
	"github.com/hyper-ai-inc/fleetd/internal/store"
)

// Server holds the dependencies every OAuth endpoint needs.
type Server struct {
	store   store.Store
	cfg     config.Config
	logger  *zap.Logger
	auditor *audit.Logger

	registerLimiter *ratelimit.Limiter
	tokenLimiter    *ratelimit.Limiter
}

// NewServer constructs a Server. auditor may be nil in tests that don't
// care about C8's structured audit trail.
func NewServer(s store.Store, cfg config.Config, logger *zap.Logger, auditor *audit.Logger) *Server {
	return &Server{
		store: s, cfg: cfg, logger: logger, auditor: auditor,
		registerLimiter: ratelimit.New(cfg.RateLimitRegisterPerHour, time.Hour),
		tokenLimiter:    ratelimit.New(cfg.RateLimitTokenPerMin, time.Minute),
	}
}

// auditAuthFailure feeds C8's audit channel on a token-endpoint
// rejection, tagged security so it's never dropped under backpressure.
func (s *Server) auditAuthFailure(ctx context.Context, reason, clientID string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, audit.Record{
		Kind:   audit.KindAuthFailure,
		Fields: []zap.Field{zap.String("reason", reason), zap.String("clientId", clientID)},
	})
}

// Routes registers every endpoint in spec.md §6.3 onto r. `/oauth/register`
// and `/oauth/token` carry the per-IP buckets spec.md §4.8 requires.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/.well-known/oauth-authorization-server", s.handleAuthServerMetadata).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/oauth-protected-resource/{endpointUuid}", s.handleProtectedResourceMetadata).Methods(http.MethodGet)
	r.HandleFunc("/oauth/register", s.registerLimiter.Wrap(s.handleRegisterClient, ratelimit.ClientIP, "oauth_register")).Methods(http.MethodPost)
	r.HandleFunc("/oauth/authorize", s.handleAuthorize).Methods(http.MethodGet)
	r.HandleFunc("/oauth/authorize/consent", s.handleConsent).Methods(http.MethodPost)
	r.HandleFunc("/oauth/login", s.handleLogin).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/oauth/token", s.tokenLimiter.Wrap(s.handleToken, ratelimit.ClientIP, "oauth_token")).Methods(http.MethodPost)
	r.HandleFunc("/oauth/revoke", s.handleRevoke).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
