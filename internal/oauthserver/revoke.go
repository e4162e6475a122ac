// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package oauthserver

import (
	"net/http"

	"github.com/hyper-ai-inc/fleetd/internal/metrics"
)

// handleRevoke implements POST /oauth/revoke (RFC 7009). It accepts
// either an access or a refresh token value and is idempotent: revoking
// an already-revoked or unknown token still returns 200 (spec.md §8),
// so a client can never learn whether a token it holds was ever valid.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	_ = s.store.RevokeToken(r.Context(), hashToken(token))
	metrics.OAuthTokensTotal.WithLabelValues("revoked").Inc()
	w.WriteHeader(http.StatusOK)
}
