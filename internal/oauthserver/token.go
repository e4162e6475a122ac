// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package oauthserver

import (
	"errors"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hyper-ai-inc/fleetd/internal/metrics"
	"github.com/hyper-ai-inc/fleetd/internal/model"
	"github.com/hyper-ai-inc/fleetd/internal/store"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// handleToken implements POST /oauth/token for both grant types spec.md
// §6.3 advertises.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	}
}

func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	rawCode := r.PostForm.Get("code")
	redirectURI := r.PostForm.Get("redirect_uri")
	verifier := r.PostForm.Get("code_verifier")
	clientID, ok := s.authenticateClient(r)
	if !ok {
		s.auditAuthFailure(r.Context(), "invalid_client", r.PostForm.Get("client_id"))
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	codeHash := hashToken(rawCode)
	code, err := s.store.ConsumeAuthorizationCode(r.Context(), codeHash)
	if err != nil {
		if errors.Is(err, store.ErrCodeAlreadyUsed) {
			// Replay of an already-consumed code: the first redemption's
			// tokens are suspect (the code leaked), so kill them too.
			_ = s.store.RevokeTokensIssuedByCode(r.Context(), codeHash)
		}
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid, expired, or already used")
		return
	}
	if code.ClientID != clientID || code.RedirectURI != redirectURI {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "client_id or redirect_uri does not match the authorization request")
		return
	}
	if code.ExpiresAt.Before(time.Now()) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "authorization code has expired")
		return
	}
	if code.CodeChallenge != "" {
		if !verifyPKCE(code.CodeChallengeMethod, code.CodeChallenge, verifier) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match code_challenge")
			return
		}
	}

	access, refresh, token := s.mintTokenPair(code.ClientID, code.UserID, code.Resource, code.Scopes)
	if err := s.store.CreateAccessToken(r.Context(), codeHash, token); err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "could not issue token")
		return
	}
	metrics.OAuthTokensTotal.WithLabelValues("issued_authorization_code").Inc()
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		Scope:        joinScopes(code.Scopes),
	})
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	raw := r.PostForm.Get("refresh_token")
	clientID, ok := s.authenticateClient(r)
	if !ok {
		s.auditAuthFailure(r.Context(), "invalid_client", r.PostForm.Get("client_id"))
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	oldHash := hashToken(raw)
	existing, err := s.store.GetAccessTokenByRefreshHash(r.Context(), oldHash)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "refresh token is invalid or expired")
		return
	}
	if existing.ClientID != clientID {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "refresh token was not issued to this client")
		return
	}
	if existing.RevokedAt != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "refresh token has been revoked")
		return
	}
	if existing.RefreshExpiresAt != nil && existing.RefreshExpiresAt.Before(time.Now()) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "refresh token has expired")
		return
	}

	// Rotation inherits the prior grant's audience and scope rather than
	// whatever the request asks for, so a client can never broaden its
	// own access by refreshing (spec.md §8).
	access, refresh, next := s.mintTokenPair(existing.ClientID, existing.UserID, existing.Audience, existing.Scopes)
	if err := s.store.RotateRefreshToken(r.Context(), oldHash, next); err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "could not rotate refresh token")
		return
	}
	metrics.OAuthTokensTotal.WithLabelValues("issued_refresh").Inc()
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		Scope:        joinScopes(existing.Scopes),
	})
}

func (s *Server) mintTokenPair(clientID, userID, resource string, scopes []model.Scope) (access, refresh string, token model.OAuthAccessToken) {
	rawAccess, accessHash := newOpaqueSecret()
	rawRefresh, refreshHash := newOpaqueSecret()
	refreshExpiry := timeNowPlus(s.cfg.RefreshTokenTTL)
	token = model.OAuthAccessToken{
		AccessTokenHash:  accessHash,
		RefreshTokenHash: refreshHash,
		Scopes:           scopes,
		Audience:         resource,
		ClientID:         clientID,
		UserID:           userID,
		AccessExpiresAt:  timeNowPlus(s.cfg.AccessTokenTTL),
		RefreshExpiresAt: &refreshExpiry,
	}
	return rawAccess, rawRefresh, token
}

// authenticateClient implements RFC 6749 §2.3: public clients merely
// assert client_id (PKCE already proved possession of the authorization
// in handleAuthorizationCodeGrant); confidential clients must present
// client_secret and match the stored bcrypt hash.
func (s *Server) authenticateClient(r *http.Request) (clientID string, ok bool) {
	clientID = r.PostForm.Get("client_id")
	if clientID == "" {
		return "", false
	}
	client, err := s.store.GetOAuthClient(r.Context(), clientID)
	if err != nil {
		return "", false
	}
	if client.IsPublic() {
		return clientID, true
	}
	secret := r.PostForm.Get("client_secret")
	if secret == "" {
		return "", false
	}
	if bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)) != nil {
		return "", false
	}
	return clientID, true
}

func joinScopes(scopes []model.Scope) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += string(s)
	}
	return out
}
