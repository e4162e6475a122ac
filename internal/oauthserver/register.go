// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package oauthserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hyper-ai-inc/fleetd/internal/id"
	"github.com/hyper-ai-inc/fleetd/internal/model"
)

type registerClientRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
}

type registerClientResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
}

// handleRegisterClient implements Dynamic Client Registration (RFC 7591,
// spec.md §4.6). Public clients (the default — Claude et al.) get
// tokenEndpointAuth=none and must use PKCE; requesting
// client_secret_post opts into a confidential client with a generated
// secret returned exactly once.
func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var req registerClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "malformed JSON body")
		return
	}
	if len(req.RedirectURIs) == 0 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
		return
	}
	for _, u := range req.RedirectURIs {
		if !validRedirectURI(u) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uri "+u+" is not allowed")
			return
		}
	}

	client := model.OAuthClient{
		ClientID:          uuid.NewString(),
		ClientName:        req.ClientName,
		RedirectURIs:      req.RedirectURIs,
		GrantTypes:        defaultIfEmpty(req.GrantTypes, []string{"authorization_code", "refresh_token"}),
		ResponseTypes:     defaultIfEmpty(req.ResponseTypes, []string{"code"}),
		CreatedAt:         time.Now(),
		TokenEndpointAuth: model.AuthNone,
	}

	resp := registerClientResponse{
		ClientID:                client.ClientID,
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: string(model.AuthNone),
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
	}

	if req.TokenEndpointAuthMethod == string(model.AuthClientSecretPost) {
		secret, err := id.New()
		if err != nil {
			writeOAuthError(w, http.StatusInternalServerError, "server_error", "could not provision client secret")
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			writeOAuthError(w, http.StatusInternalServerError, "server_error", "could not provision client secret")
			return
		}
		client.TokenEndpointAuth = model.AuthClientSecretPost
		client.ClientSecretHash = string(hash)
		resp.TokenEndpointAuthMethod = string(model.AuthClientSecretPost)
		resp.ClientSecret = secret
	}

	if err := s.store.CreateOAuthClient(r.Context(), client); err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "could not register client")
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// validRedirectURI enforces spec.md §4.6: HTTPS except localhost, no
// fragment, no wildcards.
func validRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Fragment != "" {
		return false
	}
	if strings.Contains(u.Host, "*") {
		return false
	}
	if u.Scheme == "https" {
		return true
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

func defaultIfEmpty(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
