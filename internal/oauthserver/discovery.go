// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package oauthserver

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hyper-ai-inc/fleetd/internal/model"
	"github.com/hyper-ai-inc/fleetd/internal/store"
)

type authServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
}

// handleAuthServerMetadata serves RFC 8414 discovery.
func (s *Server) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := s.cfg.AuthIssuerURL
	scopes := make([]string, 0, len(model.AllScopes))
	for sc := range model.AllScopes {
		scopes = append(scopes, string(sc))
	}
	writeJSON(w, http.StatusOK, authServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth/authorize",
		TokenEndpoint:                     issuer + "/oauth/token",
		RegistrationEndpoint:              issuer + "/oauth/register",
		RevocationEndpoint:                issuer + "/oauth/revoke",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_post"},
		ScopesSupported:                   scopes,
	})
}

type protectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
}

// handleProtectedResourceMetadata serves RFC 9728 discovery for one MCP
// endpoint, only for endpoints backed by an ACTIVE McpConnection.
func (s *Server) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	endpointUUID := mux.Vars(r)["endpointUuid"]
	conn, err := s.store.GetMcpConnectionByEndpoint(r.Context(), endpointUUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if conn.Status != model.ConnectionActive {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, protectedResourceMetadata{
		Resource:             s.cfg.AuthIssuerURL + "/mcp/" + endpointUUID,
		AuthorizationServers: []string{s.cfg.AuthIssuerURL},
	})
}
