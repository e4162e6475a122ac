// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package oauthserver

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/hyper-ai-inc/fleetd/internal/model"
	"github.com/hyper-ai-inc/fleetd/internal/store"
)

// handleAuthorize implements GET /oauth/authorize (spec.md §4.6): it
// validates every bound parameter up front, so by the time a consent
// screen is shown the only remaining decision is the user's yes/no.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	responseType := q.Get("response_type")
	challenge := q.Get("code_challenge")
	challengeMethod := q.Get("code_challenge_method")
	scopeParam := q.Get("scope")
	resource := q.Get("resource")
	state := q.Get("state")

	client, err := s.store.GetOAuthClient(r.Context(), clientID)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "unknown client_id")
		return
	}
	if !redirectURIRegistered(client, redirectURI) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri not registered for this client")
		return
	}
	if responseType != "code" {
		redirectError(w, r, redirectURI, state, "unsupported_response_type", "only response_type=code is supported")
		return
	}
	if client.IsPublic() && (challengeMethod != "S256" || challenge == "") {
		redirectError(w, r, redirectURI, state, "invalid_request", "PKCE with code_challenge_method=S256 is required for public clients")
		return
	}

	scopes, err := parseScopes(scopeParam)
	if err != nil {
		redirectError(w, r, redirectURI, state, "invalid_scope", err.Error())
		return
	}

	userID, err := s.parseSession(r)
	if err != nil {
		loginURL := "/oauth/login?continue=" + url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, loginURL, http.StatusFound)
		return
	}

	if _, err := s.resourceConnection(r, resource, userID); err != nil {
		redirectError(w, r, redirectURI, state, "invalid_target", "resource does not identify an active connection you own")
		return
	}

	pending := pendingAuthClaims{
		ClientID:            clientID,
		UserID:              userID,
		RedirectURI:         redirectURI,
		Scopes:              scopeStrings(scopes),
		Resource:            resource,
		CodeChallenge:       challenge,
		CodeChallengeMethod: challengeMethod,
		State:               state,
	}
	token, err := s.signPendingAuth(pending)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "could not prepare consent")
		return
	}
	renderConsent(w, client, scopes, resource, token)
}

// handleConsent implements POST /oauth/authorize/consent: the user's
// approve/deny decision on the pending request minted by handleAuthorize.
func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	pending, err := s.parsePendingAuth(r.PostForm.Get("token"))
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "consent token expired or invalid, restart authorization")
		return
	}

	if r.PostForm.Get("decision") != "approve" {
		redirectError(w, r, pending.RedirectURI, pending.State, "access_denied", "user denied the request")
		return
	}

	raw, codeHash := newOpaqueSecret()
	scopes := make([]model.Scope, 0, len(pending.Scopes))
	for _, sc := range pending.Scopes {
		scopes = append(scopes, model.Scope(sc))
	}
	code := model.OAuthAuthorizationCode{
		CodeHash:            codeHash,
		ClientID:            pending.ClientID,
		UserID:              pending.UserID,
		RedirectURI:         pending.RedirectURI,
		Scopes:              scopes,
		Resource:            pending.Resource,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		State:               pending.State,
		ExpiresAt:           timeNowPlus(s.cfg.AuthCodeTTL),
	}
	if err := s.store.CreateAuthorizationCode(r.Context(), code); err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "could not mint authorization code")
		return
	}

	dest, _ := url.Parse(pending.RedirectURI)
	qs := dest.Query()
	qs.Set("code", raw)
	if pending.State != "" {
		qs.Set("state", pending.State)
	}
	dest.RawQuery = qs.Encode()
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

// handleLogin is the dev-mode stand-in for fleetd's (out of scope)
// dashboard login: GET renders a one-field form, POST trusts the
// posted userId and signs a session cookie, then returns to "continue".
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		renderLogin(w, r.URL.Query().Get("continue"))
		return
	}

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	userID := strings.TrimSpace(r.PostForm.Get("user_id"))
	continueURL := r.PostForm.Get("continue")
	if userID == "" {
		renderLogin(w, continueURL)
		return
	}
	if err := s.setSessionCookie(w, userID); err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "could not establish session")
		return
	}
	if continueURL == "" {
		continueURL = "/"
	}
	http.Redirect(w, r, continueURL, http.StatusFound)
}

func redirectURIRegistered(c model.OAuthClient, redirectURI string) bool {
	for _, u := range c.RedirectURIs {
		if u == redirectURI {
			return true
		}
	}
	return false
}

func parseScopes(raw string) ([]model.Scope, error) {
	if raw == "" {
		return model.DefaultScopes, nil
	}
	var out []model.Scope
	for _, s := range strings.Fields(raw) {
		sc := model.Scope(s)
		if !model.AllScopes[sc] {
			return nil, fmt.Errorf("unknown scope %q", s)
		}
		out = append(out, sc)
	}
	return out, nil
}

func scopeStrings(scopes []model.Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

// resourceConnection resolves resource (the MCP endpoint URL) to the
// ACTIVE McpConnection it names, owned by userID.
func (s *Server) resourceConnection(r *http.Request, resource, userID string) (model.McpConnection, error) {
	idx := strings.LastIndex(resource, "/mcp/")
	if idx < 0 {
		return model.McpConnection{}, fmt.Errorf("resource is not an mcp endpoint URL")
	}
	endpointUUID := resource[idx+len("/mcp/"):]
	conn, err := s.store.GetMcpConnectionByEndpoint(r.Context(), endpointUUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.McpConnection{}, fmt.Errorf("no such connection")
		}
		return model.McpConnection{}, err
	}
	if conn.Status != model.ConnectionActive || conn.UserID != userID {
		return model.McpConnection{}, fmt.Errorf("connection not active or not owned by caller")
	}
	return conn, nil
}

// redirectError reports an OAuth error via redirect when redirectURI is
// known-good, falling back to a direct JSON error when it isn't (so we
// never redirect to an unvalidated URI).
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	dest, err := url.Parse(redirectURI)
	if err != nil || dest.Scheme == "" {
		writeOAuthError(w, http.StatusBadRequest, code, description)
		return
	}
	qs := dest.Query()
	qs.Set("error", code)
	qs.Set("error_description", description)
	if state != "" {
		qs.Set("state", state)
	}
	dest.RawQuery = qs.Encode()
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html><body>
<h1>{{.ClientName}} is requesting access</h1>
<p>Scopes: {{range .Scopes}}{{.}} {{end}}</p>
<p>Resource: {{.Resource}}</p>
<form method="post" action="/oauth/authorize/consent">
<input type="hidden" name="token" value="{{.Token}}">
<button type="submit" name="decision" value="approve">Approve</button>
<button type="submit" name="decision" value="deny">Deny</button>
</form>
</body></html>`))

func renderConsent(w http.ResponseWriter, client model.OAuthClient, scopes []model.Scope, resource, token string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = consentTemplate.Execute(w, struct {
		ClientName string
		Scopes     []model.Scope
		Resource   string
		Token      string
	}{client.ClientName, scopes, resource, token})
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html><body>
<h1>Sign in</h1>
<form method="post" action="/oauth/login">
<input type="hidden" name="continue" value="{{.Continue}}">
<input type="text" name="user_id" placeholder="user id">
<button type="submit">Continue</button>
</form>
</body></html>`))

func renderLogin(w http.ResponseWriter, continueURL string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginTemplate.Execute(w, struct{ Continue string }{continueURL})
}
