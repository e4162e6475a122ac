// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package model

import "time"

// TokenEndpointAuth enumerates the client authentication methods DCR may
// assign (spec.md §4.6).
type TokenEndpointAuth string

const (
	AuthNone             TokenEndpointAuth = "none"
	AuthClientSecretPost TokenEndpointAuth = "client_secret_post"
)

// Scope is one of the closed set of scopes the authorization server will
// issue.
type Scope string

const (
	ScopeTools        Scope = "mcp:tools"
	ScopeResources     Scope = "mcp:resources"
	ScopePrompts       Scope = "mcp:prompts"
	ScopeAgentsRead    Scope = "mcp:agents:read"
	ScopeAgentsWrite   Scope = "mcp:agents:write"
)

// DefaultScopes is what §4.6 says to assign when a request omits scope.
var DefaultScopes = []Scope{ScopeTools, ScopeResources, ScopeAgentsRead}

// AllScopes is the closed set of scopes the server recognizes.
var AllScopes = map[Scope]bool{
	ScopeTools: true, ScopeResources: true, ScopePrompts: true,
	ScopeAgentsRead: true, ScopeAgentsWrite: true,
}

// OAuthClient is a Dynamic Client Registration record.
type OAuthClient struct {
	ClientID          string
	ClientSecretHash  string // empty for public clients
	ClientName        string
	RedirectURIs      []string
	TokenEndpointAuth TokenEndpointAuth
	GrantTypes        []string
	ResponseTypes     []string
	CreatedAt         time.Time
}

// IsPublic reports whether this client must use PKCE and has no secret.
func (c OAuthClient) IsPublic() bool {
	return c.TokenEndpointAuth == AuthNone
}

// OAuthAuthorizationCode is a one-time, short-TTL artefact binding a
// pending authorization to a user/client/redirect/scope/resource.
type OAuthAuthorizationCode struct {
	CodeHash            string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []Scope
	Resource            string
	CodeChallenge       string // empty for confidential-client flow
	CodeChallengeMethod string
	State               string
	ExpiresAt           time.Time
	UsedAt              *time.Time
}

// OAuthAccessToken is an issued access/refresh token pair.
type OAuthAccessToken struct {
	AccessTokenHash  string
	RefreshTokenHash string // empty if this token cannot be refreshed
	Scopes           []Scope
	Audience         string
	ClientID         string
	UserID           string
	ConnectionID     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt *time.Time
	RevokedAt        *time.Time
}

// HasScope reports whether scope s is present on the token.
func (t OAuthAccessToken) HasScope(s Scope) bool {
	for _, have := range t.Scopes {
		if have == s {
			return true
		}
	}
	return false
}
