// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package auth guards the internal admin surface (spec.md §S1) with a
// single shared bearer token, generalized from the teacher's
// X-Internal-Token middleware to a standard Authorization: Bearer check.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Middleware requires every request to present the configured admin
// token as a bearer credential.
type Middleware struct {
	token  string
	logger *zap.Logger
}

// NewMiddleware builds a Middleware from the configured admin token. An
// empty token fails closed: every request is rejected rather than
// treated as unauthenticated-but-allowed.
func NewMiddleware(token string, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{token: token, logger: logger}
}

// RequireAuth wraps an http.Handler, rejecting requests that don't carry
// the admin bearer token.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.isAuthenticated(r) {
			m.logger.Warn("admin request rejected", zap.String("method", r.Method), zap.String("path", r.URL.Path))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuthFunc is RequireAuth for an http.HandlerFunc.
func (m *Middleware) RequireAuthFunc(next http.HandlerFunc) http.HandlerFunc {
	return m.RequireAuth(next).ServeHTTP
}

func (m *Middleware) isAuthenticated(r *http.Request) bool {
	if m.token == "" {
		return false
	}
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(parts[1]), []byte(m.token)) == 1
}

// IsEnabled reports whether an admin token is configured at all.
func (m *Middleware) IsEnabled() bool {
	return m.token != ""
}
