// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package oauthserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sessionCookieName = "fleetd_session"

// sessionClaims identifies the logged-in user between requests. fleetd
// has no dashboard (out of scope per spec.md §1), so /oauth/login is a
// dev-mode stand-in: it trusts whatever userId is posted to it and signs
// a short session cookie, exactly the way a real login would after
// verifying credentials.
type sessionClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

func (s *Server) signSession(userID string) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.AuthIssuerURL,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.AuthSigningSecret))
}

func (s *Server) parseSession(r *http.Request) (string, error) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", err
	}
	claims, err := s.parseHS256(c.Value, &sessionClaims{})
	if err != nil {
		return "", err
	}
	sc, ok := claims.(*sessionClaims)
	if !ok {
		return "", fmt.Errorf("oauthserver: unexpected session claim type")
	}
	return sc.UserID, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, userID string) error {
	tok, err := s.signSession(userID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    tok,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(24 * time.Hour),
	})
	return nil
}

// pendingAuthClaims carries one /oauth/authorize request's fully
// validated parameters across the redirect to the consent screen and
// back, per spec.md §9's "signed pending-auth-request JWT" design note:
// short-lived, HMAC-signed, and opaque to the client, so the authorize
// handler itself stays stateless.
type pendingAuthClaims struct {
	ClientID            string   `json:"client_id"`
	UserID              string   `json:"user_id"`
	RedirectURI         string   `json:"redirect_uri"`
	Scopes              []string `json:"scopes"`
	Resource            string   `json:"resource"`
	CodeChallenge       string   `json:"code_challenge"`
	CodeChallengeMethod string   `json:"code_challenge_method"`
	State               string   `json:"state"`
	jwt.RegisteredClaims
}

func (s *Server) signPendingAuth(c pendingAuthClaims) (string, error) {
	now := time.Now()
	c.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.cfg.AuthIssuerURL,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(s.cfg.AuthSigningSecret))
}

func (s *Server) parsePendingAuth(token string) (*pendingAuthClaims, error) {
	claims, err := s.parseHS256(token, &pendingAuthClaims{})
	if err != nil {
		return nil, err
	}
	pc, ok := claims.(*pendingAuthClaims)
	if !ok {
		return nil, fmt.Errorf("oauthserver: unexpected pending-auth claim type")
	}
	return pc, nil
}

// parseHS256 rejects anything but HMAC-signed tokens before handing the
// secret to the verifier, the same algorithm-substitution guard the
// pack's JWT helpers use.
func (s *Server) parseHS256(tokenString string, claims jwt.Claims) (jwt.Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("oauthserver: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.AuthSigningSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("oauthserver: invalid token")
	}
	return token.Claims, nil
}
