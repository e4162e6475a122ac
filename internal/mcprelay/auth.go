// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package mcprelay

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hyper-ai-inc/fleetd/internal/model"
	"github.com/hyper-ai-inc/fleetd/internal/store"
)

var errUnauthorized = errors.New("mcprelay: missing, invalid, expired, or wrong-audience token")

// hashToken mirrors oauthserver's hashToken (sha256, base64url): both
// packages hash a bearer secret down to its lookup key rather than a
// salted KDF, since the comparison needs to be a deterministic DB
// index hit, not a per-attempt bcrypt compare. Kept as its own four
// lines here rather than promoted to a shared package, since C6 and C7
// otherwise share no code and a shared micro-package would only add an
// import for one function.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// authenticate validates the Authorization header against spec.md §8's
// token invariant: not revoked, not expired, and audience exactly
// matching this endpoint's canonical URL.
func (s *Server) authenticate(r *http.Request, endpointUUID string) (model.OAuthAccessToken, error) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return model.OAuthAccessToken{}, errUnauthorized
	}
	raw := strings.TrimPrefix(h, prefix)
	tok, err := s.store.GetAccessTokenByHash(r.Context(), hashToken(raw))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.OAuthAccessToken{}, errUnauthorized
		}
		return model.OAuthAccessToken{}, err
	}
	if tok.RevokedAt != nil {
		return model.OAuthAccessToken{}, errUnauthorized
	}
	if !tok.AccessExpiresAt.After(time.Now()) {
		return model.OAuthAccessToken{}, errUnauthorized
	}
	if tok.Audience != s.cfg.AuthIssuerURL+"/mcp/"+endpointUUID {
		return model.OAuthAccessToken{}, errUnauthorized
	}
	return tok, nil
}

// writeProtectedResourceChallenge sends the 401 + WWW-Authenticate hint
// spec.md §4.6/§4.7 require on protected-resource failures.
func writeProtectedResourceChallenge(w http.ResponseWriter, issuer, endpointUUID string) {
	w.Header().Set("WWW-Authenticate",
		`Bearer resource_metadata="`+issuer+`/.well-known/oauth-protected-resource/`+endpointUUID+`"`)
	w.WriteHeader(http.StatusUnauthorized)
}
