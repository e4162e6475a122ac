// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package oauthserver

import "net/http"

// oauthError is the standard RFC 6749 §5.2 error body used by /oauth/token
// and /oauth/register.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, oauthError{Error: code, ErrorDescription: description})
}

// writeProtectedResourceChallenge sends the 401 + WWW-Authenticate hint
// spec.md §4.6 requires on protected-resource failures, pointing clients
// at this endpoint's resource-metadata document.
func writeProtectedResourceChallenge(w http.ResponseWriter, issuer, endpointUUID string) {
	w.Header().Set("WWW-Authenticate",
		`Bearer resource_metadata="`+issuer+`/.well-known/oauth-protected-resource/`+endpointUUID+`"`)
	w.WriteHeader(http.StatusUnauthorized)
}
