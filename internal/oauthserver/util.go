// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package oauthserver

import (
	"time"

	"github.com/google/uuid"
)

// newOpaqueSecret mints a random opaque value (authorization code,
// access token, or refresh token) and its lookup hash. Only the hash is
// ever persisted; the raw value is returned to the caller once.
func newOpaqueSecret() (raw, hash string) {
	raw = uuid.NewString() + uuid.NewString()
	return raw, hashToken(raw)
}

func timeNowPlus(d time.Duration) time.Time {
	return time.Now().Add(d)
}
