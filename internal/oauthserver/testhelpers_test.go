// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package oauthserver

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"testing"
)

func cookiejarNew() (*cookiejar.Jar, error) {
	return cookiejar.New(nil)
}

func reqCtx() context.Context {
	return context.Background()
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return b
}
