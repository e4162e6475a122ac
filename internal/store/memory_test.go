// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyper-ai-inc/fleetd/internal/model"
)

func TestFindOrCreateAgentIsIdempotent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	facts := model.MachineFacts{Hostname: "h1", OSType: model.OSLinux}

	a1, created1, err := s.FindOrCreateAgent(ctx, "cust-1", "mach-1", facts)
	if err != nil || !created1 {
		t.Fatalf("expected first call to create, got created=%v err=%v", created1, err)
	}

	a2, created2, err := s.FindOrCreateAgent(ctx, "cust-1", "mach-1", facts)
	if err != nil || created2 {
		t.Fatalf("expected second call to find existing, got created=%v err=%v", created2, err)
	}
	if a1.ID != a2.ID {
		t.Fatalf("expected same agent id, got %s vs %s", a1.ID, a2.ID)
	}
}

func TestTransitionStateRejectsStaleFrom(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	a, _, _ := s.FindOrCreateAgent(ctx, "cust-1", "mach-1", model.MachineFacts{})

	if err := s.TransitionState(ctx, a.ID, model.AgentActive, model.AgentBlocked); err == nil {
		t.Fatal("expected stale-state error transitioning from the wrong from-state")
	} else {
		var stale *StaleStateError
		if !errors.As(err, &stale) {
			t.Fatalf("expected *StaleStateError, got %T: %v", err, err)
		}
		if stale.Expected != model.AgentActive || stale.Actual != model.AgentPending {
			t.Fatalf("unexpected stale state error: %+v", stale)
		}
	}

	if err := s.TransitionState(ctx, a.ID, model.AgentPending, model.AgentBlocked); err != nil {
		t.Fatalf("expected correct from-state to succeed, got %v", err)
	}
}

func TestAssignLicenseRejectsDuplicateLicense(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	a1, _, _ := s.FindOrCreateAgent(ctx, "cust-1", "mach-1", model.MachineFacts{})
	a2, _, _ := s.FindOrCreateAgent(ctx, "cust-1", "mach-2", model.MachineFacts{})

	if err := s.AssignLicense(ctx, a1.ID, "lic-1"); err != nil {
		t.Fatalf("expected first assignment to succeed, got %v", err)
	}
	err := s.AssignLicense(ctx, a2.ID, "lic-1")
	var dup *DuplicateLicenseError
	if !errors.As(err, &dup) {
		t.Fatalf("expected *DuplicateLicenseError, got %T: %v", err, err)
	}
}

func TestConsumeAuthorizationCodeSingleUse(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	code := model.OAuthAuthorizationCode{
		CodeHash:  "hash-1",
		ClientID:  "client-1",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	if err := s.CreateAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("create authorization code: %v", err)
	}

	if _, err := s.ConsumeAuthorizationCode(ctx, "hash-1"); err != nil {
		t.Fatalf("expected first consume to succeed, got %v", err)
	}

	if _, err := s.ConsumeAuthorizationCode(ctx, "hash-1"); !errors.Is(err, ErrCodeAlreadyUsed) {
		t.Fatalf("expected ErrCodeAlreadyUsed on replay, got %v", err)
	}
}

func TestRevokeTokensIssuedByCodeDefendsReplay(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	tok := model.OAuthAccessToken{
		AccessTokenHash:  "access-1",
		RefreshTokenHash: "refresh-1",
		AccessExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := s.CreateAccessToken(ctx, "code-hash-1", tok); err != nil {
		t.Fatalf("create access token: %v", err)
	}

	if err := s.RevokeTokensIssuedByCode(ctx, "code-hash-1"); err != nil {
		t.Fatalf("revoke tokens issued by code: %v", err)
	}

	got, err := s.GetAccessTokenByHash(ctx, "access-1")
	if err != nil {
		t.Fatalf("get access token: %v", err)
	}
	if got.RevokedAt == nil {
		t.Fatal("expected token minted by the replayed code to be revoked")
	}
}

func TestRotateRefreshTokenIsAtomicAndRejectsRevoked(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	first := model.OAuthAccessToken{
		AccessTokenHash:  "access-1",
		RefreshTokenHash: "refresh-1",
		AccessExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := s.CreateAccessToken(ctx, "", first); err != nil {
		t.Fatalf("create access token: %v", err)
	}

	second := model.OAuthAccessToken{
		AccessTokenHash:  "access-2",
		RefreshTokenHash: "refresh-2",
		AccessExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := s.RotateRefreshToken(ctx, "refresh-1", second); err != nil {
		t.Fatalf("rotate refresh token: %v", err)
	}

	if _, err := s.GetAccessTokenByRefreshHash(ctx, "refresh-1"); err == nil {
		t.Fatal("expected the old refresh token to no longer resolve")
	}
	if _, err := s.RotateRefreshToken(ctx, "refresh-1", second); err == nil {
		t.Fatal("expected reusing the rotated-away refresh token to fail")
	}

	got, err := s.GetAccessTokenByRefreshHash(ctx, "refresh-2")
	if err != nil || got.AccessTokenHash != "access-2" {
		t.Fatalf("expected the new pair to be resolvable, got %+v err=%v", got, err)
	}
}

func TestRevokeTokenIsIdempotent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	tok := model.OAuthAccessToken{AccessTokenHash: "access-1", AccessExpiresAt: time.Now().Add(time.Hour)}
	_ = s.CreateAccessToken(ctx, "", tok)

	if err := s.RevokeToken(ctx, "access-1"); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := s.RevokeToken(ctx, "access-1"); err != nil {
		t.Fatalf("second revoke should be a no-op, got %v", err)
	}
	if err := s.RevokeToken(ctx, "never-issued"); err != nil {
		t.Fatalf("revoking an unknown token should be a no-op, got %v", err)
	}
}

func TestIncrementPendingCommandsFloorsAtZero(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	a, _, _ := s.FindOrCreateAgent(ctx, "cust-1", "mach-1", model.MachineFacts{})

	_ = s.IncrementPendingCommands(ctx, a.ID, -5)
	got, _ := s.GetAgent(ctx, a.ID)
	if got.PendingCommands != 0 {
		t.Fatalf("expected pending commands to floor at 0, got %d", got.PendingCommands)
	}
}

func TestAppendFingerprintChangeFlagsDuplicate(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	a, _, _ := s.FindOrCreateAgent(ctx, "cust-1", "mach-1", model.MachineFacts{})

	if err := s.AppendFingerprintChange(ctx, model.FingerprintChange{
		AgentID:    a.ID,
		ChangeType: model.ChangeDuplicateDetected,
	}); err != nil {
		t.Fatalf("append fingerprint change: %v", err)
	}

	got, _ := s.GetAgent(ctx, a.ID)
	if !got.IsDuplicate {
		t.Fatal("expected a duplicate_detected change to flag the agent")
	}
}
