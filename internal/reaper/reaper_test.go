// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package reaper

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyper-ai-inc/fleetd/internal/config"
	"github.com/hyper-ai-inc/fleetd/internal/model"
	"github.com/hyper-ai-inc/fleetd/internal/registry"
	"github.com/hyper-ai-inc/fleetd/internal/store"
)

type fakeSink struct {
	owner  string
	closed bool
}

func (f *fakeSink) Send(frame []byte) error { return nil }
func (f *fakeSink) OwnerUserID() string     { return f.owner }
func (f *fakeSink) Hostname() string        { return "desk-1" }
func (f *fakeSink) Close() error            { f.closed = true; return nil }

func TestHeartbeatReaperMarksStaleAgentsOfflineAndUnregisters(t *testing.T) {
	s := store.NewMemory()
	reg := registry.NewInMemory()
	cfg := config.Load()
	cfg.HeartbeatActive = 5 * time.Millisecond

	agent, _, err := s.FindOrCreateAgent(context.Background(), "cust-1", "machine-1", model.MachineFacts{Hostname: "desk-1"})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	if err := s.MarkOnline(context.Background(), agent.ID); err != nil {
		t.Fatalf("mark online: %v", err)
	}
	reg.Register(agent.ID, &fakeSink{owner: agent.OwnerUserID})

	// 3x interval plus slack so the agent is definitely stale by the
	// time the reaper's first tick fires.
	time.Sleep(4 * cfg.HeartbeatActive)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	go RunHeartbeatReaper(ctx, s, reg, cfg, zap.NewNop(), 10*time.Millisecond)
	<-ctx.Done()

	got, err := s.GetAgent(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.IsOnline {
		t.Fatal("expected stale agent to be marked offline")
	}
	if _, ok := reg.Lookup(agent.ID); ok {
		t.Fatal("expected stale agent to be unregistered")
	}
}

func TestTokenExpirerDeletesExpiredTokens(t *testing.T) {
	s := store.NewMemory()

	past := time.Now().Add(-time.Hour)
	if err := s.CreateOAuthClient(context.Background(), model.OAuthClient{ClientID: "client-1", TokenEndpointAuth: model.AuthNone}); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := s.CreateAccessToken(context.Background(), "", model.OAuthAccessToken{
		AccessTokenHash: "hash-1", ClientID: "client-1", UserID: "user-1",
		AccessExpiresAt: past,
	}); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	go RunTokenExpirer(ctx, s, zap.NewNop(), 5*time.Millisecond)
	<-ctx.Done()

	if _, err := s.GetAccessTokenByHash(context.Background(), "hash-1"); err == nil {
		t.Fatal("expected expired token to be deleted")
	}
}
