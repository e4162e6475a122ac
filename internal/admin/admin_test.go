// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hyper-ai-inc/fleetd/internal/auth"
	"github.com/hyper-ai-inc/fleetd/internal/model"
	"github.com/hyper-ai-inc/fleetd/internal/registry"
	"github.com/hyper-ai-inc/fleetd/internal/store"
)

const testAdminToken = "test-admin-token"

func setup(t *testing.T) (*httptest.Server, store.Store, registry.AgentRegistry) {
	t.Helper()
	s := store.NewMemory()
	reg := registry.NewInMemory()
	mw := auth.NewMiddleware(testAdminToken, zap.NewNop())
	srv := NewServer(s, reg, mw, zap.NewNop(), nil)

	r := mux.NewRouter()
	srv.Routes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, s, reg
}

func authedRequest(t *testing.T, method, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	return req
}

func TestAdminEndpointsRejectMissingToken(t *testing.T) {
	ts, _, _ := setup(t)
	resp, err := http.Get(ts.URL + "/admin/agents?ownerUserId=owner-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAdminEndpointsRejectWrongToken(t *testing.T) {
	ts, _, _ := setup(t)
	req := authedRequest(t, http.MethodGet, ts.URL+"/admin/agents?ownerUserId=owner-1")
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestActivatePendingAgentAssignsLicenseAndTransitions(t *testing.T) {
	ts, s, _ := setup(t)
	agent, _, err := s.FindOrCreateAgent(context.Background(), "cust-1", "machine-1", model.MachineFacts{Hostname: "desk-1"})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodPost, ts.URL+"/admin/agents/"+agent.ID+"/activate"))
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate status = %d", resp.StatusCode)
	}
	var out activateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.LicenseUUID == "" {
		t.Fatal("expected a minted licenseUuid")
	}
	if out.State != string(model.AgentActive) {
		t.Fatalf("state = %q, want ACTIVE", out.State)
	}

	got, err := s.GetAgent(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.State != model.AgentActive || got.LicenseUUID != out.LicenseUUID {
		t.Fatalf("agent not persisted as activated: %+v", got)
	}
}

func TestActivateIsIdempotentForAlreadyActiveAgent(t *testing.T) {
	ts, s, _ := setup(t)
	agent, _, _ := s.FindOrCreateAgent(context.Background(), "cust-1", "machine-1", model.MachineFacts{Hostname: "desk-1"})
	if err := s.AssignLicense(context.Background(), agent.ID, "license-1"); err != nil {
		t.Fatalf("assign license: %v", err)
	}

	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodPost, ts.URL+"/admin/agents/"+agent.ID+"/activate"))
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("idempotent activate status = %d, want 200", resp.StatusCode)
	}
	var out activateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.LicenseUUID != "license-1" {
		t.Fatalf("idempotent activate must not reissue a license, got %q", out.LicenseUUID)
	}
}

func TestActivateUnknownAgentReturns404(t *testing.T) {
	ts, _, _ := setup(t)
	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodPost, ts.URL+"/admin/agents/does-not-exist/activate"))
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBlockClosesLiveConnectionAndUnregistersFromRegistry(t *testing.T) {
	ts, s, reg := setup(t)
	agent, _, _ := s.FindOrCreateAgent(context.Background(), "cust-1", "machine-1", model.MachineFacts{Hostname: "desk-1"})
	if err := s.AssignLicense(context.Background(), agent.ID, "license-1"); err != nil {
		t.Fatalf("assign license: %v", err)
	}
	sink := &fakeSink{owner: "owner-1"}
	reg.Register(agent.ID, sink)

	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodPost, ts.URL+"/admin/agents/"+agent.ID+"/block"))
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("block status = %d", resp.StatusCode)
	}

	got, err := s.GetAgent(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.State != model.AgentBlocked {
		t.Fatalf("state = %q, want BLOCKED", got.State)
	}
	if !sink.closed {
		t.Fatal("expected the live sink to be closed on block")
	}
	if _, ok := reg.Lookup(agent.ID); ok {
		t.Fatal("expected the agent to be unregistered on block")
	}
}

func TestListAgentsRequiresOwnerUserID(t *testing.T) {
	ts, _, _ := setup(t)
	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodGet, ts.URL+"/admin/agents"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListAgentsReturnsOwnerRows(t *testing.T) {
	ts, s, _ := setup(t)
	a1, _, _ := s.FindOrCreateAgent(context.Background(), "cust-1", "machine-1", model.MachineFacts{Hostname: "desk-1"})
	_ = a1

	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodGet, ts.URL+"/admin/agents?ownerUserId="+a1.OwnerUserID))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Agents []agentView `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Agents) != 1 || out.Agents[0].AgentID != a1.ID {
		t.Fatalf("unexpected agent list: %+v", out.Agents)
	}
}

type fakeSink struct {
	owner  string
	closed bool
}

func (f *fakeSink) Send(frame []byte) error { return nil }
func (f *fakeSink) OwnerUserID() string     { return f.owner }
func (f *fakeSink) Hostname() string        { return "desk-1" }
func (f *fakeSink) Close() error            { f.closed = true; return nil }
