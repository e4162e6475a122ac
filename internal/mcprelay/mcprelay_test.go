// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package mcprelay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hyper-ai-inc/fleetd/internal/config"
	"github.com/hyper-ai-inc/fleetd/internal/model"
	"github.com/hyper-ai-inc/fleetd/internal/registry"
	"github.com/hyper-ai-inc/fleetd/internal/store"
	"github.com/hyper-ai-inc/fleetd/internal/wsagent"
)

// fakeAgentConn is a minimal wsagent.AgentConn stand-in so C7's dispatch
// logic can be exercised without a real WebSocket.
type fakeAgentConn struct {
	agentID  string
	owner    string
	hostname string
	tools    []model.Tool

	result  json.RawMessage
	agentErr *wsagent.FrameErrorBody
	sendErr error
	delay   time.Duration

	closed bool
}

func (f *fakeAgentConn) Send([]byte) error       { return nil }
func (f *fakeAgentConn) OwnerUserID() string     { return f.owner }
func (f *fakeAgentConn) Hostname() string        { return f.hostname }
func (f *fakeAgentConn) Close() error            { f.closed = true; return nil }
func (f *fakeAgentConn) AgentID() string         { return f.agentID }
func (f *fakeAgentConn) Tools() []model.Tool     { return f.tools }

func (f *fakeAgentConn) SendRequest(ctx context.Context, requestID, method string, params json.RawMessage) (json.RawMessage, *wsagent.FrameErrorBody, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if f.sendErr != nil {
		return nil, nil, f.sendErr
	}
	if f.agentErr != nil {
		return nil, f.agentErr, nil
	}
	return f.result, nil, nil
}

var _ wsagent.AgentConn = (*fakeAgentConn)(nil)

func testConfig() config.Config {
	return config.Config{
		AuthIssuerURL:  "https://fleet.example.com",
		CommandTimeout: 200 * time.Millisecond,
		SSEBufferEvents: 8,
	}
}

type testHarness struct {
	srv  *Server
	st   store.Store
	reg  registry.AgentRegistry
	conn model.McpConnection
}

// setup wires a Store + registry + Server plus one ACTIVE owner, agent,
// MCP connection, and bearer token scoped to that connection's endpoint.
func setup(t *testing.T) (*testHarness, string) {
	t.Helper()
	st := store.NewMemory()
	reg := registry.NewInMemory()
	cfg := testConfig()
	srv := NewServer(st, reg, cfg, zap.NewNop(), nil)

	ctx := context.Background()
	agent, _, err := st.FindOrCreateAgent(ctx, "owner-1", "machine-1", model.MachineFacts{Hostname: "desk-1"})
	if err != nil {
		t.Fatalf("FindOrCreateAgent: %v", err)
	}
	if err := st.AssignLicense(ctx, agent.ID, "lic-1"); err != nil {
		t.Fatalf("AssignLicense: %v", err)
	}
	if got, err := st.GetAgent(ctx, agent.ID); err != nil || got.State != model.AgentActive {
		t.Fatalf("expected AssignLicense to leave the agent ACTIVE, got %q err=%v", got.State, err)
	}

	conn := model.McpConnection{ID: "mcpconn-1", UserID: "owner-1", EndpointUUID: "endpoint-1", Name: "primary", Status: model.ConnectionActive}
	if err := st.CreateMcpConnection(ctx, conn); err != nil {
		t.Fatalf("CreateMcpConnection: %v", err)
	}

	rawToken := "test-access-token"
	tok := model.OAuthAccessToken{
		AccessTokenHash: hashToken(rawToken),
		Scopes:          []model.Scope{model.ScopeTools},
		Audience:        cfg.AuthIssuerURL + "/mcp/endpoint-1",
		ClientID:        "client-1",
		UserID:          "owner-1",
		ConnectionID:    conn.ID,
		AccessExpiresAt: time.Now().Add(time.Hour),
	}
	if err := st.CreateAccessToken(ctx, "", tok); err != nil {
		t.Fatalf("CreateAccessToken: %v", err)
	}

	h := &testHarness{srv: srv, st: st, reg: reg, conn: conn}
	return h, agent.ID
}

func (h *testHarness) router() *mux.Router {
	r := mux.NewRouter()
	h.srv.Routes(r)
	return r
}

func rpcRequest(t *testing.T, token, method string, params any) *http.Request {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = b
	}
	body, err := json.Marshal(jsonrpcRequest{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method, Params: raw})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/mcp/endpoint-1", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeRPC(t *testing.T, rr *httptest.ResponseRecorder) jsonrpcResponse {
	t.Helper()
	var resp jsonrpcResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v, body=%s", err, rr.Body.String())
	}
	return resp
}

func TestInitialize(t *testing.T) {
	h, _ := setup(t)
	req := rpcRequest(t, "test-access-token", "initialize", nil)
	rr := httptest.NewRecorder()
	h.router().ServeHTTP(rr, req)

	resp := decodeRPC(t, rr)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestUnauthorizedWithoutBearerToken(t *testing.T) {
	h, _ := setup(t)
	req := httptest.NewRequest(http.MethodPost, "/mcp/endpoint-1", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	h.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate challenge header")
	}
}

func TestToolsListNamespacesOnlyOnCollision(t *testing.T) {
	h, agentID := setup(t)
	fake := &fakeAgentConn{agentID: agentID, owner: "owner-1", hostname: "desk-1", tools: []model.Tool{
		{Name: "screenshot", Description: "take a screenshot"},
	}}
	h.reg.Register(agentID, fake)

	req := rpcRequest(t, "test-access-token", "tools/list", nil)
	rr := httptest.NewRecorder()
	h.router().ServeHTTP(rr, req)

	resp := decodeRPC(t, rr)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result is not an object: %#v", resp.Result)
	}
	tools, ok := result["tools"].([]any)
	if !ok || len(tools) != 1 {
		t.Fatalf("expected exactly one tool, got %#v", result["tools"])
	}
	entry := tools[0].(map[string]any)
	if entry["name"] != "screenshot" {
		t.Fatalf("expected unnamespaced tool name, got %v", entry["name"])
	}
}

func TestToolsListNamespacesWhenTwoAgentsShareAToolName(t *testing.T) {
	h, agentID := setup(t)
	ctx := context.Background()
	second, _, err := h.st.FindOrCreateAgent(ctx, "owner-1", "machine-2", model.MachineFacts{Hostname: "desk-2"})
	if err != nil {
		t.Fatalf("FindOrCreateAgent: %v", err)
	}
	if err := h.st.AssignLicense(ctx, second.ID, "lic-2"); err != nil {
		t.Fatalf("AssignLicense: %v", err)
	}
	if got, err := h.st.GetAgent(ctx, second.ID); err != nil || got.State != model.AgentActive {
		t.Fatalf("expected AssignLicense to leave the second agent ACTIVE, got %q err=%v", got.State, err)
	}

	h.reg.Register(agentID, &fakeAgentConn{agentID: agentID, owner: "owner-1", hostname: "desk-1", tools: []model.Tool{{Name: "screenshot"}}})
	h.reg.Register(second.ID, &fakeAgentConn{agentID: second.ID, owner: "owner-1", hostname: "desk-2", tools: []model.Tool{{Name: "screenshot"}}})

	req := rpcRequest(t, "test-access-token", "tools/list", nil)
	rr := httptest.NewRecorder()
	h.router().ServeHTTP(rr, req)

	resp := decodeRPC(t, rr)
	result := resp.Result.(map[string]any)
	tools := result["tools"].([]any)
	if len(tools) != 2 {
		t.Fatalf("expected 2 namespaced tools, got %d", len(tools))
	}
	for _, raw := range tools {
		name := raw.(map[string]any)["name"].(string)
		if name != "desk-1__screenshot" && name != "desk-2__screenshot" {
			t.Fatalf("expected namespaced tool name, got %q", name)
		}
	}
}

func TestToolsCallAgentOffline(t *testing.T) {
	h, agentID := setup(t)
	// Agent is ACTIVE in the store but never registered as a live sink.
	_ = agentID
	req := rpcRequest(t, "test-access-token", "tools/call", toolCallParams{Name: "screenshot"})
	rr := httptest.NewRecorder()
	h.router().ServeHTTP(rr, req)

	resp := decodeRPC(t, rr)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found (no online agent exports the tool), got %+v", resp.Error)
	}
}

func TestToolsCallAgentBusyMapsToDashError(t *testing.T) {
	h, agentID := setup(t)
	fake := &fakeAgentConn{agentID: agentID, owner: "owner-1", hostname: "desk-1",
		tools: []model.Tool{{Name: "ping"}}, sendErr: wsagent.ErrMailboxFull}
	h.reg.Register(agentID, fake)

	req := rpcRequest(t, "test-access-token", "tools/call", toolCallParams{Name: "ping"})
	rr := httptest.NewRecorder()
	h.router().ServeHTTP(rr, req)

	resp := decodeRPC(t, rr)
	if resp.Error == nil || resp.Error.Code != codeAgentBusy {
		t.Fatalf("expected agent_busy, got %+v", resp.Error)
	}
}

func TestToolsCallGatewayTimeout(t *testing.T) {
	h, agentID := setup(t)
	fake := &fakeAgentConn{agentID: agentID, owner: "owner-1", hostname: "desk-1",
		tools: []model.Tool{{Name: "ping"}}, delay: time.Second}
	h.reg.Register(agentID, fake)

	req := rpcRequest(t, "test-access-token", "tools/call", toolCallParams{Name: "ping"})
	rr := httptest.NewRecorder()
	h.router().ServeHTTP(rr, req)

	resp := decodeRPC(t, rr)
	if resp.Error == nil || resp.Error.Code != codeGatewayTimeout {
		t.Fatalf("expected gateway timeout, got %+v", resp.Error)
	}
}

func TestToolsCallScreenLockedBlocksGUITool(t *testing.T) {
	h, agentID := setup(t)
	ctx := context.Background()
	if err := h.st.RecordHeartbeat(ctx, agentID, true, ""); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	fake := &fakeAgentConn{agentID: agentID, owner: "owner-1", hostname: "desk-1", tools: []model.Tool{{Name: "screenshot"}}}
	h.reg.Register(agentID, fake)

	req := rpcRequest(t, "test-access-token", "tools/call", toolCallParams{Name: "screenshot"})
	rr := httptest.NewRecorder()
	h.router().ServeHTTP(rr, req)

	resp := decodeRPC(t, rr)
	if resp.Error == nil || resp.Error.Code != codeScreenLocked {
		t.Fatalf("expected screen_locked, got %+v", resp.Error)
	}
}

func TestToolsCallAgentNotActivated(t *testing.T) {
	h, agentID := setup(t)
	ctx := context.Background()
	if err := h.st.TransitionState(ctx, agentID, model.AgentActive, model.AgentBlocked); err != nil {
		t.Fatalf("TransitionState: %v", err)
	}
	fake := &fakeAgentConn{agentID: agentID, owner: "owner-1", hostname: "desk-1", tools: []model.Tool{{Name: "ping"}}}
	h.reg.Register(agentID, fake)

	req := rpcRequest(t, "test-access-token", "tools/call", toolCallParams{Name: "ping"})
	rr := httptest.NewRecorder()
	h.router().ServeHTTP(rr, req)

	resp := decodeRPC(t, rr)
	if resp.Error == nil || resp.Error.Code != codeAgentNotActivated {
		t.Fatalf("expected agent_not_activated, got %+v", resp.Error)
	}
}

func TestToolsCallSuccess(t *testing.T) {
	h, agentID := setup(t)
	fake := &fakeAgentConn{agentID: agentID, owner: "owner-1", hostname: "desk-1",
		tools: []model.Tool{{Name: "ping"}}, result: json.RawMessage(`{"ok":true}`)}
	h.reg.Register(agentID, fake)

	req := rpcRequest(t, "test-access-token", "tools/call", toolCallParams{Name: "ping"})
	rr := httptest.NewRecorder()
	h.router().ServeHTTP(rr, req)

	resp := decodeRPC(t, rr)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestResourcesAndPromptsListAreAlwaysEmpty(t *testing.T) {
	h, _ := setup(t)
	for _, method := range []string{"resources/list", "prompts/list"} {
		req := rpcRequest(t, "test-access-token", method, nil)
		rr := httptest.NewRecorder()
		h.router().ServeHTTP(rr, req)

		resp := decodeRPC(t, rr)
		if resp.Error != nil {
			t.Fatalf("%s: unexpected error: %+v", method, resp.Error)
		}
	}
}

func TestSSESessionReplayAndGapDetection(t *testing.T) {
	sess := newSSESession(3, time.Minute)
	sess.append([]byte("a"))
	sess.append([]byte("b"))
	third := sess.append([]byte("c"))
	fourth := sess.append([]byte("d")) // evicts "a" since capacity is 3

	events, ok := sess.replay(0)
	if !ok || len(events) != 3 {
		t.Fatalf("expected 3 retained events, got %d ok=%v", len(events), ok)
	}
	if events[0].ID != third.ID-1 {
		t.Fatalf("expected oldest retained id to be %d, got %d", third.ID-1, events[0].ID)
	}

	events, ok = sess.replay(fourth.ID)
	if !ok || len(events) != 0 {
		t.Fatalf("expected no events newer than the latest id, got %d ok=%v", len(events), ok)
	}

	// id 1 ("a") was evicted: a client resuming from it must see a reset.
	if _, ok := sess.replay(1); ok {
		t.Fatalf("expected gap detection to report ok=false for an evicted watermark")
	}
}

func TestSSEAssignsSessionIDOnFirstConnectAndEchoesOnResume(t *testing.T) {
	h, _ := setup(t)

	get := httptest.NewRequest(http.MethodGet, "/mcp/endpoint-1", nil)
	get.Header.Set("Authorization", "Bearer test-access-token")
	rr := httptest.NewRecorder()
	h.router().ServeHTTP(rr, get)

	sid := rr.Header().Get(sessionHeader)
	if sid == "" {
		t.Fatalf("expected an Mcp-Session-Id to be assigned")
	}

	get2 := httptest.NewRequest(http.MethodGet, "/mcp/endpoint-1", nil)
	get2.Header.Set("Authorization", "Bearer test-access-token")
	get2.Header.Set(sessionHeader, sid)
	rr2 := httptest.NewRecorder()
	h.router().ServeHTTP(rr2, get2)

	if got := rr2.Header().Get(sessionHeader); got != sid {
		t.Fatalf("expected resumed session id %q, got %q", sid, got)
	}
}

func TestAuthenticateRejectsWrongAudience(t *testing.T) {
	h, _ := setup(t)
	ctx := context.Background()
	wrongAud := model.OAuthAccessToken{
		AccessTokenHash: hashToken("wrong-audience-token"),
		Scopes:          []model.Scope{model.ScopeTools},
		Audience:        "https://fleet.example.com/mcp/some-other-endpoint",
		AccessExpiresAt: time.Now().Add(time.Hour),
	}
	if err := h.st.CreateAccessToken(ctx, "", wrongAud); err != nil {
		t.Fatalf("CreateAccessToken: %v", err)
	}

	req := rpcRequest(t, "wrong-audience-token", "initialize", nil)
	rr := httptest.NewRecorder()
	h.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong audience, got %d", rr.Code)
	}
}

func TestAuthenticateRejectsRevokedToken(t *testing.T) {
	h, _ := setup(t)
	ctx := context.Background()
	if err := h.st.RevokeToken(ctx, hashToken("test-access-token")); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}

	req := rpcRequest(t, "test-access-token", "initialize", nil)
	rr := httptest.NewRecorder()
	h.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked token, got %d", rr.Code)
	}
}
