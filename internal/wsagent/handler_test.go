// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package wsagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hyper-ai-inc/fleetd/internal/config"
	"github.com/hyper-ai-inc/fleetd/internal/power"
	"github.com/hyper-ai-inc/fleetd/internal/registry"
	"github.com/hyper-ai-inc/fleetd/internal/store"
)

func setupTestServer(t *testing.T) (*httptest.Server, store.Store, registry.AgentRegistry, func()) {
	t.Helper()
	s := store.NewMemory()
	reg := registry.NewInMemory()
	cfg := config.Load()
	eng := power.New(s, cfg)
	h := NewHandler(s, reg, eng, cfg, zap.NewNop(), nil)

	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	server := httptest.NewServer(mux)
	return server, s, reg, server.Close
}

func wsDial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func sendRegister(t *testing.T, conn *websocket.Conn, customerID, machineID string) registeredFrame {
	t.Helper()
	frame := registerFrame{
		Type:       frameRegister,
		CustomerID: customerID,
		MachineID:  machineID,
		MachineInfo: machineInfo{
			Hostname: "box-" + machineID,
			OSType:   "Linux",
			CPUID:    "cpu-" + machineID,
		},
	}
	if err := conn.WriteMessage(websocket.TextMessage, marshal(frame)); err != nil {
		t.Fatalf("write register: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read registered: %v", err)
	}
	var resp registeredFrame
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal registered: %v", err)
	}
	return resp
}

func TestRegisterSucceedsForNewAgent(t *testing.T) {
	server, s, reg, cleanup := setupTestServer(t)
	defer cleanup()

	conn := wsDial(t, server)
	defer conn.Close()

	resp := sendRegister(t, conn, "cust-1", "mach-1")
	if resp.Type != frameRegistered {
		t.Fatalf("expected registered frame, got %q", resp.Type)
	}
	if resp.AgentID == "" {
		t.Fatal("expected a non-empty agentId")
	}
	if resp.LicenseStatus != "pending" {
		t.Fatalf("expected a freshly-created agent to be pending, got %q", resp.LicenseStatus)
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := reg.Lookup(resp.AgentID); !ok {
		t.Fatal("expected agent to be registered in C3 after a successful handshake")
	}

	agent, err := s.GetAgent(context.Background(), resp.AgentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if !agent.IsOnline {
		t.Fatal("expected agent to be marked online")
	}
}

func TestRegisterRejectsMalformedFrame(t *testing.T) {
	server, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	conn := wsDial(t, server)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"register"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected an error frame before close, got error: %v", err)
	}
	var errFrame errorFrame
	if err := json.Unmarshal(raw, &errFrame); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}
	if errFrame.Code != CodeInvalidRegistration {
		t.Fatalf("expected code %q, got %q", CodeInvalidRegistration, errFrame.Code)
	}

	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the server to close the connection after the error frame")
	}
	if ce, ok := err.(*websocket.CloseError); ok && ce.Code != CloseInvalidRegister {
		t.Fatalf("expected close code %d, got %d", CloseInvalidRegister, ce.Code)
	}
}

func TestRegisterRejectsUnknownFirstMessage(t *testing.T) {
	server, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	conn := wsDial(t, server)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected connection close when the first frame isn't register")
	}
}

func TestHeartbeatReturnsAck(t *testing.T) {
	server, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	conn := wsDial(t, server)
	defer conn.Close()
	sendRegister(t, conn, "cust-2", "mach-2")

	hb := heartbeatFrame{Type: frameHeartbeat, Status: agentStatus{Ready: true}}
	if err := conn.WriteMessage(websocket.TextMessage, marshal(hb)); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var ack heartbeatAckFrame
	if err := json.Unmarshal(raw, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Type != frameHeartbeatAck {
		t.Fatalf("expected heartbeat_ack, got %q", ack.Type)
	}
	if ack.HeartbeatInterval <= 0 {
		t.Fatal("expected a positive heartbeat interval")
	}
}

func TestRegisterIsIdempotentForSameMachine(t *testing.T) {
	server, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	conn1 := wsDial(t, server)
	first := sendRegister(t, conn1, "cust-3", "mach-3")
	conn1.Close()

	conn2 := wsDial(t, server)
	defer conn2.Close()
	second := sendRegister(t, conn2, "cust-3", "mach-3")

	if first.AgentID != second.AgentID {
		t.Fatalf("expected the same agentId across reconnects, got %q then %q", first.AgentID, second.AgentID)
	}
}
