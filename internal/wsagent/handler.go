// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package wsagent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hyper-ai-inc/fleetd/internal/audit"
	"github.com/hyper-ai-inc/fleetd/internal/config"
	"github.com/hyper-ai-inc/fleetd/internal/fingerprint"
	"github.com/hyper-ai-inc/fleetd/internal/metrics"
	"github.com/hyper-ai-inc/fleetd/internal/model"
	"github.com/hyper-ai-inc/fleetd/internal/power"
	"github.com/hyper-ai-inc/fleetd/internal/registry"
	"github.com/hyper-ai-inc/fleetd/internal/store"
)

// drainWait is how long graceful shutdown drains pending inbound
// responses before unregistering (spec.md §4.4).
const drainWait = time.Second

// Handler upgrades /ws connections and runs the REGISTER/heartbeat/
// request-response protocol described in spec.md §4.4, wiring together
// the Persistence Gateway (C1), Fingerprint & License Service (C2),
// Agent Registry (C3), and Power-State Engine (C5).
type Handler struct {
	store    store.Store
	registry registry.AgentRegistry
	power    *power.Engine
	cfg      config.Config
	logger   *zap.Logger
	auditor  *audit.Logger
	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler. CheckOrigin is permissive because
// agents are not browsers and carry no cookie-based session to protect.
func NewHandler(s store.Store, reg registry.AgentRegistry, eng *power.Engine, cfg config.Config, logger *zap.Logger, auditor *audit.Logger) *Handler {
	return &Handler{
		store:    s,
		registry: reg,
		power:    eng,
		cfg:      cfg,
		logger:   logger,
		auditor:  auditor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements the /ws endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.handle(r.Context(), conn, clientIP(r))
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// handle owns one connection end to end: register, then alternate
// between heartbeat/response frames until the socket closes.
func (h *Handler) handle(ctx context.Context, conn *websocket.Conn, ip string) {
	agent, tools, ok := h.handleRegister(ctx, conn, ip)
	if !ok {
		_ = conn.Close()
		return
	}

	c := newConnection(conn, h.logger, agent.ID, agent.OwnerUserID, agent.Facts.Hostname, tools)
	h.registry.Register(agent.ID, c)
	_ = h.store.MarkOnline(ctx, agent.ID)
	metrics.AgentsOnline.Inc()

	go c.writePump()
	h.readLoop(ctx, conn, c, agent.ID)

	h.registry.Unregister(agent.ID)
	metrics.AgentsOnline.Dec()
	time.AfterFunc(drainWait, func() { _ = c.Close() })
	_ = h.store.MarkOffline(context.Background(), agent.ID)
}

// handleRegister performs the REGISTER handshake (spec.md §4.2, §4.4).
// ok is false once the socket has already been failed and closed by the
// caller's responsibility boundary (this function only writes frames;
// the caller always does the final conn.Close()).
func (h *Handler) handleRegister(ctx context.Context, conn *websocket.Conn, ip string) (model.Agent, []model.Tool, bool) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return model.Agent{}, nil, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != frameRegister {
		h.closeWith(conn, CloseUnknownMessage, "", "unknown or malformed message")
		return model.Agent{}, nil, false
	}

	var reg registerFrame
	if err := json.Unmarshal(raw, &reg); err != nil || reg.CustomerID == "" || reg.MachineID == "" {
		h.failRegister(conn, "malformed register frame")
		return model.Agent{}, nil, false
	}

	facts := factsFromRegister(reg, ip)

	agent, created, err := h.store.FindOrCreateAgent(ctx, reg.CustomerID, reg.MachineID, facts)
	if err != nil {
		h.logger.Error("find or create agent failed", zap.Error(err))
		h.failRegister(conn, "registration failed")
		return model.Agent{}, nil, false
	}

	if reg.LicenseUUID != nil && *reg.LicenseUUID != "" {
		if holder, err := h.store.FindAgentByLicense(ctx, *reg.LicenseUUID); err == nil && holder.ID != agent.ID {
			_ = h.store.AppendFingerprintChange(ctx, model.FingerprintChange{
				ID: uuid.NewString(), AgentID: agent.ID,
				ChangeType: model.ChangeDuplicateDetected,
				Detail:     "license " + *reg.LicenseUUID + " already bound to agent " + holder.ID,
				CreatedAt:  time.Now(),
			})
			h.auditFingerprintChange(ctx, agent.ID, model.ChangeDuplicateDetected)
			h.closeWith(conn, CloseDuplicate, CodeDuplicate, "license already assigned to another machine")
			return model.Agent{}, nil, false
		}
	}

	if !created {
		agent = h.classifyDrift(ctx, agent, facts)
	}

	if agent.State == model.AgentBlocked || agent.State == model.AgentExpired {
		h.closeWith(conn, CloseLicenseInvalid, CodeLicenseInvalid, "license "+string(agent.State))
		return model.Agent{}, nil, false
	}

	interval := h.cfg.HeartbeatPassive
	if agent.PowerState != "" {
		interval = h.intervalFor(agent.PowerState)
	}

	resp := registeredFrame{
		Type:              frameRegistered,
		AgentID:           agent.ID,
		LicenseStatus:     licenseStatus(agent),
		LicenseUUID:       nullableString(agent.LicenseUUID),
		HeartbeatInterval: interval.Milliseconds(),
		ServerTime:        time.Now().UTC().Format(time.RFC3339),
	}
	if err := conn.WriteMessage(websocket.TextMessage, marshal(resp)); err != nil {
		return model.Agent{}, nil, false
	}
	return agent, toolsFromRegister(reg.Tools), true
}

func toolsFromRegister(descs []toolDescriptor) []model.Tool {
	tools := make([]model.Tool, 0, len(descs))
	for _, d := range descs {
		tools = append(tools, model.Tool{Name: d.Name, Description: d.Description, InputSchema: []byte(d.InputSchema)})
	}
	return tools
}

// classifyDrift implements C2's REGISTER-time comparison (spec.md §4.2).
func (h *Handler) classifyDrift(ctx context.Context, agent model.Agent, live model.MachineFacts) model.Agent {
	kind, changeType := fingerprint.Classify(agent.Facts, live)
	switch kind {
	case fingerprint.DriftMatch:
		// no-op; MarkOnline in handle touches lastSeenAt
	case fingerprint.DriftMinor:
		_ = h.store.AppendFingerprintChange(ctx, model.FingerprintChange{
			ID: uuid.NewString(), AgentID: agent.ID, ChangeType: changeType,
			Detail: "minor drift observed at register", CreatedAt: time.Now(),
		})
		h.auditFingerprintChange(ctx, agent.ID, changeType)
		fp := fingerprint.Compute(live, agent.LicenseUUID)
		_ = h.store.UpdateFingerprint(ctx, agent.ID, fp, live)
		agent.Facts = live
		agent.Fingerprint = fp
	case fingerprint.DriftMajor:
		_ = h.store.AppendFingerprintChange(ctx, model.FingerprintChange{
			ID: uuid.NewString(), AgentID: agent.ID, ChangeType: model.ChangeHardwareChange,
			Detail: "hardware change forced re-activation", CreatedAt: time.Now(),
		})
		h.auditFingerprintChange(ctx, agent.ID, model.ChangeHardwareChange)
		if err := h.store.TransitionState(ctx, agent.ID, agent.State, model.AgentPending); err == nil {
			agent.State = model.AgentPending
			h.auditLicenseTransition(ctx, agent.ID, model.AgentPending)
		}
		fp := fingerprint.Compute(live, "")
		_ = h.store.UpdateFingerprint(ctx, agent.ID, fp, live)
		agent.Facts = live
		agent.Fingerprint = fp
		agent.LicenseUUID = ""
	}
	return agent
}

func (h *Handler) failRegister(conn *websocket.Conn, msg string) {
	h.closeWith(conn, CloseInvalidRegister, CodeInvalidRegistration, msg)
}

// auditFingerprintChange and auditLicenseTransition feed C8's bounded
// audit channel alongside the durable FingerprintChange row already
// written above: the row is the record of truth, this is the
// structured-log side of spec.md §4.8, and both are security-classified
// so neither is ever silently dropped under backpressure. auditor is
// nil in tests that construct a Handler directly without one.
func (h *Handler) auditFingerprintChange(ctx context.Context, agentID string, changeType model.FingerprintChangeType) {
	if h.auditor == nil {
		return
	}
	h.auditor.Record(ctx, audit.Record{
		Kind:   audit.KindFingerprintChange,
		Fields: []zap.Field{zap.String("agentId", agentID), zap.String("changeType", string(changeType))},
	})
}

func (h *Handler) auditLicenseTransition(ctx context.Context, agentID string, to model.AgentState) {
	if h.auditor == nil {
		return
	}
	h.auditor.Record(ctx, audit.Record{
		Kind:   audit.KindLicenseTransition,
		Fields: []zap.Field{zap.String("agentId", agentID), zap.String("to", string(to))},
	})
}

// closeWith sends an optional error frame followed by a close control
// frame carrying one of the app-level codes in §4.4's failure taxonomy.
func (h *Handler) closeWith(conn *websocket.Conn, appCloseCode int, errCode, msg string) {
	if errCode != "" {
		_ = conn.WriteMessage(websocket.TextMessage, marshal(errorFrame{Type: frameError, Code: errCode, Message: msg}))
	}
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(appCloseCode, msg), deadline)
}

// readLoop handles heartbeat and response frames until the socket
// closes, per spec.md §4.4.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, c *Connection, agentID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(CloseUnknownMessage, "malformed frame"), time.Now().Add(writeWait))
			return
		}

		switch env.Type {
		case frameHeartbeat:
			if !h.handleHeartbeat(ctx, conn, agentID, raw) {
				return
			}
		case frameResponse:
			var resp responseFrame
			if err := json.Unmarshal(raw, &resp); err == nil {
				c.deliverResponse(resp)
			}
		default:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(CloseUnknownMessage, "unknown message type"), time.Now().Add(writeWait))
			return
		}
	}
}

func (h *Handler) handleHeartbeat(ctx context.Context, conn *websocket.Conn, agentID string, raw []byte) bool {
	var hb heartbeatFrame
	if err := json.Unmarshal(raw, &hb); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseUnknownMessage, "malformed heartbeat"), time.Now().Add(writeWait))
		return false
	}

	currentTask := ""
	if hb.Status.CurrentTask != nil {
		currentTask = *hb.Status.CurrentTask
	}

	// Fetch LastSeenAt before RecordHeartbeat overwrites it, so IdleFor
	// reflects the gap since the prior heartbeat rather than always ~0.
	prev, err := h.store.GetAgent(ctx, agentID)
	if err != nil {
		return false
	}
	now := time.Now()
	idleFor := now.Sub(prev.LastSeenAt)

	if err := h.store.RecordHeartbeat(ctx, agentID, hb.Status.ScreenLocked, currentTask); err != nil {
		h.logger.Warn("record heartbeat failed", zap.String("agentId", agentID), zap.Error(err))
	}

	agent, err := h.store.GetAgent(ctx, agentID)
	if err != nil {
		return false
	}
	if agent.State == model.AgentBlocked || agent.State == model.AgentExpired {
		_ = conn.WriteMessage(websocket.TextMessage, marshal(errorFrame{Type: frameError, Code: CodeLicenseInvalid, Message: "license " + string(agent.State)}))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseLicenseInvalid, "license invalid"), time.Now().Add(writeWait))
		return false
	}

	decision, err := h.power.Evaluate(ctx, power.Input{
		Agent:           agent,
		CommandInLast5m: agent.PendingCommands > 0,
		IdleFor:         idleFor,
		Now:             now,
	})
	if err != nil {
		h.logger.Warn("power evaluate failed", zap.String("agentId", agentID), zap.Error(err))
		decision = power.Decision{Interval: h.cfg.HeartbeatPassive, TargetState: model.PowerPassive}
	}

	ack := heartbeatAckFrame{
		Type:              frameHeartbeatAck,
		LicenseStatus:     licenseStatus(agent),
		TargetState:       string(decision.TargetState),
		HeartbeatInterval: decision.Interval.Milliseconds(),
		PendingCommands:   agent.PendingCommands > 0,
	}
	if decision.WakeAt != nil {
		s := decision.WakeAt.UTC().Format(time.RFC3339)
		ack.WakeAt = &s
	}
	if err := conn.WriteMessage(websocket.TextMessage, marshal(ack)); err != nil {
		return false
	}
	return true
}

func (h *Handler) intervalFor(state model.PowerState) time.Duration {
	switch state {
	case model.PowerActive:
		return h.cfg.HeartbeatActive
	case model.PowerSleep:
		return h.cfg.HeartbeatSleep
	default:
		return h.cfg.HeartbeatPassive
	}
}

func licenseStatus(agent model.Agent) string {
	switch agent.State {
	case model.AgentActive:
		return "active"
	case model.AgentBlocked:
		return "blocked"
	case model.AgentExpired:
		return "expired"
	default:
		return "pending"
	}
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// factsFromRegister maps the wire machineInfo object to model.MachineFacts.
// osInstallationId is part of C2's fingerprint hash tuple but is not a
// field of the wire REGISTER payload (spec.md §6.1); it is left empty
// here rather than guessed from another field, so it contributes a
// constant (not a fabricated) term to every Compute call.
func factsFromRegister(reg registerFrame, ip string) model.MachineFacts {
	info := reg.MachineInfo
	return model.MachineFacts{
		Hostname:        info.Hostname,
		OSType:          model.OSType(info.OSType),
		OSVersion:       info.OSVersion,
		Arch:            info.Arch,
		CPUModel:        info.CPUModel,
		CPUID:           info.CPUID,
		DiskSerial:      info.DiskSerial,
		MotherboardUUID: info.MotherboardUUID,
		MACAddress:      info.MACAddress,
		TotalRAMMB:      info.TotalRAMMB,
		LocalUsername:   info.LocalUsername,
		LocalIPAddress:  info.LocalIPAddress,
		IPAddress:       ip,
	}
}

// ReaperCutoff returns the lastSeenAt cutoff past which an online agent
// is considered stale (3x its configured active interval, spec.md §4.4).
func ReaperCutoff(cfg config.Config, now time.Time) time.Time {
	return now.Add(-3 * cfg.HeartbeatActive)
}

// ReapStaleAgents marks every online-but-stale agent offline and drops
// it from the registry. Intended to run on a periodic background task
// (spec.md §5).
func ReapStaleAgents(ctx context.Context, s store.Store, reg registry.AgentRegistry, cfg config.Config, logger *zap.Logger, now time.Time) (int, error) {
	stale, err := s.ListStaleOnlineAgents(ctx, ReaperCutoff(cfg, now))
	if err != nil {
		return 0, err
	}
	for _, a := range stale {
		reg.Unregister(a.ID)
		if err := s.MarkOffline(ctx, a.ID); err != nil {
			logger.Warn("mark offline failed during reap", zap.String("agentId", a.ID), zap.Error(err))
			continue
		}
	}
	return len(stale), nil
}
