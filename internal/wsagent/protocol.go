// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package wsagent is the Agent WebSocket Handler (spec.md §4.4, C4):
// framing, registration, heartbeat, command dispatch, and graceful
// teardown for one agent connection, generalized from the teacher's
// internal/ws + internal/pty hub pattern (register/unregister channels,
// per-client mailbox, reader/writer pump pair) to a single long-lived
// agent socket instead of a PTY fan-out hub.
package wsagent

import "encoding/json"

// frameType discriminates §6.1 wire frames.
type frameType string

const (
	frameRegister    frameType = "register"
	frameRegistered  frameType = "registered"
	frameHeartbeat   frameType = "heartbeat"
	frameHeartbeatAck frameType = "heartbeat_ack"
	frameRequest     frameType = "request"
	frameResponse    frameType = "response"
	frameError       frameType = "error"
	frameStateChange frameType = "state_change"
)

// envelope is used only to sniff the discriminator before decoding the
// full frame into its typed shape.
type envelope struct {
	Type frameType `json:"type"`
}

// machineInfo mirrors §6.1's machineInfo object.
type machineInfo struct {
	Hostname        string `json:"hostname"`
	OSType          string `json:"osType"`
	OSVersion       string `json:"osVersion"`
	Arch            string `json:"arch"`
	CPUModel        string `json:"cpuModel"`
	CPUID           string `json:"cpuId"`
	DiskSerial      string `json:"diskSerial"`
	MotherboardUUID string `json:"motherboardUuid"`
	MACAddress      string `json:"macAddress"`
	TotalRAMMB      int64  `json:"totalRamMb"`
	LocalUsername   string `json:"localUsername"`
	LocalIPAddress  string `json:"localIpAddress"`
}

type agentStatus struct {
	Ready        bool    `json:"ready"`
	ScreenLocked bool    `json:"screenLocked"`
	CurrentTask  *string `json:"currentTask"`
	CPUUsage     float64 `json:"cpuUsage,omitempty"`
	MemoryUsage  float64 `json:"memoryUsage,omitempty"`
}

type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// registerFrame is the agent → server handshake.
type registerFrame struct {
	Type        frameType      `json:"type"`
	CustomerID  string         `json:"customerId"`
	MachineID   string         `json:"machineId"`
	Fingerprint string         `json:"fingerprint"`
	LicenseUUID *string        `json:"licenseUuid"`
	MachineInfo machineInfo    `json:"machineInfo"`
	Status      agentStatus    `json:"status"`
	Tools       []toolDescriptor `json:"tools"`
}

// registeredFrame is the server → agent handshake reply.
type registeredFrame struct {
	Type              frameType `json:"type"`
	AgentID           string    `json:"agentId"`
	LicenseStatus     string    `json:"licenseStatus"`
	LicenseUUID       *string   `json:"licenseUuid"`
	LicenseExpiresAt  *string   `json:"licenseExpiresAt"`
	HeartbeatInterval int64     `json:"heartbeatInterval"`
	ServerTime        string    `json:"serverTime"`
}

type heartbeatFrame struct {
	Type   frameType   `json:"type"`
	Status agentStatus `json:"status"`
}

type heartbeatAckFrame struct {
	Type              frameType `json:"type"`
	LicenseStatus     string    `json:"licenseStatus"`
	TargetState       string    `json:"targetState"`
	HeartbeatInterval int64     `json:"heartbeatInterval"`
	PendingCommands   bool      `json:"pendingCommands"`
	WakeAt            *string   `json:"wakeAt,omitempty"`
}

// requestFrame dispatches an MCP-originated command to the agent.
type requestFrame struct {
	Type      frameType       `json:"type"`
	RequestID string          `json:"requestId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// responseFrame is the agent's reply to a requestFrame.
type responseFrame struct {
	Type      frameType       `json:"type"`
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *frameErrorBody `json:"error,omitempty"`
}

type frameErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FrameErrorBody is the exported name for frameErrorBody, so callers
// outside this package (C7's MCP relay) can name the type returned by
// Connection.SendRequest.
type FrameErrorBody = frameErrorBody

// errorFrame is a standalone server → agent connection-level error,
// distinct from a responseFrame's embedded per-command error.
type errorFrame struct {
	Type    frameType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

type stateChangeFrame struct {
	Type        frameType `json:"type"`
	TargetState string    `json:"targetState"`
}

// Error codes for errorFrame.Code (§4.4, §7).
const (
	CodeInvalidRegistration = "INVALID_REGISTRATION"
	CodeLicenseInvalid      = "LICENSE_INVALID"
	CodeDuplicate           = "DUPLICATE"
)

// Close codes (§4.4 failure taxonomy).
const (
	CloseUnknownMessage  = 1003
	CloseInvalidRegister = 4400
	CloseLicenseInvalid  = 4401
	CloseDuplicate       = 4402
)

func marshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every frame type here is built from known-good Go values;
		// a marshal failure means a programming error, not bad input.
		panic(err)
	}
	return b
}
