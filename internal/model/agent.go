// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package model defines the entities of the fleet control plane's data
// model (spec.md §3), independent of how they are stored or transported.
package model

import "time"

// AgentState is the lifecycle state of an Agent row.
type AgentState string

const (
	AgentPending AgentState = "PENDING"
	AgentActive  AgentState = "ACTIVE"
	AgentBlocked AgentState = "BLOCKED"
	AgentExpired AgentState = "EXPIRED"
)

// PowerState drives heartbeat cadence for an online agent.
type PowerState string

const (
	PowerActive  PowerState = "ACTIVE"
	PowerPassive PowerState = "PASSIVE"
	PowerSleep   PowerState = "SLEEP"
)

// OSType enumerates the operating systems an agent may report.
type OSType string

const (
	OSMac     OSType = "macOS"
	OSWindows OSType = "Windows"
	OSLinux   OSType = "Linux"
)

// MachineFacts are the hardware/network facts presented at REGISTER time.
type MachineFacts struct {
	Hostname        string
	OSType          OSType
	OSVersion       string
	Arch            string
	CPUModel        string
	CPUID           string
	DiskSerial      string
	MotherboardUUID string
	MACAddress      string
	TotalRAMMB      int64
	LocalUsername   string
	LocalIPAddress  string
	IPAddress       string
	OSInstallationID string
}

// Agent is one installed agent process and its machine identity.
type Agent struct {
	ID          string
	OwnerUserID string
	CustomerID  string
	MachineID   string

	LicenseUUID    string // empty until assigned
	Fingerprint    string // empty before first activation
	FingerprintRaw MachineFacts

	OSType OSType

	Facts MachineFacts

	State      AgentState
	PowerState PowerState

	IsOnline       bool
	IsScreenLocked bool
	IsDuplicate    bool
	CurrentTask    string

	PendingCommands int

	FirstSeenAt   time.Time
	LastSeenAt    time.Time
	ActivatedAt   *time.Time
	BlockedAt     *time.Time
	DeactivatedAt *time.Time
}

// FingerprintChangeType enumerates the audit classifications of C2.
type FingerprintChangeType string

const (
	ChangeIPChange       FingerprintChangeType = "ip_change"
	ChangeUsernameChange FingerprintChangeType = "username_change"
	ChangeHardwareChange FingerprintChangeType = "hardware_change"
	ChangeDuplicateDetected FingerprintChangeType = "duplicate_detected"
)

// FingerprintChange is an append-only audit row of fingerprint drift.
type FingerprintChange struct {
	ID         string
	AgentID    string
	ChangeType FingerprintChangeType
	Detail     string
	CreatedAt  time.Time
}

// Tool is an agent-exported tool descriptor. The relay treats InputSchema
// as opaque JSON and never validates it (spec.md §9 Design Notes).
type Tool struct {
	Name        string
	Description string
	InputSchema []byte // raw JSON
}

// CustomerActivityPattern is the per-owner hourly activity histogram used
// by the power-state engine's quiet-hour detection.
type CustomerActivityPattern struct {
	UserID         string
	HourlyActivity [24]int64
	QuietStartHour int // -1 if no quiet window detected
	QuietEndHour   int
	ScheduleMode   ScheduleMode
	Timezone       string
}

// ScheduleMode selects how the power engine derives target power state.
type ScheduleMode string

const (
	ScheduleAlwaysActive  ScheduleMode = "ALWAYS_ACTIVE"
	ScheduleAutoDetect    ScheduleMode = "AUTO_DETECT"
	ScheduleCustom        ScheduleMode = "CUSTOM"
	ScheduleSleepOvernight ScheduleMode = "SLEEP_OVERNIGHT"
)

// CommandLogEntry is an append-only record of a dispatched agent command.
type CommandLogEntry struct {
	ID         string
	AgentID    string
	Method     string
	Tool       string
	DurationMS int64
	Success    bool
	ErrorCode  string
	IP         string
	CreatedAt  time.Time
}

// McpRequestLogEntry is an append-only record of an inbound MCP request.
type McpRequestLogEntry struct {
	ID          string
	ConnectionID string
	Method      string
	DurationMS  int64
	Success     bool
	ErrorCode   string
	IP          string
	CreatedAt   time.Time
}
