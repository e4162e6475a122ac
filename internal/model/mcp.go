// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package model

// McpConnectionStatus is the lifecycle state of a tenant-facing MCP
// endpoint.
type McpConnectionStatus string

const (
	ConnectionActive  McpConnectionStatus = "ACTIVE"
	ConnectionPaused  McpConnectionStatus = "PAUSED"
	ConnectionRevoked McpConnectionStatus = "REVOKED"
)

// McpConnection is a tenant-scoped URL through which an AI client reaches
// one tenant's fleet.
type McpConnection struct {
	ID           string
	UserID       string
	EndpointUUID string
	Name         string
	Status       McpConnectionStatus

	RequestCount int64
	ErrorCount   int64
}
