// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package store is the Persistence Gateway (spec.md §4.1, C1): typed
// access to agents, connections, tokens, logs, and activity, expressed
// as business verbs rather than generic CRUD. It is the only component
// allowed to write audit rows.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyper-ai-inc/fleetd/internal/model"
)

// StaleStateError is returned when a guarded state transition's expected
// "from" state doesn't match the row's current state — a concurrent
// writer already moved it.
type StaleStateError struct {
	AgentID  string
	Expected model.AgentState
	Actual   model.AgentState
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale state for agent %s: expected %s, found %s", e.AgentID, e.Expected, e.Actual)
}

// DuplicateAgentError describes a (customerId, machineId) pair that
// already exists with facts diverging from the caller's. No Store method
// in this package returns it: FindOrCreateAgent returns the existing row
// and leaves drift classification to its caller.
type DuplicateAgentError struct {
	CustomerID string
	MachineID  string
}

func (e *DuplicateAgentError) Error() string {
	return fmt.Sprintf("duplicate agent for customer %s machine %s", e.CustomerID, e.MachineID)
}

// DuplicateLicenseError is returned when a licenseUUID is already
// assigned to a different agent.
type DuplicateLicenseError struct {
	LicenseUUID string
}

func (e *DuplicateLicenseError) Error() string {
	return fmt.Sprintf("license %s already assigned to another agent", e.LicenseUUID)
}

// ErrNotFound is returned when a lookup finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrCodeAlreadyUsed is returned when an authorization code is replayed.
var ErrCodeAlreadyUsed = errors.New("store: authorization code already used")

// ErrRevoked is returned when a token operation targets an already
// revoked token.
var ErrRevoked = errors.New("store: token revoked")

// Store is the Persistence Gateway's full interface. Every state
// transition takes an expected "from" state and fails with
// *StaleStateError on mismatch, so concurrent writers never silently
// clobber each other (spec.md §4.1).
type Store interface {
	// FindOrCreateAgent implements REGISTER's identity resolution:
	// (customerId, machineId) is looked up, and a PENDING row is
	// created on first sight. Returns the row and whether it was
	// created new.
	FindOrCreateAgent(ctx context.Context, customerID, machineID string, facts model.MachineFacts) (model.Agent, bool, error)

	GetAgent(ctx context.Context, agentID string) (model.Agent, error)
	ListAgentsByOwner(ctx context.Context, ownerUserID string) ([]model.Agent, error)

	// FindAgentByLicense looks up the agent currently holding licenseUUID,
	// used by C2 to detect a license presented by a second machineId
	// (spec.md §4.2's duplicate-license classification) before that
	// second row ever reaches AssignLicense.
	FindAgentByLicense(ctx context.Context, licenseUUID string) (model.Agent, error)

	// TransitionState performs a CAS state transition, guarded by from.
	TransitionState(ctx context.Context, agentID string, from, to model.AgentState) error

	// AssignLicense generates and stores a licenseUuid for a PENDING
	// agent being activated, transitioning it to ACTIVE.
	AssignLicense(ctx context.Context, agentID, licenseUUID string) error

	// RecordHeartbeat updates liveness/status fields and touches
	// lastSeenAt; it never changes State.
	RecordHeartbeat(ctx context.Context, agentID string, isScreenLocked bool, currentTask string) error

	// UpdateFingerprint stores a newly-observed fingerprint/facts pair
	// after C2 has classified the drift.
	UpdateFingerprint(ctx context.Context, agentID, fingerprint string, facts model.MachineFacts) error

	// MarkOnline/MarkOffline toggle isOnline; MarkOffline never deletes
	// the row (spec.md §3 invariant).
	MarkOnline(ctx context.Context, agentID string) error
	MarkOffline(ctx context.Context, agentID string) error

	// ListStaleOnlineAgents returns agents marked online whose
	// lastSeenAt is older than the cutoff, for the heartbeat reaper.
	ListStaleOnlineAgents(ctx context.Context, cutoff time.Time) ([]model.Agent, error)

	IncrementPendingCommands(ctx context.Context, agentID string, delta int) error

	AppendFingerprintChange(ctx context.Context, change model.FingerprintChange) error

	RecordActivity(ctx context.Context, userID string, hourBucket int) error
	GetActivityPattern(ctx context.Context, userID string) (model.CustomerActivityPattern, error)
	SetActivityPattern(ctx context.Context, pattern model.CustomerActivityPattern) error

	LogCommand(ctx context.Context, entry model.CommandLogEntry) error
	LogMcpRequest(ctx context.Context, entry model.McpRequestLogEntry) error

	// McpConnection operations (C1 side of C7's tenant endpoints).
	CreateMcpConnection(ctx context.Context, conn model.McpConnection) error
	GetMcpConnectionByEndpoint(ctx context.Context, endpointUUID string) (model.McpConnection, error)
	ListMcpConnectionsByUser(ctx context.Context, userID string) ([]model.McpConnection, error)

	// OAuth entities (C6).
	CreateOAuthClient(ctx context.Context, client model.OAuthClient) error
	GetOAuthClient(ctx context.Context, clientID string) (model.OAuthClient, error)

	CreateAuthorizationCode(ctx context.Context, code model.OAuthAuthorizationCode) error
	// ConsumeAuthorizationCode atomically marks the code used and
	// returns it; the second call for the same hash returns
	// ErrCodeAlreadyUsed (spec.md §8 idempotence law).
	ConsumeAuthorizationCode(ctx context.Context, codeHash string) (model.OAuthAuthorizationCode, error)
	// RevokeTokensIssuedByCode revokes every access/refresh token that
	// traces back to codeHash, used to defend against authorization
	// code replay races (spec.md §8).
	RevokeTokensIssuedByCode(ctx context.Context, codeHash string) error

	CreateAccessToken(ctx context.Context, codeHash string, token model.OAuthAccessToken) error
	GetAccessTokenByHash(ctx context.Context, hash string) (model.OAuthAccessToken, error)
	GetAccessTokenByRefreshHash(ctx context.Context, hash string) (model.OAuthAccessToken, error)
	// RotateRefreshToken atomically consumes the old refresh token and
	// inserts the new access+refresh pair in one transaction (spec.md
	// §4.6, §5).
	RotateRefreshToken(ctx context.Context, oldRefreshHash string, next model.OAuthAccessToken) error
	RevokeToken(ctx context.Context, accessOrRefreshHash string) error
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}
