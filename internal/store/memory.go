// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyper-ai-inc/fleetd/internal/model"
)

// errEndpointExists is returned when CreateMcpConnection targets an
// endpointUuid that already has a connection row.
var errEndpointExists = errors.New("store: mcp connection endpoint already exists")

// memoryStore is an in-process Store used by unit tests; `fleetd serve`
// always uses the Postgres store. It enforces the same
// invariants as the postgres-backed Store (uniqueness, CAS transitions)
// so that tests against it exercise real invariant-violation paths.
type memoryStore struct {
	mu sync.Mutex

	agentsByID           map[string]*model.Agent
	agentsByCustomerMach map[string]string // "customerID/machineID" -> agentID
	agentsByLicense      map[string]string // licenseUUID -> agentID

	fingerprintChanges []model.FingerprintChange
	commandLog         []model.CommandLogEntry
	mcpRequestLog      []model.McpRequestLogEntry

	activity map[string]*model.CustomerActivityPattern

	connectionsByEndpoint map[string]*model.McpConnection

	clients map[string]*model.OAuthClient
	codes   map[string]*model.OAuthAuthorizationCode
	tokens  map[string]*model.OAuthAccessToken // keyed by access token hash
	byRefresh map[string]string                // refresh hash -> access hash
	codeIssuedTokens map[string][]string        // code hash -> access hashes it minted
}

// NewMemory constructs an in-memory Store.
func NewMemory() Store {
	return &memoryStore{
		agentsByID:            make(map[string]*model.Agent),
		agentsByCustomerMach:  make(map[string]string),
		agentsByLicense:       make(map[string]string),
		activity:              make(map[string]*model.CustomerActivityPattern),
		connectionsByEndpoint: make(map[string]*model.McpConnection),
		clients:               make(map[string]*model.OAuthClient),
		codes:                 make(map[string]*model.OAuthAuthorizationCode),
		tokens:                make(map[string]*model.OAuthAccessToken),
		byRefresh:             make(map[string]string),
		codeIssuedTokens:      make(map[string][]string),
	}
}

func key(customerID, machineID string) string { return customerID + "/" + machineID }

func (m *memoryStore) FindOrCreateAgent(_ context.Context, customerID, machineID string, facts model.MachineFacts) (model.Agent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(customerID, machineID)
	if id, ok := m.agentsByCustomerMach[k]; ok {
		return *m.agentsByID[id], false, nil
	}

	now := time.Now()
	a := &model.Agent{
		ID:          uuid.NewString(),
		OwnerUserID: customerID,
		CustomerID:  customerID,
		MachineID:   machineID,
		Facts:       facts,
		OSType:      facts.OSType,
		State:       model.AgentPending,
		PowerState:  model.PowerActive,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	m.agentsByID[a.ID] = a
	m.agentsByCustomerMach[k] = a.ID
	return *a, true, nil
}

func (m *memoryStore) GetAgent(_ context.Context, agentID string) (model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agentsByID[agentID]
	if !ok {
		return model.Agent{}, ErrNotFound
	}
	return *a, nil
}

func (m *memoryStore) ListAgentsByOwner(_ context.Context, ownerUserID string) ([]model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Agent
	for _, a := range m.agentsByID {
		if a.OwnerUserID == ownerUserID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memoryStore) FindAgentByLicense(_ context.Context, licenseUUID string) (model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agentID, ok := m.agentsByLicense[licenseUUID]
	if !ok {
		return model.Agent{}, ErrNotFound
	}
	a, ok := m.agentsByID[agentID]
	if !ok {
		return model.Agent{}, ErrNotFound
	}
	return *a, nil
}

func (m *memoryStore) TransitionState(_ context.Context, agentID string, from, to model.AgentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agentsByID[agentID]
	if !ok {
		return ErrNotFound
	}
	if a.State != from {
		return &StaleStateError{AgentID: agentID, Expected: from, Actual: a.State}
	}
	a.State = to
	now := time.Now()
	switch to {
	case model.AgentBlocked:
		a.BlockedAt = &now
	case model.AgentActive:
		if a.ActivatedAt == nil {
			a.ActivatedAt = &now
		}
	}
	return nil
}

func (m *memoryStore) AssignLicense(_ context.Context, agentID, licenseUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agentsByID[agentID]
	if !ok {
		return ErrNotFound
	}
	if existing, ok := m.agentsByLicense[licenseUUID]; ok && existing != agentID {
		return &DuplicateLicenseError{LicenseUUID: licenseUUID}
	}
	if a.State != model.AgentPending {
		return &StaleStateError{AgentID: agentID, Expected: model.AgentPending, Actual: a.State}
	}
	now := time.Now()
	a.LicenseUUID = licenseUUID
	a.State = model.AgentActive
	a.ActivatedAt = &now
	m.agentsByLicense[licenseUUID] = agentID
	return nil
}

func (m *memoryStore) RecordHeartbeat(_ context.Context, agentID string, isScreenLocked bool, currentTask string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agentsByID[agentID]
	if !ok {
		return ErrNotFound
	}
	a.LastSeenAt = time.Now()
	a.IsScreenLocked = isScreenLocked
	a.CurrentTask = currentTask
	return nil
}

func (m *memoryStore) UpdateFingerprint(_ context.Context, agentID, fingerprint string, facts model.MachineFacts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agentsByID[agentID]
	if !ok {
		return ErrNotFound
	}
	a.Fingerprint = fingerprint
	a.FingerprintRaw = facts
	a.Facts = facts
	return nil
}

func (m *memoryStore) MarkOnline(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agentsByID[agentID]
	if !ok {
		return ErrNotFound
	}
	a.IsOnline = true
	a.LastSeenAt = time.Now()
	return nil
}

func (m *memoryStore) MarkOffline(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agentsByID[agentID]
	if !ok {
		return ErrNotFound
	}
	a.IsOnline = false
	return nil
}

func (m *memoryStore) ListStaleOnlineAgents(_ context.Context, cutoff time.Time) ([]model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Agent
	for _, a := range m.agentsByID {
		if a.IsOnline && a.LastSeenAt.Before(cutoff) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memoryStore) IncrementPendingCommands(_ context.Context, agentID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agentsByID[agentID]
	if !ok {
		return ErrNotFound
	}
	a.PendingCommands += delta
	if a.PendingCommands < 0 {
		a.PendingCommands = 0
	}
	return nil
}

func (m *memoryStore) AppendFingerprintChange(_ context.Context, change model.FingerprintChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	change.CreatedAt = time.Now()
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	m.fingerprintChanges = append(m.fingerprintChanges, change)
	if change.ChangeType == model.ChangeDuplicateDetected {
		if a, ok := m.agentsByID[change.AgentID]; ok {
			a.IsDuplicate = true
		}
	}
	return nil
}

func (m *memoryStore) RecordActivity(_ context.Context, userID string, hourBucket int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.activity[userID]
	if !ok {
		p = &model.CustomerActivityPattern{UserID: userID, QuietStartHour: -1, QuietEndHour: -1, ScheduleMode: model.ScheduleAutoDetect}
		m.activity[userID] = p
	}
	if hourBucket >= 0 && hourBucket < 24 {
		p.HourlyActivity[hourBucket]++
	}
	return nil
}

func (m *memoryStore) GetActivityPattern(_ context.Context, userID string) (model.CustomerActivityPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.activity[userID]
	if !ok {
		return model.CustomerActivityPattern{UserID: userID, QuietStartHour: -1, QuietEndHour: -1, ScheduleMode: model.ScheduleAutoDetect}, nil
	}
	return *p, nil
}

func (m *memoryStore) SetActivityPattern(_ context.Context, pattern model.CustomerActivityPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := pattern
	m.activity[pattern.UserID] = &cp
	return nil
}

func (m *memoryStore) LogCommand(_ context.Context, entry model.CommandLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.CreatedAt = time.Now()
	m.commandLog = append(m.commandLog, entry)
	return nil
}

func (m *memoryStore) LogMcpRequest(_ context.Context, entry model.McpRequestLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.CreatedAt = time.Now()
	m.mcpRequestLog = append(m.mcpRequestLog, entry)
	return nil
}

func (m *memoryStore) CreateMcpConnection(_ context.Context, conn model.McpConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.connectionsByEndpoint[conn.EndpointUUID]; exists {
		return errEndpointExists
	}
	cp := conn
	m.connectionsByEndpoint[conn.EndpointUUID] = &cp
	return nil
}

func (m *memoryStore) GetMcpConnectionByEndpoint(_ context.Context, endpointUUID string) (model.McpConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connectionsByEndpoint[endpointUUID]
	if !ok {
		return model.McpConnection{}, ErrNotFound
	}
	return *c, nil
}

func (m *memoryStore) ListMcpConnectionsByUser(_ context.Context, userID string) ([]model.McpConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.McpConnection
	for _, c := range m.connectionsByEndpoint {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memoryStore) CreateOAuthClient(_ context.Context, client model.OAuthClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := client
	m.clients[client.ClientID] = &cp
	return nil
}

func (m *memoryStore) GetOAuthClient(_ context.Context, clientID string) (model.OAuthClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return model.OAuthClient{}, ErrNotFound
	}
	return *c, nil
}

func (m *memoryStore) CreateAuthorizationCode(_ context.Context, code model.OAuthAuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := code
	m.codes[code.CodeHash] = &cp
	return nil
}

func (m *memoryStore) ConsumeAuthorizationCode(_ context.Context, codeHash string) (model.OAuthAuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeHash]
	if !ok {
		return model.OAuthAuthorizationCode{}, ErrNotFound
	}
	if c.UsedAt != nil {
		return model.OAuthAuthorizationCode{}, ErrCodeAlreadyUsed
	}
	now := time.Now()
	c.UsedAt = &now
	return *c, nil
}

func (m *memoryStore) RevokeTokensIssuedByCode(_ context.Context, codeHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, hash := range m.codeIssuedTokens[codeHash] {
		if t, ok := m.tokens[hash]; ok {
			t.RevokedAt = &now
		}
	}
	return nil
}

func (m *memoryStore) CreateAccessToken(_ context.Context, codeHash string, token model.OAuthAccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := token
	m.tokens[token.AccessTokenHash] = &cp
	if token.RefreshTokenHash != "" {
		m.byRefresh[token.RefreshTokenHash] = token.AccessTokenHash
	}
	if codeHash != "" {
		m.codeIssuedTokens[codeHash] = append(m.codeIssuedTokens[codeHash], token.AccessTokenHash)
	}
	return nil
}

func (m *memoryStore) GetAccessTokenByHash(_ context.Context, hash string) (model.OAuthAccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[hash]
	if !ok {
		return model.OAuthAccessToken{}, ErrNotFound
	}
	return *t, nil
}

func (m *memoryStore) GetAccessTokenByRefreshHash(_ context.Context, hash string) (model.OAuthAccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	accessHash, ok := m.byRefresh[hash]
	if !ok {
		return model.OAuthAccessToken{}, ErrNotFound
	}
	t, ok := m.tokens[accessHash]
	if !ok {
		return model.OAuthAccessToken{}, ErrNotFound
	}
	return *t, nil
}

func (m *memoryStore) RotateRefreshToken(_ context.Context, oldRefreshHash string, next model.OAuthAccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldAccessHash, ok := m.byRefresh[oldRefreshHash]
	if !ok {
		return ErrNotFound
	}
	old, ok := m.tokens[oldAccessHash]
	if !ok {
		return ErrNotFound
	}
	if old.RevokedAt != nil {
		return ErrRevoked
	}

	now := time.Now()
	old.RevokedAt = &now
	delete(m.byRefresh, oldRefreshHash)

	cp := next
	m.tokens[next.AccessTokenHash] = &cp
	if next.RefreshTokenHash != "" {
		m.byRefresh[next.RefreshTokenHash] = next.AccessTokenHash
	}
	return nil
}

func (m *memoryStore) RevokeToken(_ context.Context, accessOrRefreshHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if t, ok := m.tokens[accessOrRefreshHash]; ok {
		t.RevokedAt = &now
		return nil
	}
	if accessHash, ok := m.byRefresh[accessOrRefreshHash]; ok {
		if t, ok := m.tokens[accessHash]; ok {
			t.RevokedAt = &now
			return nil
		}
	}
	// Idempotent per spec.md §8: revoking an unknown/already-revoked
	// token is not an error.
	return nil
}

func (m *memoryStore) DeleteExpiredTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for hash, t := range m.tokens {
		expired := t.AccessExpiresAt.Before(now) && (t.RefreshExpiresAt == nil || t.RefreshExpiresAt.Before(now))
		revokedLongAgo := t.RevokedAt != nil && t.RevokedAt.Before(now)
		if expired || revokedLongAgo {
			if t.RefreshTokenHash != "" {
				delete(m.byRefresh, t.RefreshTokenHash)
			}
			delete(m.tokens, hash)
			n++
		}
	}
	return n, nil
}
