// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hyper-ai-inc/fleetd/internal/model"
)

// PostgresStore is the production Store, backed by a pgx connection pool.
// Every guarded transition runs inside a transaction so the CAS check and
// the write it protects are never split by a concurrent writer.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore wraps an already-connected pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

func scanErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) FindOrCreateAgent(ctx context.Context, customerID, machineID string, facts model.MachineFacts) (model.Agent, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Agent{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	a, err := scanAgent(tx.QueryRow(ctx, `
		SELECT id, owner_user_id, customer_id, machine_id, license_uuid, fingerprint,
		       facts, os_type, state, power_state, is_online, is_screen_locked,
		       is_duplicate, current_task, pending_commands, first_seen_at,
		       last_seen_at, activated_at, blocked_at, deactivated_at
		FROM agents WHERE customer_id = $1 AND machine_id = $2`, customerID, machineID))
	if err == nil {
		return a, false, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Agent{}, false, fmt.Errorf("find agent: %w", err)
	}

	factsJSON, err := json.Marshal(facts)
	if err != nil {
		return model.Agent{}, false, fmt.Errorf("marshal facts: %w", err)
	}
	now := time.Now().UTC()
	created := model.Agent{
		CustomerID:  customerID,
		MachineID:   machineID,
		Facts:       facts,
		OSType:      facts.OSType,
		State:       model.AgentPending,
		PowerState:  model.PowerActive,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if err := tx.QueryRow(ctx, `
		INSERT INTO agents (owner_user_id, customer_id, machine_id, facts, os_type, state,
		                     power_state, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		customerID, customerID, machineID, factsJSON, string(facts.OSType), string(model.AgentPending),
		string(model.PowerActive), now, now,
	).Scan(&created.ID); err != nil {
		return model.Agent{}, false, fmt.Errorf("insert agent: %w", err)
	}
	created.OwnerUserID = customerID

	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, false, fmt.Errorf("commit: %w", err)
	}
	return created, true, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `
		SELECT id, owner_user_id, customer_id, machine_id, license_uuid, fingerprint,
		       facts, os_type, state, power_state, is_online, is_screen_locked,
		       is_duplicate, current_task, pending_commands, first_seen_at,
		       last_seen_at, activated_at, blocked_at, deactivated_at
		FROM agents WHERE id = $1`, agentID))
	if err != nil {
		return model.Agent{}, scanErr(err)
	}
	return a, nil
}

func (s *PostgresStore) FindAgentByLicense(ctx context.Context, licenseUUID string) (model.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `
		SELECT id, owner_user_id, customer_id, machine_id, license_uuid, fingerprint,
		       facts, os_type, state, power_state, is_online, is_screen_locked,
		       is_duplicate, current_task, pending_commands, first_seen_at,
		       last_seen_at, activated_at, blocked_at, deactivated_at
		FROM agents WHERE license_uuid = $1`, licenseUUID))
	if err != nil {
		return model.Agent{}, scanErr(err)
	}
	return a, nil
}

func (s *PostgresStore) ListAgentsByOwner(ctx context.Context, ownerUserID string) ([]model.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_user_id, customer_id, machine_id, license_uuid, fingerprint,
		       facts, os_type, state, power_state, is_online, is_screen_locked,
		       is_duplicate, current_task, pending_commands, first_seen_at,
		       last_seen_at, activated_at, blocked_at, deactivated_at
		FROM agents WHERE owner_user_id = $1 ORDER BY first_seen_at`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		a, err := scanAgentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TransitionState is the CAS primitive every lifecycle operation funnels
// through: the UPDATE's WHERE clause embeds the expected state, and a
// zero-row result means a concurrent writer already moved it.
func (s *PostgresStore) TransitionState(ctx context.Context, agentID string, from, to model.AgentState) error {
	var tag string
	var args []any
	switch to {
	case model.AgentBlocked:
		tag = `UPDATE agents SET state = $1, blocked_at = now() WHERE id = $2 AND state = $3`
		args = []any{string(to), agentID, string(from)}
	case model.AgentActive:
		tag = `UPDATE agents SET state = $1, activated_at = COALESCE(activated_at, now()) WHERE id = $2 AND state = $3`
		args = []any{string(to), agentID, string(from)}
	default:
		tag = `UPDATE agents SET state = $1 WHERE id = $2 AND state = $3`
		args = []any{string(to), agentID, string(from)}
	}

	ct, err := s.pool.Exec(ctx, tag, args...)
	if err != nil {
		return fmt.Errorf("transition state: %w", err)
	}
	if ct.RowsAffected() == 0 {
		actual, getErr := s.GetAgent(ctx, agentID)
		if getErr != nil {
			return getErr
		}
		return &StaleStateError{AgentID: agentID, Expected: from, Actual: actual.State}
	}
	return nil
}

func (s *PostgresStore) AssignLicense(ctx context.Context, agentID, licenseUUID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE agents SET license_uuid = $1, state = $2, activated_at = COALESCE(activated_at, now())
		WHERE id = $3 AND state = $4`,
		licenseUUID, string(model.AgentActive), agentID, string(model.AgentPending))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation on license_uuid
			return &DuplicateLicenseError{LicenseUUID: licenseUUID}
		}
		return fmt.Errorf("assign license: %w", err)
	}
	if ct.RowsAffected() == 0 {
		actual, getErr := s.GetAgent(ctx, agentID)
		if getErr != nil {
			return getErr
		}
		return &StaleStateError{AgentID: agentID, Expected: model.AgentPending, Actual: actual.State}
	}
	return nil
}

func (s *PostgresStore) RecordHeartbeat(ctx context.Context, agentID string, isScreenLocked bool, currentTask string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE agents SET last_seen_at = now(), is_screen_locked = $1, current_task = $2
		WHERE id = $3`, isScreenLocked, currentTask, agentID)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateFingerprint(ctx context.Context, agentID, fingerprint string, facts model.MachineFacts) error {
	factsJSON, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("marshal facts: %w", err)
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE agents SET fingerprint = $1, facts = $2 WHERE id = $3`,
		fingerprint, factsJSON, agentID)
	if err != nil {
		return fmt.Errorf("update fingerprint: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkOnline(ctx context.Context, agentID string) error {
	ct, err := s.pool.Exec(ctx, `UPDATE agents SET is_online = true, last_seen_at = now() WHERE id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("mark online: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkOffline(ctx context.Context, agentID string) error {
	ct, err := s.pool.Exec(ctx, `UPDATE agents SET is_online = false WHERE id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListStaleOnlineAgents(ctx context.Context, cutoff time.Time) ([]model.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_user_id, customer_id, machine_id, license_uuid, fingerprint,
		       facts, os_type, state, power_state, is_online, is_screen_locked,
		       is_duplicate, current_task, pending_commands, first_seen_at,
		       last_seen_at, activated_at, blocked_at, deactivated_at
		FROM agents WHERE is_online = true AND last_seen_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale agents: %w", err)
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		a, err := scanAgentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IncrementPendingCommands(ctx context.Context, agentID string, delta int) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE agents SET pending_commands = GREATEST(0, pending_commands + $1) WHERE id = $2`,
		delta, agentID)
	if err != nil {
		return fmt.Errorf("increment pending commands: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendFingerprintChange(ctx context.Context, change model.FingerprintChange) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		INSERT INTO fingerprint_changes (agent_id, change_type, detail, created_at)
		VALUES ($1, $2, $3, now())`,
		change.AgentID, string(change.ChangeType), change.Detail); err != nil {
		return fmt.Errorf("insert fingerprint change: %w", err)
	}

	if change.ChangeType == model.ChangeDuplicateDetected {
		if _, err := tx.Exec(ctx, `UPDATE agents SET is_duplicate = true WHERE id = $1`, change.AgentID); err != nil {
			return fmt.Errorf("flag duplicate: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) RecordActivity(ctx context.Context, userID string, hourBucket int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_patterns (user_id, hourly_activity, quiet_start_hour, quiet_end_hour, schedule_mode)
		VALUES ($1, array_fill(0, ARRAY[24]), -1, -1, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, string(model.ScheduleAutoDetect))
	if err != nil {
		return fmt.Errorf("seed activity pattern: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE activity_patterns
		SET hourly_activity[$2 + 1] = hourly_activity[$2 + 1] + 1
		WHERE user_id = $1`, userID, hourBucket)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActivityPattern(ctx context.Context, userID string) (model.CustomerActivityPattern, error) {
	var p model.CustomerActivityPattern
	p.UserID = userID
	var hourly []int64
	err := s.pool.QueryRow(ctx, `
		SELECT hourly_activity, quiet_start_hour, quiet_end_hour, schedule_mode, timezone
		FROM activity_patterns WHERE user_id = $1`, userID,
	).Scan(&hourly, &p.QuietStartHour, &p.QuietEndHour, &p.ScheduleMode, &p.Timezone)
	if errors.Is(err, pgx.ErrNoRows) {
		p.QuietStartHour, p.QuietEndHour = -1, -1
		p.ScheduleMode = model.ScheduleAutoDetect
		return p, nil
	}
	if err != nil {
		return model.CustomerActivityPattern{}, fmt.Errorf("get activity pattern: %w", err)
	}
	copy(p.HourlyActivity[:], hourly)
	return p, nil
}

func (s *PostgresStore) SetActivityPattern(ctx context.Context, pattern model.CustomerActivityPattern) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_patterns (user_id, hourly_activity, quiet_start_hour, quiet_end_hour, schedule_mode, timezone)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			hourly_activity = EXCLUDED.hourly_activity,
			quiet_start_hour = EXCLUDED.quiet_start_hour,
			quiet_end_hour = EXCLUDED.quiet_end_hour,
			schedule_mode = EXCLUDED.schedule_mode,
			timezone = EXCLUDED.timezone`,
		pattern.UserID, pattern.HourlyActivity[:], pattern.QuietStartHour, pattern.QuietEndHour,
		string(pattern.ScheduleMode), pattern.Timezone)
	if err != nil {
		return fmt.Errorf("set activity pattern: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogCommand(ctx context.Context, entry model.CommandLogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO command_log (agent_id, method, tool, duration_ms, success, error_code, ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		entry.AgentID, entry.Method, entry.Tool, entry.DurationMS, entry.Success, entry.ErrorCode, entry.IP)
	if err != nil {
		s.logger.Warn("failed to write command log entry", zap.Error(err), zap.String("agent_id", entry.AgentID))
		return fmt.Errorf("log command: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogMcpRequest(ctx context.Context, entry model.McpRequestLogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mcp_request_log (connection_id, method, duration_ms, success, error_code, ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		entry.ConnectionID, entry.Method, entry.DurationMS, entry.Success, entry.ErrorCode, entry.IP)
	if err != nil {
		s.logger.Warn("failed to write mcp request log entry", zap.Error(err), zap.String("connection_id", entry.ConnectionID))
		return fmt.Errorf("log mcp request: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateMcpConnection(ctx context.Context, conn model.McpConnection) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mcp_connections (id, user_id, endpoint_uuid, name, status, request_count, error_count)
		VALUES ($1, $2, $3, $4, $5, 0, 0)`,
		conn.ID, conn.UserID, conn.EndpointUUID, conn.Name, string(conn.Status))
	if err != nil {
		return fmt.Errorf("create mcp connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMcpConnectionByEndpoint(ctx context.Context, endpointUUID string) (model.McpConnection, error) {
	var c model.McpConnection
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, endpoint_uuid, name, status, request_count, error_count
		FROM mcp_connections WHERE endpoint_uuid = $1`, endpointUUID,
	).Scan(&c.ID, &c.UserID, &c.EndpointUUID, &c.Name, &status, &c.RequestCount, &c.ErrorCount)
	if err != nil {
		return model.McpConnection{}, scanErr(err)
	}
	c.Status = model.McpConnectionStatus(status)
	return c, nil
}

func (s *PostgresStore) ListMcpConnectionsByUser(ctx context.Context, userID string) ([]model.McpConnection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, endpoint_uuid, name, status, request_count, error_count
		FROM mcp_connections WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list mcp connections: %w", err)
	}
	defer rows.Close()

	var out []model.McpConnection
	for rows.Next() {
		var c model.McpConnection
		var status string
		if err := rows.Scan(&c.ID, &c.UserID, &c.EndpointUUID, &c.Name, &status, &c.RequestCount, &c.ErrorCount); err != nil {
			return nil, fmt.Errorf("scan mcp connection: %w", err)
		}
		c.Status = model.McpConnectionStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateOAuthClient(ctx context.Context, client model.OAuthClient) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_clients (client_id, client_secret_hash, client_name, redirect_uris,
		                            token_endpoint_auth, grant_types, response_types, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		client.ClientID, client.ClientSecretHash, client.ClientName, client.RedirectURIs,
		string(client.TokenEndpointAuth), client.GrantTypes, client.ResponseTypes)
	if err != nil {
		return fmt.Errorf("create oauth client: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOAuthClient(ctx context.Context, clientID string) (model.OAuthClient, error) {
	var c model.OAuthClient
	var auth string
	err := s.pool.QueryRow(ctx, `
		SELECT client_id, client_secret_hash, client_name, redirect_uris,
		       token_endpoint_auth, grant_types, response_types, created_at
		FROM oauth_clients WHERE client_id = $1`, clientID,
	).Scan(&c.ClientID, &c.ClientSecretHash, &c.ClientName, &c.RedirectURIs,
		&auth, &c.GrantTypes, &c.ResponseTypes, &c.CreatedAt)
	if err != nil {
		return model.OAuthClient{}, scanErr(err)
	}
	c.TokenEndpointAuth = model.TokenEndpointAuth(auth)
	return c, nil
}

func (s *PostgresStore) CreateAuthorizationCode(ctx context.Context, code model.OAuthAuthorizationCode) error {
	scopes := scopesToStrings(code.Scopes)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_authorization_codes
			(code_hash, client_id, user_id, redirect_uri, scopes, resource,
			 code_challenge, code_challenge_method, state, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		code.CodeHash, code.ClientID, code.UserID, code.RedirectURI, scopes, code.Resource,
		code.CodeChallenge, code.CodeChallengeMethod, code.State, code.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode marks the code used inside a row-locking
// transaction: the SELECT ... FOR UPDATE serializes concurrent consumers
// of the same code so only one ever observes used_at IS NULL.
func (s *PostgresStore) ConsumeAuthorizationCode(ctx context.Context, codeHash string) (model.OAuthAuthorizationCode, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.OAuthAuthorizationCode{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var c model.OAuthAuthorizationCode
	var scopes []string
	err = tx.QueryRow(ctx, `
		SELECT code_hash, client_id, user_id, redirect_uri, scopes, resource,
		       code_challenge, code_challenge_method, state, expires_at, used_at
		FROM oauth_authorization_codes WHERE code_hash = $1 FOR UPDATE`, codeHash,
	).Scan(&c.CodeHash, &c.ClientID, &c.UserID, &c.RedirectURI, &scopes, &c.Resource,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.State, &c.ExpiresAt, &c.UsedAt)
	if err != nil {
		return model.OAuthAuthorizationCode{}, scanErr(err)
	}
	if c.UsedAt != nil {
		return model.OAuthAuthorizationCode{}, ErrCodeAlreadyUsed
	}
	c.Scopes = stringsToScopes(scopes)

	if _, err := tx.Exec(ctx, `UPDATE oauth_authorization_codes SET used_at = now() WHERE code_hash = $1`, codeHash); err != nil {
		return model.OAuthAuthorizationCode{}, fmt.Errorf("mark code used: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.OAuthAuthorizationCode{}, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) RevokeTokensIssuedByCode(ctx context.Context, codeHash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE oauth_access_tokens SET revoked_at = now()
		WHERE issued_by_code_hash = $1 AND revoked_at IS NULL`, codeHash)
	if err != nil {
		return fmt.Errorf("revoke tokens issued by code: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAccessToken(ctx context.Context, codeHash string, token model.OAuthAccessToken) error {
	scopes := scopesToStrings(token.Scopes)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_access_tokens
			(access_token_hash, refresh_token_hash, scopes, audience, client_id, user_id,
			 connection_id, access_expires_at, refresh_expires_at, issued_by_code_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		token.AccessTokenHash, nullIfEmpty(token.RefreshTokenHash), scopes, token.Audience,
		token.ClientID, token.UserID, token.ConnectionID, token.AccessExpiresAt,
		token.RefreshExpiresAt, nullIfEmpty(codeHash))
	if err != nil {
		return fmt.Errorf("create access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccessTokenByHash(ctx context.Context, hash string) (model.OAuthAccessToken, error) {
	return s.scanToken(ctx, `access_token_hash = $1`, hash)
}

func (s *PostgresStore) GetAccessTokenByRefreshHash(ctx context.Context, hash string) (model.OAuthAccessToken, error) {
	return s.scanToken(ctx, `refresh_token_hash = $1`, hash)
}

func (s *PostgresStore) scanToken(ctx context.Context, where string, arg string) (model.OAuthAccessToken, error) {
	var t model.OAuthAccessToken
	var scopes []string
	var refreshHash, issuedByCode *string
	err := s.pool.QueryRow(ctx, `
		SELECT access_token_hash, refresh_token_hash, scopes, audience, client_id, user_id,
		       connection_id, access_expires_at, refresh_expires_at, revoked_at
		FROM oauth_access_tokens WHERE `+where, arg,
	).Scan(&t.AccessTokenHash, &refreshHash, &scopes, &t.Audience, &t.ClientID, &t.UserID,
		&t.ConnectionID, &t.AccessExpiresAt, &t.RefreshExpiresAt, &t.RevokedAt)
	if err != nil {
		return model.OAuthAccessToken{}, scanErr(err)
	}
	if refreshHash != nil {
		t.RefreshTokenHash = *refreshHash
	}
	_ = issuedByCode
	t.Scopes = stringsToScopes(scopes)
	return t, nil
}

// RotateRefreshToken runs inside one transaction: the old refresh token is
// revoked and the replacement pair inserted atomically, so a crash between
// the two never leaves a client without a usable token nor a refresh token
// valid twice (spec.md §4.6).
func (s *PostgresStore) RotateRefreshToken(ctx context.Context, oldRefreshHash string, next model.OAuthAccessToken) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var revokedAt *time.Time
	err = tx.QueryRow(ctx, `
		SELECT revoked_at FROM oauth_access_tokens WHERE refresh_token_hash = $1 FOR UPDATE`,
		oldRefreshHash).Scan(&revokedAt)
	if err != nil {
		return scanErr(err)
	}
	if revokedAt != nil {
		return ErrRevoked
	}

	if _, err := tx.Exec(ctx, `
		UPDATE oauth_access_tokens SET revoked_at = now() WHERE refresh_token_hash = $1`,
		oldRefreshHash); err != nil {
		return fmt.Errorf("revoke old refresh token: %w", err)
	}

	scopes := scopesToStrings(next.Scopes)
	if _, err := tx.Exec(ctx, `
		INSERT INTO oauth_access_tokens
			(access_token_hash, refresh_token_hash, scopes, audience, client_id, user_id,
			 connection_id, access_expires_at, refresh_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		next.AccessTokenHash, nullIfEmpty(next.RefreshTokenHash), scopes, next.Audience,
		next.ClientID, next.UserID, next.ConnectionID, next.AccessExpiresAt, next.RefreshExpiresAt,
	); err != nil {
		return fmt.Errorf("insert rotated token: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) RevokeToken(ctx context.Context, accessOrRefreshHash string) error {
	// Idempotent per spec.md §8: an unknown or already-revoked hash is
	// not an error, matching RFC 7009 revocation semantics.
	_, err := s.pool.Exec(ctx, `
		UPDATE oauth_access_tokens SET revoked_at = now()
		WHERE (access_token_hash = $1 OR refresh_token_hash = $1) AND revoked_at IS NULL`,
		accessOrRefreshHash)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM oauth_access_tokens
		WHERE (access_expires_at < $1 AND (refresh_expires_at IS NULL OR refresh_expires_at < $1))
		   OR (revoked_at IS NOT NULL AND revoked_at < $1)`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return ct.RowsAffected(), nil
}

// agentRow abstracts over pgx.Row and pgx.Rows, both of which satisfy Scan.
type agentRow interface {
	Scan(dest ...any) error
}

func scanAgent(row agentRow) (model.Agent, error) {
	return scanAgentRow(row)
}

func scanAgentRow(row agentRow) (model.Agent, error) {
	var a model.Agent
	var ownerUserID, licenseUUID, fingerprint *string
	var factsJSON []byte
	var osType, state, powerState string

	if err := row.Scan(
		&a.ID, &ownerUserID, &a.CustomerID, &a.MachineID, &licenseUUID, &fingerprint,
		&factsJSON, &osType, &state, &powerState, &a.IsOnline, &a.IsScreenLocked,
		&a.IsDuplicate, &a.CurrentTask, &a.PendingCommands, &a.FirstSeenAt,
		&a.LastSeenAt, &a.ActivatedAt, &a.BlockedAt, &a.DeactivatedAt,
	); err != nil {
		return model.Agent{}, err
	}

	if ownerUserID != nil {
		a.OwnerUserID = *ownerUserID
	}
	if licenseUUID != nil {
		a.LicenseUUID = *licenseUUID
	}
	if fingerprint != nil {
		a.Fingerprint = *fingerprint
	}
	a.OSType = model.OSType(osType)
	a.State = model.AgentState(state)
	a.PowerState = model.PowerState(powerState)

	if len(factsJSON) > 0 {
		if err := json.Unmarshal(factsJSON, &a.Facts); err != nil {
			return model.Agent{}, fmt.Errorf("unmarshal facts: %w", err)
		}
	}
	return a, nil
}

func scopesToStrings(scopes []model.Scope) []string {
	out := make([]string, len(scopes))
	for i, sc := range scopes {
		out[i] = string(sc)
	}
	return out
}

func stringsToScopes(ss []string) []model.Scope {
	out := make([]model.Scope, len(ss))
	for i, s := range ss {
		out[i] = model.Scope(s)
	}
	return out
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
