// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package mcprelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hyper-ai-inc/fleetd/internal/audit"
	"github.com/hyper-ai-inc/fleetd/internal/config"
	"github.com/hyper-ai-inc/fleetd/internal/metrics"
	"github.com/hyper-ai-inc/fleetd/internal/model"
	"github.com/hyper-ai-inc/fleetd/internal/ratelimit"
	"github.com/hyper-ai-inc/fleetd/internal/registry"
	"github.com/hyper-ai-inc/fleetd/internal/store"
	"github.com/hyper-ai-inc/fleetd/internal/wsagent"
)

const sessionHeader = "Mcp-Session-Id"
const lastEventHeader = "Last-Event-ID"

// Server is the MCP Relay (spec.md §4.7, C7): it fronts every tenant's
// `/mcp/{endpointUuid}` endpoint, translating JSON-RPC tool calls into
// agent commands dispatched through the registry (C3).
type Server struct {
	store    store.Store
	registry registry.AgentRegistry
	cfg      config.Config
	logger   *zap.Logger
	auditor  *audit.Logger
	sessions *sessionManager

	// ipLimiter bounds unauthenticated traffic per source IP; connLimiter
	// bounds authenticated traffic per MCP connection (spec.md §4.8: 20
	// and 100/min respectively, a fixed 1:5 ratio of the configured
	// per-connection rate).
	ipLimiter   *ratelimit.Limiter
	connLimiter *ratelimit.Limiter
}

// NewServer constructs a Server. auditor may be nil in tests that don't
// care about C8's structured audit trail.
func NewServer(s store.Store, reg registry.AgentRegistry, cfg config.Config, logger *zap.Logger, auditor *audit.Logger) *Server {
	return &Server{
		store: s, registry: reg, cfg: cfg, logger: logger, auditor: auditor,
		sessions:    newSessionManager(cfg.SSEBufferEvents, 5*time.Minute),
		ipLimiter:   ratelimit.New(cfg.RateLimitMCPPerMin/5, time.Minute),
		connLimiter: ratelimit.New(cfg.RateLimitMCPPerMin, time.Minute),
	}
}

// auditAuthFailure feeds C8's audit channel on a rejected bearer token.
func (s *Server) auditAuthFailure(ctx context.Context, endpointUUID string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, audit.Record{
		Kind:   audit.KindAuthFailure,
		Fields: []zap.Field{zap.String("endpointUuid", endpointUUID)},
	})
}

// Routes registers the relay's single path onto r.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/mcp/{endpointUuid}", s.serveMCP).Methods(http.MethodPost, http.MethodGet)
}

// serveMCP applies the two buckets of spec.md §4.8: an unauthenticated
// request (no/invalid/expired/wrong-audience bearer token) is throttled
// per source IP, while an authenticated request is throttled per MCP
// connection instead — a single busy tenant on one IP should not be
// bounded by the much stricter unauthenticated-traffic limit.
func (s *Server) serveMCP(w http.ResponseWriter, r *http.Request) {
	endpointUUID := mux.Vars(r)["endpointUuid"]
	conn, err := s.store.GetMcpConnectionByEndpoint(r.Context(), endpointUUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if conn.Status != model.ConnectionActive {
		http.NotFound(w, r)
		return
	}

	token, err := s.authenticate(r, endpointUUID)
	if err != nil {
		s.auditAuthFailure(r.Context(), endpointUUID)
		if !s.ipLimiter.Allow(ratelimit.ClientIP(r)) {
			metrics.RateLimitRejectionsTotal.WithLabelValues("mcp_ip").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(s.ipLimiter.RetryAfter().Seconds())))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		writeProtectedResourceChallenge(w, s.cfg.AuthIssuerURL, endpointUUID)
		return
	}

	if !s.connLimiter.Allow(conn.ID) {
		metrics.RateLimitRejectionsTotal.WithLabelValues("mcp_connection").Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(s.connLimiter.RetryAfter().Seconds())))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if r.Method == http.MethodGet {
		s.serveSSE(w, r, token)
		return
	}
	s.serveRPC(w, r, conn, token)
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request, conn model.McpConnection, token model.OAuthAccessToken) {
	sessionID := r.Header.Get(sessionHeader)
	_, sessionID = s.sessions.getOrCreate(sessionID)
	w.Header().Set(sessionHeader, sessionID)

	var req jsonrpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeRPC(w, errorResponse(nil, codeParseError, "malformed JSON-RPC request"))
		return
	}

	start := time.Now()
	resp := s.dispatch(r.Context(), req, conn, token)
	resp.ID = req.ID

	success := resp.Error == nil
	errCode := ""
	if resp.Error != nil {
		errCode = strconv.Itoa(resp.Error.Code)
	}
	duration := time.Since(start)
	_ = s.store.LogMcpRequest(r.Context(), model.McpRequestLogEntry{
		ID: uuid.NewString(), ConnectionID: conn.ID, Method: req.Method,
		DurationMS: duration.Milliseconds(), Success: success,
		ErrorCode: errCode, IP: clientIP(r), CreatedAt: time.Now(),
	})
	metrics.ObserveMCPRequest(req.Method, success, duration)

	s.writeRPC(w, resp)
}

func (s *Server) dispatch(ctx context.Context, req jsonrpcRequest, conn model.McpConnection, token model.OAuthAccessToken) jsonrpcResponse {
	if !token.HasScope(model.ScopeTools) && (req.Method == "tools/list" || req.Method == "tools/call") {
		return errorResponse(req.ID, codeAuthorization, "token does not carry mcp:tools scope")
	}

	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, initializeResult())
	case "tools/list":
		return s.handleToolsList(ctx, conn.UserID, req.ID)
	case "tools/call":
		return s.handleToolsCall(ctx, conn, token, req.ID, req.Params)
	case "resources/list":
		return resultResponse(req.ID, map[string]any{"resources": []any{}})
	case "prompts/list":
		return resultResponse(req.ID, map[string]any{"prompts": []any{}})
	default:
		return errorResponse(req.ID, codeMethodNotFound, "unknown method "+req.Method)
	}
}

func initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{"listChanged": false},
			"prompts":   map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{"name": "fleetd", "version": "1"},
	}
}

func (s *Server) handleToolsList(ctx context.Context, ownerUserID string, id json.RawMessage) jsonrpcResponse {
	tools, err := s.aggregateTools(ctx, ownerUserID)
	if err != nil {
		return errorResponse(id, codeInternal, "could not list tools")
	}
	wire := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		wire = append(wire, map[string]any{
			"name":        t.WireName,
			"description": t.Description,
			"inputSchema": json.RawMessage(t.InputSchema),
		})
	}
	return resultResponse(id, map[string]any{"tools": wire})
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolsCall(ctx context.Context, conn model.McpConnection, token model.OAuthAccessToken, id json.RawMessage, raw json.RawMessage) jsonrpcResponse {
	var params toolCallParams
	if err := json.Unmarshal(raw, &params); err != nil || params.Name == "" {
		return errorResponse(id, codeInvalidParams, "tools/call requires a tool name")
	}

	tool, found, err := s.resolveToolCall(ctx, conn.UserID, params.Name)
	if err != nil {
		return errorResponse(id, codeInternal, "could not resolve tool")
	}
	if !found {
		return errorResponse(id, codeMethodNotFound, "no online agent exports tool "+params.Name)
	}

	agent, err := s.store.GetAgent(ctx, tool.AgentID)
	if err != nil {
		return errorResponse(id, codeAgentOffline, "agent no longer registered")
	}
	if agent.State != model.AgentActive {
		return errorResponse(id, codeAgentNotActivated, "agent is not activated")
	}
	if requiresUnlockedScreen(params.Name) && agent.IsScreenLocked {
		return errorResponse(id, codeScreenLocked, "agent's screen is locked")
	}

	sink, ok := s.registry.Lookup(tool.AgentID)
	if !ok {
		return errorResponse(id, codeAgentOffline, "agent is offline")
	}
	agentConn, ok := sink.(wsagent.AgentConn)
	if !ok {
		return errorResponse(id, codeInternal, "agent connection does not support requests")
	}

	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	requestID := uuid.NewString()
	result, agentErr, err := agentConn.SendRequest(reqCtx, requestID, tool.BareName, params.Arguments)
	duration := time.Since(start).Milliseconds()

	var logErr error
	var resp jsonrpcResponse
	switch {
	case errors.Is(err, wsagent.ErrMailboxFull):
		resp = errorResponse(id, codeAgentBusy, "agent's command queue is full")
		logErr = err
	case errors.Is(err, context.DeadlineExceeded):
		resp = errorResponse(id, codeGatewayTimeout, "agent did not respond in time")
		logErr = err
	case errors.Is(err, wsagent.ErrConnectionClosed):
		resp = errorResponse(id, codeAgentOffline, "agent disconnected mid-request")
		logErr = err
	case err != nil:
		resp = errorResponse(id, codeInternal, "could not dispatch command to agent")
		logErr = err
	case agentErr != nil:
		resp = errorResponse(id, codeAgentError, agentErr.Message)
	default:
		resp = resultResponse(id, json.RawMessage(result))
	}

	errCode := ""
	if resp.Error != nil {
		errCode = strconv.Itoa(resp.Error.Code)
	}
	_ = s.store.LogCommand(ctx, model.CommandLogEntry{
		ID: requestID, AgentID: tool.AgentID, Method: "tools/call", Tool: tool.BareName,
		DurationMS: duration, Success: resp.Error == nil, ErrorCode: errCode, CreatedAt: time.Now(),
	})
	metrics.ObserveCommandDispatch(tool.BareName, resp.Error == nil, time.Since(start))
	if logErr != nil {
		s.logger.Debug("tool dispatch failed", zap.String("agentId", tool.AgentID), zap.String("tool", tool.BareName), zap.Error(logErr))
	}
	return resp
}

func (s *Server) writeRPC(w http.ResponseWriter, resp jsonrpcResponse) {
	resp.JSONRPC = "2.0"
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// serveSSE implements the GET side of the relay: it assigns or resumes an
// Mcp-Session-Id, replays anything buffered since Last-Event-ID, and ends
// the stream once replay is exhausted. v1 has no live notification
// producer (tools/call responses are returned synchronously on the POST
// side), so there is nothing to keep the connection open for beyond replay.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, token model.OAuthAccessToken) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	sess, sessionID := s.sessions.getOrCreate(sessionID)

	var sinceID int64
	if raw := r.Header.Get(lastEventHeader); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			sinceID = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(sessionHeader, sessionID)
	w.WriteHeader(http.StatusOK)

	events, ok := sess.replay(sinceID)
	if !ok {
		fmt.Fprintf(w, "event: session-reset\ndata: {}\n\n")
		flusher.Flush()
		return
	}
	for _, ev := range events {
		fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.ID, ev.Data)
	}
	flusher.Flush()
}
