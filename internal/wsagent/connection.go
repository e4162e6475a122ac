// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package wsagent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hyper-ai-inc/fleetd/internal/model"
	"github.com/hyper-ai-inc/fleetd/internal/registry"
)

// AgentConn is the capability the MCP Relay (C7) needs from a live
// agent connection beyond plain registry.Sink: its identity, its
// advertised tools, and the ability to wait for a correlated response.
// *Connection satisfies it; the relay type-asserts registry.Sink values
// looked up from the registry against this interface rather than
// importing wsagent's concrete type.
type AgentConn interface {
	registry.Sink
	AgentID() string
	Tools() []model.Tool
	SendRequest(ctx context.Context, requestID, method string, params json.RawMessage) (json.RawMessage, *FrameErrorBody, error)
}

var _ AgentConn = (*Connection)(nil)

// mailboxSize bounds how many outbound frames can queue for an agent
// before Send reports backpressure to its caller (spec.md §4.7).
const mailboxSize = 64

// writeWait bounds a single frame write so one slow socket can't wedge
// the writer pump forever.
const writeWait = 10 * time.Second

var (
	errMailboxFull      = errors.New("wsagent: mailbox full")
	errConnectionClosed = errors.New("wsagent: connection closed")
)

// ErrMailboxFull is errMailboxFull under an exported name, so the MCP
// relay (C7) can recognize backpressure from SendRequest/Send without
// importing an unexported identifier.
var ErrMailboxFull = errMailboxFull

// ErrConnectionClosed is errConnectionClosed under an exported name.
var ErrConnectionClosed = errConnectionClosed

// pendingRequest is one outstanding request/response correlation, keyed
// by server-generated requestId in Connection.pending.
type pendingRequest struct {
	resultCh chan responseFrame
}

// Connection is one live agent WebSocket. It implements registry.Sink so
// C3 and C7 can address this agent without knowing about gorilla's
// *websocket.Conn. Reads and writes are owned by separate pump
// goroutines communicating only through the mailbox channel, mirroring
// the teacher's Hub pattern generalized from fan-out-to-many-clients to
// a single agent socket with a request/response waiter map layered on
// top.
type Connection struct {
	conn   *websocket.Conn
	logger *zap.Logger

	agentID     string
	ownerUserID string
	hostname    string
	tools       []model.Tool

	mailbox chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func newConnection(conn *websocket.Conn, logger *zap.Logger, agentID, ownerUserID, hostname string, tools []model.Tool) *Connection {
	return &Connection{
		conn:        conn,
		logger:      logger,
		agentID:     agentID,
		ownerUserID: ownerUserID,
		hostname:    hostname,
		tools:       tools,
		mailbox:     make(chan []byte, mailboxSize),
		closed:      make(chan struct{}),
		pending:     make(map[string]*pendingRequest),
	}
}

// Send enqueues a frame for the writer pump. It never blocks: a full
// mailbox is the caller's signal to report agent_busy (spec.md §4.7).
func (c *Connection) Send(frame []byte) error {
	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}
	select {
	case c.mailbox <- frame:
		return nil
	default:
		return errMailboxFull
	}
}

// OwnerUserID implements registry.Sink.
func (c *Connection) OwnerUserID() string { return c.ownerUserID }

// Hostname implements registry.Sink.
func (c *Connection) Hostname() string { return c.hostname }

// AgentID identifies this connection's Agent row.
func (c *Connection) AgentID() string { return c.agentID }

// Tools returns the tool descriptors this agent advertised at REGISTER
// time, consumed by the MCP relay's tools/list aggregation (spec.md
// §4.7).
func (c *Connection) Tools() []model.Tool { return c.tools }

// Close implements registry.Sink. Safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close()
}

// SendRequest dispatches a request frame to the agent and blocks until a
// matching response arrives, the connection closes, or ctx is done
// (the caller — the MCP relay, C7 — supplies the per-command deadline
// via ctx so the timeout surfaces as gateway_timeout there, not here).
func (c *Connection) SendRequest(ctx context.Context, requestID, method string, params json.RawMessage) (json.RawMessage, *frameErrorBody, error) {
	result := make(chan responseFrame, 1)
	c.mu.Lock()
	c.pending[requestID] = &pendingRequest{resultCh: result}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	frame := requestFrame{Type: frameRequest, RequestID: requestID, Method: method, Params: params}
	if err := c.Send(marshal(frame)); err != nil {
		return nil, nil, err
	}

	select {
	case resp := <-result:
		return resp.Result, resp.Error, nil
	case <-c.closed:
		return nil, nil, errConnectionClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// deliverResponse correlates an inbound response frame against the
// outstanding request map. A response with no matching requestId (late
// arrival past the caller's timeout, or a forged id) is silently
// dropped.
func (c *Connection) deliverResponse(resp responseFrame) {
	c.mu.Lock()
	p, ok := c.pending[resp.RequestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.resultCh <- resp:
	default:
	}
}

// writePump drains the mailbox to the socket. It is the only goroutine
// that ever calls conn.WriteMessage, so no two writers can interleave
// frames (spec.md §4.4 ordering guarantee).
func (c *Connection) writePump() {
	for {
		select {
		case frame, ok := <-c.mailbox:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("agent write failed", zap.String("agentId", c.agentID), zap.Error(err))
				return
			}
		case <-c.closed:
			return
		}
	}
}
