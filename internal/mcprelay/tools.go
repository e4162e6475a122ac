// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package mcprelay

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/hyper-ai-inc/fleetd/internal/model"
	"github.com/hyper-ai-inc/fleetd/internal/wsagent"
)

// toolSeparator joins an owning agent's hostname and a tool's bare name
// when namespacing is required (spec.md §4.7).
const toolSeparator = "__"

// namespacedTool is one entry of a tools/list response: a tool plus the
// agent that will actually execute it if called.
type namespacedTool struct {
	WireName    string
	BareName    string
	AgentID     string
	Hostname    string
	Description string
	InputSchema json.RawMessage
}

// aggregateTools unions the tools exported by ownerUserID's currently
// online, ACTIVE agents, namespacing a tool name with its owning
// agent's hostname only when more than one online agent offers the
// same bare name (spec.md §4.7). Only ACTIVE agents show up in
// tools/list: a blocked or not-yet-activated agent's tools shouldn't be
// advertised at all.
func (s *Server) aggregateTools(ctx context.Context, ownerUserID string) ([]namespacedTool, error) {
	return s.collectTools(ctx, ownerUserID, true)
}

// resolveToolCall finds the single agent that should execute wireName.
// Unlike aggregateTools, it does not filter by agent state: tools/call
// needs to see a non-ACTIVE agent's tools too, so handleToolsCall can
// report the precise agent_not_activated/screen_locked error rather than
// collapsing every non-dispatchable case into "tool not found".
func (s *Server) resolveToolCall(ctx context.Context, ownerUserID, wireName string) (namespacedTool, bool, error) {
	tools, err := s.collectTools(ctx, ownerUserID, false)
	if err != nil {
		return namespacedTool{}, false, err
	}
	for _, t := range tools {
		if t.WireName == wireName {
			return t, true, nil
		}
	}
	return namespacedTool{}, false, nil
}

func (s *Server) collectTools(ctx context.Context, ownerUserID string, activeOnly bool) ([]namespacedTool, error) {
	byName := make(map[string][]namespacedTool)
	for _, agentID := range s.registry.ListByOwner(ownerUserID) {
		sink, ok := s.registry.Lookup(agentID)
		if !ok {
			continue
		}
		conn, ok := sink.(wsagent.AgentConn)
		if !ok {
			continue
		}
		if activeOnly {
			agent, err := s.store.GetAgent(ctx, agentID)
			if err != nil || agent.State != model.AgentActive {
				continue
			}
		}
		for _, t := range conn.Tools() {
			byName[t.Name] = append(byName[t.Name], namespacedTool{
				BareName: t.Name, AgentID: agentID, Hostname: conn.Hostname(),
				Description: t.Description, InputSchema: json.RawMessage(t.InputSchema),
			})
		}
	}

	var out []namespacedTool
	for name, candidates := range byName {
		namespace := len(candidates) > 1
		for _, c := range candidates {
			c.WireName = name
			if namespace {
				c.WireName = c.Hostname + toolSeparator + name
			}
			out = append(out, c)
		}
	}
	return out, nil
}

// bareToolName strips an {agentHostname}__{toolName} prefix, used to
// evaluate the GUI tool policy against the tool's own name regardless
// of whether it was namespaced on the wire.
func bareToolName(wireName string) string {
	if i := strings.LastIndex(wireName, toolSeparator); i >= 0 {
		return wireName[i+len(toolSeparator):]
	}
	return wireName
}

// guiTools is the fixed set of tool names spec.md §4.7 says require an
// unlocked screen.
var guiTools = map[string]bool{
	"screenshot":    true,
	"click":         true,
	"typeText":      true,
	"pressKey":      true,
	"ocr":           true,
	"getUIElements": true,
}

func requiresUnlockedScreen(wireName string) bool {
	return guiTools[bareToolName(wireName)]
}
