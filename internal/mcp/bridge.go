package mcp

import (
	"context"
	"encoding/json"

	"github.com/loomhq/loom/internal/tools"
)

// serverTool adapts one remote tool to the local tool contract. Remote tools
// always require manual approval; nothing is known about their side effects.
type serverTool struct {
	client *Client
	def    *ToolDef
}

func (t *serverTool) Name() string {
	return tools.MCPToolName(t.client.Config().ID, t.def.Name)
}

func (t *serverTool) Description() string {
	return t.def.Description
}

func (t *serverTool) ApprovalPolicy() tools.ApprovalPolicy {
	return tools.ApprovalManual
}

func (t *serverTool) Schema() json.RawMessage {
	if len(t.def.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return t.def.InputSchema
}

func (t *serverTool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	result, err := t.client.CallTool(ctx, t.def.Name, inv.Input)
	if err != nil {
		return tools.Errorf("mcp call failed: %v", err), nil
	}
	return &tools.Result{Content: result.Text(), IsError: result.IsError}, nil
}

// BridgeTools wraps a client's cached tool definitions as local tools.
func BridgeTools(client *Client) []tools.Tool {
	defs := client.Tools()
	bridged := make([]tools.Tool, 0, len(defs))
	for _, def := range defs {
		bridged = append(bridged, &serverTool{client: client, def: def})
	}
	return bridged
}
