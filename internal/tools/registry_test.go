package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeTool struct {
	name   string
	schema json.RawMessage
	policy ApprovalPolicy
	runs   int
}

func (f *fakeTool) Name() string                   { return f.name }
func (f *fakeTool) Description() string            { return "fake" }
func (f *fakeTool) ApprovalPolicy() ApprovalPolicy { return f.policy }

func (f *fakeTool) Schema() json.RawMessage {
	if f.schema != nil {
		return f.schema
	}
	return json.RawMessage(`{"type":"object"}`)
}

func (f *fakeTool) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	f.runs++
	return &Result{Content: "ok from " + f.name}, nil
}

func TestRegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	tool := &fakeTool{name: "read_file", policy: ApprovalRules}
	r.Register(tool)

	res, err := r.Execute(context.Background(), "read_file", &Invocation{Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.IsError || res.Content != "ok from read_file" {
		t.Errorf("unexpected result: %+v", res)
	}
	if tool.runs != 1 {
		t.Errorf("tool ran %d times", tool.runs)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "nope", &Invocation{})
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got %v", err)
	}
}

func TestSchemaValidationRejectsBadInput(t *testing.T) {
	r := NewRegistry()
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)
	tool := &fakeTool{name: "read_file", schema: schema}
	r.Register(tool)

	res, err := r.Execute(context.Background(), "read_file", &Invocation{Input: json.RawMessage(`{"path": 42}`)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError {
		t.Error("expected validation error result")
	}
	if tool.runs != 0 {
		t.Error("tool should not run on invalid input")
	}
}

func TestReplaceServerToolsPreservesBuiltins(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "read_file"})
	r.Register(&fakeTool{name: MCPToolName("srv1", "old")})
	r.Register(&fakeTool{name: MCPToolName("srv2", "other")})

	r.ReplaceServerTools("srv1", []Tool{
		&fakeTool{name: MCPToolName("srv1", "new")},
	})

	if _, ok := r.Get("read_file"); !ok {
		t.Error("builtin removed by MCP refresh")
	}
	if _, ok := r.Get(MCPToolName("srv2", "other")); !ok {
		t.Error("other server's tool removed")
	}
	if _, ok := r.Get(MCPToolName("srv1", "old")); ok {
		t.Error("stale server tool survived refresh")
	}
	if _, ok := r.Get(MCPToolName("srv1", "new")); !ok {
		t.Error("refreshed tool not registered")
	}
}

func TestGenerateSchemaFromStruct(t *testing.T) {
	type input struct {
		Path  string `json:"path" jsonschema:"description=Absolute file path"`
		Limit int    `json:"limit,omitempty"`
	}
	raw := GenerateSchema(&input{})

	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatalf("schema not valid JSON: %v", err)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %s", raw)
	}
	if _, ok := props["path"]; !ok {
		t.Error("path missing from generated schema")
	}

	// Generated schema must validate its own struct round-trip.
	if err := ValidateInput(raw, json.RawMessage(`{"path":"/tmp/a","limit":3}`)); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}
	if err := ValidateInput(raw, json.RawMessage(`{"limit":3}`)); err == nil {
		t.Error("missing required path accepted")
	}
}
