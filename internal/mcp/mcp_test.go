package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/tools"
)

// fakeServer answers initialize, tools/list, and tools/call over HTTP.
type fakeServer struct {
	calls atomic.Int64
}

func (s *fakeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "initialize":
			resp.Result = mustMarshal(map[string]any{
				"protocolVersion": protocolVersion,
				"serverInfo":      map[string]any{"name": "fake", "version": "0.1"},
			})
		case "tools/list":
			resp.Result = mustMarshal(map[string]any{
				"tools": []map[string]any{
					{
						"name":        "lookup",
						"description": "Look something up.",
						"inputSchema": map[string]any{"type": "object"},
					},
				},
			})
		case "tools/call":
			s.calls.Add(1)
			var params callToolParams
			json.Unmarshal(req.Params, &params)
			resp.Result = mustMarshal(map[string]any{
				"content": []map[string]any{
					{"type": "text", "text": "result for " + params.Name},
				},
			})
		default:
			resp.Error = &rpcError{Code: -32601, Message: "method not found"}
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func TestServerConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"valid stdio", ServerConfig{ID: "fs", Transport: TransportStdio, Command: "mcp-fs"}, false},
		{"missing id", ServerConfig{Transport: TransportStdio, Command: "x"}, true},
		{"missing command", ServerConfig{ID: "fs", Transport: TransportStdio}, true},
		{"traversal command", ServerConfig{ID: "fs", Transport: TransportStdio, Command: "../../bin/sh"}, true},
		{"shell metachars in args", ServerConfig{ID: "fs", Transport: TransportStdio, Command: "mcp-fs", Args: []string{"a; rm -rf /"}}, true},
		{"valid http", ServerConfig{ID: "web", Transport: TransportHTTP, URL: "https://example.com/mcp"}, false},
		{"http without scheme", ServerConfig{ID: "web", Transport: TransportHTTP, URL: "example.com"}, true},
		{"valid sse", ServerConfig{ID: "ev", Transport: TransportSSE, URL: "http://localhost:9000/sse"}, false},
		{"sse missing url", ServerConfig{ID: "ev", Transport: TransportSSE}, true},
		{"unknown transport", ServerConfig{ID: "x", Transport: "grpc"}, true},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr = %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestClientConnectAndCall(t *testing.T) {
	fake := &fakeServer{}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	client := NewClient(&ServerConfig{ID: "fake", Transport: TransportHTTP, URL: server.URL}, nil)
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if info := client.ServerInfo(); info.Name != "fake" {
		t.Errorf("server info: %+v", info)
	}
	defs := client.Tools()
	if len(defs) != 1 || defs[0].Name != "lookup" {
		t.Fatalf("tools: %+v", defs)
	}

	result, err := client.CallTool(ctx, "lookup", json.RawMessage(`{"q":"x"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result.Text() != "result for lookup" {
		t.Errorf("result: %+v", result)
	}
}

func TestClientToolCacheSurvivesDisconnect(t *testing.T) {
	fake := &fakeServer{}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	client := NewClient(&ServerConfig{ID: "fake", Transport: TransportHTTP, URL: server.URL}, nil)
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	client.Close()

	if client.Connected() {
		t.Fatal("still connected after close")
	}
	if defs := client.Tools(); len(defs) != 1 {
		t.Errorf("cache lost on disconnect: %+v", defs)
	}

	// A call after disconnect reconnects lazily.
	result, err := client.CallTool(ctx, "lookup", nil)
	if err != nil {
		t.Fatalf("call after disconnect: %v", err)
	}
	if result.Text() != "result for lookup" {
		t.Errorf("result: %+v", result)
	}
	if !client.Connected() {
		t.Error("client did not reconnect")
	}
}

func TestManagerBridgesToolsIntoRegistry(t *testing.T) {
	fake := &fakeServer{}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	registry := tools.NewRegistry()
	manager := NewManager(&Config{
		Enabled: true,
		Servers: []*ServerConfig{
			{ID: "fake", Transport: TransportHTTP, URL: server.URL, AutoStart: true},
		},
	}, registry, nil)
	defer manager.Stop()

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	name := tools.MCPToolName("fake", "lookup")
	tool, ok := registry.Get(name)
	if !ok {
		t.Fatal("bridged tool not registered")
	}
	if tool.ApprovalPolicy() != tools.ApprovalManual {
		t.Errorf("bridged tool policy = %s", tool.ApprovalPolicy())
	}

	res, err := registry.Execute(context.Background(), name, &tools.Invocation{Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.IsError || res.Content != "result for lookup" {
		t.Errorf("result: %+v", res)
	}
	if fake.calls.Load() != 1 {
		t.Errorf("remote called %d times", fake.calls.Load())
	}

	statuses := manager.Status()
	if len(statuses) != 1 || !statuses[0].Connected || statuses[0].Tools != 1 {
		t.Errorf("status: %+v", statuses)
	}
}

func TestSSETransportCall(t *testing.T) {
	responses := make(chan string, 10)
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("no flusher")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: endpoint\ndata: /message\n\n")
		flusher.Flush()
		for {
			select {
			case msg := <-responses:
				fmt.Fprintf(w, "data: %s\n\n", msg)
				flusher.Flush()
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Second):
				return
			}
		}
	})
	mux.HandleFunc("/message", func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		if req.ID == nil {
			return
		}
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: mustMarshal(map[string]any{"ok": true})}
		raw, _ := json.Marshal(resp)
		responses <- string(raw)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	transport := newSSETransport(&ServerConfig{
		ID:        "ev",
		Transport: TransportSSE,
		URL:       server.URL + "/sse",
		Timeout:   3 * time.Second,
	})
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer transport.Close()

	result, err := transport.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(string(result), `"ok":true`) {
		t.Errorf("result: %s", result)
	}
}

func TestStdioTransportRoundTrip(t *testing.T) {
	// A tiny line-oriented responder: answers every request id with a fixed
	// result object.
	script := `while read line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  if [ -n "$id" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{"pong":true}}\n' "$id"
  fi
done`
	transport := newStdioTransport(&ServerConfig{
		ID:        "echo",
		Transport: TransportStdio,
		Command:   "sh",
		Args:      []string{"-c", script},
		Timeout:   3 * time.Second,
	})
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer transport.Close()

	result, err := transport.Call(context.Background(), "ping", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(string(result), `"pong":true`) {
		t.Errorf("result: %s", result)
	}
}
