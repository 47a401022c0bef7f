package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomhq/loom/internal/pathutil"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

func testInvocation(t *testing.T, root string, input any) *tools.Invocation {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatal(err)
	}
	return &tools.Invocation{
		Input:    raw,
		Resolver: &pathutil.Resolver{Root: root},
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestReadFull(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "main.go")
	writeFile(t, path, "package main\n")

	res, err := NewReadTool().Execute(context.Background(), testInvocation(t, root, map[string]any{"path": path}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.IsError || res.Content != "package main\n" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestReadSpan(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "f.txt")
	writeFile(t, path, "one\ntwo\nthree\nfour\n")

	res, err := NewReadTool().Execute(context.Background(), testInvocation(t, root, map[string]any{
		"path": path, "mode": "span", "start_line": 2, "end_line": 3,
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("error result: %s", res.Content)
	}
	if !strings.Contains(res.Content, "two") || !strings.Contains(res.Content, "three") {
		t.Errorf("span missing lines: %q", res.Content)
	}
	if strings.Contains(res.Content, "one") || strings.Contains(res.Content, "four") {
		t.Errorf("span leaked lines outside range: %q", res.Content)
	}
}

func TestReadStructureGo(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "svc.go")
	writeFile(t, path, `package svc

type Server struct{}

func NewServer() *Server { return &Server{} }

func (s *Server) Run() error {
	return nil
}
`)

	res, err := NewReadTool().Execute(context.Background(), testInvocation(t, root, map[string]any{
		"path": path, "mode": "structure",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("error result: %s", res.Content)
	}
	var out struct {
		Language     string        `json:"language"`
		Declarations []Declaration `json:"declarations"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("structure output not JSON: %v", err)
	}
	if out.Language != "Go" {
		t.Errorf("language = %s", out.Language)
	}
	names := make(map[string]Declaration)
	for _, d := range out.Declarations {
		names[d.Name] = d
	}
	if _, ok := names["Server"]; !ok {
		t.Error("type Server not found")
	}
	if d, ok := names["NewServer"]; !ok || d.StartLine != 5 {
		t.Errorf("NewServer: %+v", d)
	}
	if d, ok := names["Run"]; !ok || d.EndLine < d.StartLine {
		t.Errorf("Run range invalid: %+v", d)
	}
}

func TestStructureLanguageSpread(t *testing.T) {
	cases := []struct {
		file    string
		content string
		want    string
	}{
		{"app.py", "def handler(event):\n    pass\n", "handler"},
		{"lib.rs", "pub fn encode(v: u8) -> u8 { v }\n", "encode"},
		{"util.ts", "export function parse(s: string) {}\n", "parse"},
		{"Main.java", "public class Main {\n}\n", "Main"},
		{"script.sh", "deploy() {\n  true\n}\n", "deploy"},
		{"schema.sql", "CREATE TABLE users (id INT);\n", "users"},
		{"main.tf", `resource "aws_s3_bucket" "assets" {}` + "\n", "assets"},
		{"Makefile", "build:\n\tgo build ./...\n", "build"},
	}
	for _, tc := range cases {
		_, decls, err := Structure(tc.file, tc.content)
		if err != nil {
			t.Errorf("%s: %v", tc.file, err)
			continue
		}
		found := false
		for _, d := range decls {
			if d.Name == tc.want {
				found = true
			}
		}
		if !found {
			t.Errorf("%s: declaration %q not found in %+v", tc.file, tc.want, decls)
		}
	}
}

func TestEditCreateAndModify(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "notes.txt")
	tool := NewEditTool()

	res, err := tool.Execute(context.Background(), testInvocation(t, root, map[string]any{
		"path": path, "content": "hello\n",
	}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.IsError || len(res.FileEdits) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	fe := res.FileEdits[0]
	if fe.Action != models.FileCreated || fe.Original != nil {
		t.Errorf("create edit: %+v", fe)
	}

	res, err = tool.Execute(context.Background(), testInvocation(t, root, map[string]any{
		"path": path, "old_string": "hello", "new_string": "goodbye",
	}))
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if res.IsError {
		t.Fatalf("error result: %s", res.Content)
	}
	fe = res.FileEdits[0]
	if fe.Action != models.FileModified || fe.Original == nil || *fe.Original != "hello\n" {
		t.Errorf("modify edit: %+v", fe)
	}
	if !strings.Contains(fe.Diff, "-hello") || !strings.Contains(fe.Diff, "+goodbye") {
		t.Errorf("diff missing change: %q", fe.Diff)
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != "goodbye\n" {
		t.Errorf("file content after edit: %q %v", data, err)
	}
}

func TestEditAmbiguousOldString(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "dup.txt")
	writeFile(t, path, "x\nx\n")

	res, err := NewEditTool().Execute(context.Background(), testInvocation(t, root, map[string]any{
		"path": path, "old_string": "x", "new_string": "y",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError {
		t.Error("ambiguous old_string should fail")
	}
}

func TestEditDelete(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.txt")
	writeFile(t, path, "bye\n")

	res, err := NewEditTool().Execute(context.Background(), testInvocation(t, root, map[string]any{
		"path": path, "delete": true,
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.IsError || res.FileEdits[0].Action != models.FileDeleted {
		t.Errorf("unexpected result: %+v", res)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file still exists after delete")
	}
}

func TestEditRejectsPathOutsideRoot(t *testing.T) {
	root := t.TempDir()
	res, err := NewEditTool().Execute(context.Background(), testInvocation(t, root, map[string]any{
		"path": "/etc/hosts", "content": "x",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError {
		t.Error("edit outside root should fail")
	}
}

func TestListFilesSkipsVendorDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "main.go"), "package main\n")
	writeFile(t, filepath.Join(root, "node_modules", "x", "index.js"), "x\n")
	writeFile(t, filepath.Join(root, "internal", "svc", "svc.go"), "package svc\n")

	res, err := NewListTool().Execute(context.Background(), testInvocation(t, root, map[string]any{"path": root}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("error result: %s", res.Content)
	}
	if strings.Contains(res.Content, "node_modules") {
		t.Error("vendor dir listed")
	}
	if !strings.Contains(res.Content, "svc.go") {
		t.Error("nested file missing")
	}
}

func TestListFilesDepthBound(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "b", "c", "deep.txt"), "x\n")

	res, err := NewListTool().Execute(context.Background(), testInvocation(t, root, map[string]any{
		"path": root, "depth": 2,
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.Contains(res.Content, "deep.txt") {
		t.Error("depth bound not applied")
	}
	if !strings.Contains(res.Content, "b/") {
		t.Error("second level missing")
	}
}

func TestGrepGroupsByFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.go"), "var ErrBad = errors.New(\"bad\")\nvar x = 1\n")
	writeFile(t, filepath.Join(root, "b.go"), "return ErrBad\n")

	res, err := NewGrepTool().Execute(context.Background(), testInvocation(t, root, map[string]any{
		"pattern": "ErrBad", "path": root,
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("error result: %s", res.Content)
	}
	if !strings.Contains(res.Content, "a.go:") || !strings.Contains(res.Content, "b.go:") {
		t.Errorf("matches not grouped by file: %q", res.Content)
	}
	if !strings.Contains(res.Content, "1: ") {
		t.Errorf("line numbers missing: %q", res.Content)
	}
}

func TestGrepMaxResults(t *testing.T) {
	root := t.TempDir()
	var b strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "needle %d\n", i)
	}
	writeFile(t, filepath.Join(root, "big.txt"), b.String())

	res, err := NewGrepTool().Execute(context.Background(), testInvocation(t, root, map[string]any{
		"pattern": "needle", "path": root, "max_results": 10,
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(res.Content, "[stopped at 10 matches]") {
		t.Errorf("result cap marker missing: %q", res.Content)
	}
}

func TestGeneratedSchemasValidateInput(t *testing.T) {
	cases := []struct {
		tool tools.Tool
		good string
		bad  string
	}{
		{NewReadTool(), `{"path":"/p/a.go","mode":"span","start_line":1}`, `{"path":"/p/a.go","mode":"sideways"}`},
		{NewEditTool(), `{"path":"/p/a.go","content":"x"}`, `{"content":"x"}`},
		{NewListTool(), `{"path":"/p","depth":2}`, `{"path":"/p","depth":0}`},
		{NewGrepTool(), `{"pattern":"x","path":"/p"}`, `{"pattern":"x"}`},
	}
	for _, tc := range cases {
		schema := tc.tool.Schema()
		if err := tools.ValidateInput(schema, json.RawMessage(tc.good)); err != nil {
			t.Errorf("%s: valid input rejected: %v", tc.tool.Name(), err)
		}
		if err := tools.ValidateInput(schema, json.RawMessage(tc.bad)); err == nil {
			t.Errorf("%s: invalid input %s accepted", tc.tool.Name(), tc.bad)
		}
	}
}
