// Package files provides the built-in filesystem tools: reading with
// structure and span modes, diff-capturing edits, directory listing, and
// regex search.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/loomhq/loom/internal/tools"
)

// MaxReadBytes caps one read_file response.
const MaxReadBytes = 400_000

// ReadTool reads a file in full, by line span, or as a structure outline.
type ReadTool struct{}

// NewReadTool creates the read_file tool.
func NewReadTool() *ReadTool {
	return &ReadTool{}
}

func (t *ReadTool) Name() string { return "read_file" }

func (t *ReadTool) Description() string {
	return "Read a file. mode=structure returns top-level declarations with line ranges; mode=span streams a line range; default reads the whole file up to the byte cap."
}

func (t *ReadTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalRules }

type readInput struct {
	Path      string `json:"path" jsonschema:"description=Absolute path to the file."`
	Mode      string `json:"mode,omitempty" jsonschema:"enum=full,enum=span,enum=structure,description=Read mode (default: full)."`
	StartLine int    `json:"start_line,omitempty" jsonschema:"minimum=1,description=First line for mode=span (1-based)."`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"minimum=1,description=Last line for mode=span (inclusive)."`
}

func (t *ReadTool) Schema() json.RawMessage { return tools.GenerateSchema(readInput{}) }

func (t *ReadTool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	var input readInput
	if err := json.Unmarshal(inv.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return tools.Errorf("path is required"), nil
	}

	resolved, err := inv.Resolver.Resolve(input.Path)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return tools.Errorf("read file: %v", err), nil
	}
	content := string(data)

	switch input.Mode {
	case "", "full":
		truncated := false
		if len(content) > MaxReadBytes {
			content = content[:MaxReadBytes]
			truncated = true
		}
		if truncated {
			content += fmt.Sprintf("\n[truncated at %d bytes, use mode=span to read further]", MaxReadBytes)
		}
		return &tools.Result{Content: content}, nil

	case "span":
		return t.span(content, input)

	case "structure":
		return structureResult(resolved, content)

	default:
		return tools.Errorf("unknown mode: %s", input.Mode), nil
	}
}

func (t *ReadTool) span(content string, input readInput) (*tools.Result, error) {
	if input.StartLine <= 0 {
		input.StartLine = 1
	}
	lines := strings.Split(content, "\n")
	if input.StartLine > len(lines) {
		return tools.Errorf("start_line %d beyond end of file (%d lines)", input.StartLine, len(lines)), nil
	}
	end := input.EndLine
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if end < input.StartLine {
		return tools.Errorf("end_line %d before start_line %d", end, input.StartLine), nil
	}

	var b strings.Builder
	for i := input.StartLine; i <= end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i, lines[i-1])
		if b.Len() > MaxReadBytes {
			fmt.Fprintf(&b, "[truncated at %d bytes]", MaxReadBytes)
			break
		}
	}
	return &tools.Result{Content: b.String()}, nil
}

func structureResult(path, content string) (*tools.Result, error) {
	langName, decls, err := Structure(path, content)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}
	out := map[string]any{
		"path":         path,
		"language":     langName,
		"declarations": decls,
		"total_lines":  strings.Count(content, "\n") + 1,
	}
	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return tools.Errorf("encode result: %v", err), nil
	}
	return &tools.Result{Content: string(payload)}, nil
}

// StructureTool exposes the outline as a standalone tool.
type StructureTool struct{}

// NewStructureTool creates the get_file_structure tool.
func NewStructureTool() *StructureTool {
	return &StructureTool{}
}

func (t *StructureTool) Name() string { return "get_file_structure" }

func (t *StructureTool) Description() string {
	return "Return the top-level declarations of a source file with their line ranges."
}

func (t *StructureTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalAlways }

type structureInput struct {
	Path string `json:"path" jsonschema:"description=Absolute path to the file."`
}

func (t *StructureTool) Schema() json.RawMessage { return tools.GenerateSchema(structureInput{}) }

func (t *StructureTool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	var input structureInput
	if err := json.Unmarshal(inv.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	resolved, err := inv.Resolver.Resolve(input.Path)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return tools.Errorf("read file: %v", err), nil
	}
	return structureResult(resolved, string(data))
}
