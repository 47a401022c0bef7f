package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loomhq/loom/internal/tools"
)

// DefaultListDepth bounds directory recursion unless the input overrides it.
const DefaultListDepth = 3

// ignoredDirs are never descended into. Matches the project-overview walker.
var ignoredDirs = map[string]struct{}{
	"node_modules": {}, "vendor": {}, ".git": {}, "__pycache__": {},
	"dist": {}, "build": {}, "target": {}, ".venv": {}, "venv": {},
	".next": {}, ".cache": {}, ".idea": {}, ".vscode": {},
}

// IsIgnoredDir reports whether a directory entry is skipped by the listing
// and project-overview walkers.
func IsIgnoredDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, ok := ignoredDirs[name]
	return ok
}

// ListTool lists directory contents to a bounded depth.
type ListTool struct{}

// NewListTool creates the list_files tool.
func NewListTool() *ListTool {
	return &ListTool{}
}

func (t *ListTool) Name() string { return "list_files" }

func (t *ListTool) Description() string {
	return "List files under a directory up to a bounded depth. Hidden and dependency directories are skipped."
}

func (t *ListTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalAlways }

type listInput struct {
	Path  string `json:"path" jsonschema:"description=Absolute path to the directory."`
	Depth int    `json:"depth,omitempty" jsonschema:"minimum=1,maximum=10,description=Maximum recursion depth (default 3)."`
}

func (t *ListTool) Schema() json.RawMessage { return tools.GenerateSchema(listInput{}) }

func (t *ListTool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	var input listInput
	if err := json.Unmarshal(inv.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if input.Depth <= 0 {
		input.Depth = DefaultListDepth
	}

	resolved, err := inv.Resolver.Resolve(input.Path)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return tools.Errorf("stat: %v", err), nil
	}
	if !info.IsDir() {
		return tools.Errorf("%s is not a directory", resolved), nil
	}

	var b strings.Builder
	b.WriteString(resolved)
	b.WriteString("\n")
	count := 0
	if err := listDir(resolved, "", input.Depth, &b, &count); err != nil {
		return tools.Errorf("list: %v", err), nil
	}
	fmt.Fprintf(&b, "\n%d entries\n", count)
	return &tools.Result{Content: b.String()}, nil
}

const maxListEntries = 2000

func listDir(dir, indent string, depth int, b *strings.Builder, count *int) error {
	if depth <= 0 || *count >= maxListEntries {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		// Directories first, then lexical.
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})
	for _, e := range entries {
		if *count >= maxListEntries {
			fmt.Fprintf(b, "%s[listing truncated at %d entries]\n", indent, maxListEntries)
			return nil
		}
		name := e.Name()
		if e.IsDir() {
			if IsIgnoredDir(name) {
				continue
			}
			*count++
			fmt.Fprintf(b, "%s%s/\n", indent, name)
			if err := listDir(filepath.Join(dir, name), indent+"  ", depth-1, b, count); err != nil {
				return err
			}
			continue
		}
		*count++
		fmt.Fprintf(b, "%s%s\n", indent, name)
	}
	return nil
}
