package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// EditTool mutates a file and reports the edit with a unified-style diff and
// the pre-edit content so the executor can snapshot it for revert.
type EditTool struct{}

// NewEditTool creates the edit_file tool.
func NewEditTool() *EditTool {
	return &EditTool{}
}

func (t *EditTool) Name() string { return "edit_file" }

func (t *EditTool) Description() string {
	return "Create, modify, or delete a file. Provide content to write the whole file, old_string/new_string for a targeted replacement, or delete=true to remove it."
}

func (t *EditTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalRules }

type editInput struct {
	Path      string `json:"path" jsonschema:"description=Absolute path to the file."`
	Content   string `json:"content,omitempty" jsonschema:"description=Full new content of the file."`
	OldString string `json:"old_string,omitempty" jsonschema:"description=Exact text to replace; must occur exactly once."`
	NewString string `json:"new_string,omitempty" jsonschema:"description=Replacement text for old_string."`
	Delete    bool   `json:"delete,omitempty" jsonschema:"description=Delete the file instead of writing it."`
}

func (t *EditTool) Schema() json.RawMessage { return tools.GenerateSchema(editInput{}) }

func (t *EditTool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	var input editInput
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

	var original *string
	if data, err := os.ReadFile(resolved); err == nil {
		s := string(data)
		original = &s
	} else if !os.IsNotExist(err) {
		return tools.Errorf("read file: %v", err), nil
	}

	if input.Delete {
		return t.delete(resolved, original)
	}

	newContent, errResult := t.newContent(input, original)
	if errResult != nil {
		return errResult, nil
	}

	action := models.FileModified
	if original == nil {
		action = models.FileCreated
	}

	if err := writeAtomic(resolved, newContent); err != nil {
		return tools.Errorf("%v", err), nil
	}

	before := ""
	if original != nil {
		before = *original
	}
	diff := unifiedDiff(resolved, before, newContent)

	return &tools.Result{
		Content: fmt.Sprintf("%s %s (%d bytes)", action, resolved, len(newContent)),
		FileEdits: []tools.FileEditDescriptor{{
			Path:     resolved,
			Action:   action,
			Diff:     diff,
			Original: original,
		}},
	}, nil
}

func (t *EditTool) newContent(input editInput, original *string) (string, *tools.Result) {
	if input.OldString != "" {
		if original == nil {
			return "", tools.Errorf("cannot replace in %s: file does not exist", input.Path)
		}
		n := strings.Count(*original, input.OldString)
		if n == 0 {
			return "", tools.Errorf("old_string not found in %s", input.Path)
		}
		if n > 1 {
			return "", tools.Errorf("old_string occurs %d times in %s; provide more context", n, input.Path)
		}
		return strings.Replace(*original, input.OldString, input.NewString, 1), nil
	}
	return input.Content, nil
}

func (t *EditTool) delete(resolved string, original *string) (*tools.Result, error) {
	if original == nil {
		return tools.Errorf("cannot delete %s: file does not exist", resolved), nil
	}
	if err := os.Remove(resolved); err != nil {
		return tools.Errorf("delete file: %v", err), nil
	}
	diff := unifiedDiff(resolved, *original, "")
	return &tools.Result{
		Content: fmt.Sprintf("deleted %s", resolved),
		FileEdits: []tools.FileEditDescriptor{{
			Path:     resolved,
			Action:   models.FileDeleted,
			Diff:     diff,
			Original: original,
		}},
	}, nil
}

// writeAtomic writes via a temp file in the same directory plus rename, so a
// crash never leaves a half-written file.
func writeAtomic(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// unifiedDiff renders a line-level diff in unified format with single-hunk
// context collapsed. Line-based via DiffLinesToChars so large files stay fast.
func unifiedDiff(path, before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	text1, text2, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(text1, text2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var b strings.Builder
	fmt.Fprintf(&b, "--- a%s\n+++ b%s\n", path, path)
	oldLine, newLine := 1, 1
	for _, d := range diffs {
		lines := splitDiffLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			oldLine += len(lines)
			newLine += len(lines)
		case diffmatchpatch.DiffDelete:
			fmt.Fprintf(&b, "@@ -%d,%d +%d,0 @@\n", oldLine, len(lines), newLine-1)
			for _, line := range lines {
				b.WriteString("-")
				b.WriteString(line)
				b.WriteString("\n")
			}
			oldLine += len(lines)
		case diffmatchpatch.DiffInsert:
			fmt.Fprintf(&b, "@@ -%d,0 +%d,%d @@\n", oldLine-1, newLine, len(lines))
			for _, line := range lines {
				b.WriteString("+")
				b.WriteString(line)
				b.WriteString("\n")
			}
			newLine += len(lines)
		}
	}
	return b.String()
}

func splitDiffLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return []string{""}
	}
	return strings.Split(text, "\n")
}
