package approval

import (
	"encoding/json"
	"path/filepath"
	"strings"
)

// RuleField selects which aspect of a tool call a rule inspects.
type RuleField string

const (
	FieldTool      RuleField = "tool"
	FieldPath      RuleField = "path"
	FieldExtension RuleField = "extension"
	FieldDirectory RuleField = "directory"
	FieldPattern   RuleField = "pattern"
)

// Rule auto-approves tool calls whose selected field matches the value.
type Rule struct {
	ID      string    `json:"id" yaml:"id"`
	Field   RuleField `json:"field" yaml:"field"`
	Value   string    `json:"value" yaml:"value"`
	Enabled bool      `json:"enabled" yaml:"enabled"`
}

// CallInfo is the normalized view of a tool call the matcher evaluates.
type CallInfo struct {
	ToolName string
	// Path is the resolved path argument, when the input carries one.
	Path string
	// Input is the raw serialized tool input.
	Input json.RawMessage
}

// Matches reports whether the rule applies to the call.
func (r Rule) Matches(call CallInfo) bool {
	if !r.Enabled || r.Value == "" {
		return false
	}
	switch r.Field {
	case FieldTool:
		return r.Value == call.ToolName
	case FieldPath:
		return call.Path != "" && r.Value == call.Path
	case FieldExtension:
		if call.Path == "" {
			return false
		}
		ext := strings.TrimPrefix(filepath.Ext(call.Path), ".")
		return strings.EqualFold(r.Value, ext) || strings.EqualFold(r.Value, "."+ext)
	case FieldDirectory:
		if call.Path == "" {
			return false
		}
		dir := filepath.Dir(call.Path)
		prefix := strings.TrimSuffix(r.Value, string(filepath.Separator))
		return dir == prefix || strings.HasPrefix(dir, prefix+string(filepath.Separator))
	case FieldPattern:
		return strings.Contains(string(call.Input), r.Value)
	default:
		return false
	}
}

// Matcher evaluates a rule set against tool calls.
type Matcher struct {
	rules []Rule
}

// NewMatcher creates a matcher over the given rules.
func NewMatcher(rules []Rule) *Matcher {
	return &Matcher{rules: rules}
}

// AutoApproved reports whether any enabled rule matches the call, along with
// the matching rule.
func (m *Matcher) AutoApproved(call CallInfo) (Rule, bool) {
	for _, r := range m.rules {
		if r.Matches(call) {
			return r, true
		}
	}
	return Rule{}, false
}

// PathFromInput extracts a best-effort path argument from serialized tool
// input for rule evaluation. Tools name their path argument "path" or
// "file_path".
func PathFromInput(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var probe struct {
		Path     string `json:"path"`
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(input, &probe); err != nil {
		return ""
	}
	if probe.Path != "" {
		return probe.Path
	}
	return probe.FilePath
}
