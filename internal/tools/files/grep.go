package files

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/loomhq/loom/internal/tools"
)

const (
	defaultGrepMaxResults = 200
	grepMaxLineBytes      = 1024 * 1024
	grepMaxFileBytes      = 10 << 20
)

// GrepTool searches file contents by regular expression, output grouped by
// file with line numbers.
type GrepTool struct{}

// NewGrepTool creates the grep tool.
func NewGrepTool() *GrepTool {
	return &GrepTool{}
}

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Search files under a directory for a regular expression. Results are grouped by file with line numbers."
}

func (t *GrepTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalAlways }

type grepInput struct {
	Pattern    string `json:"pattern" jsonschema:"description=Regular expression to search for."`
	Path       string `json:"path" jsonschema:"description=Absolute path to the directory or file to search."`
	Include    string `json:"include,omitempty" jsonschema:"description=Glob filter on file names (for example *.go)."`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"minimum=1,description=Maximum matching lines to return (default 200)."`
}

func (t *GrepTool) Schema() json.RawMessage { return tools.GenerateSchema(grepInput{}) }

func (t *GrepTool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	var input grepInput
	if err := json.Unmarshal(inv.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	re, err := regexp.Compile(input.Pattern)
	if err != nil {
		return tools.Errorf("invalid pattern: %v", err), nil
	}
	if input.MaxResults <= 0 {
		input.MaxResults = defaultGrepMaxResults
	}

	resolved, err := inv.Resolver.Resolve(input.Path)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}

	type match struct {
		line int
		text string
	}
	results := make(map[string][]match)
	var order []string
	total := 0

	searchFile := func(path string) error {
		if total >= input.MaxResults {
			return nil
		}
		info, err := os.Stat(path)
		if err != nil || info.Size() > grepMaxFileBytes {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), grepMaxLineBytes)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if strings.ContainsRune(line, '\x00') {
				// Binary file.
				return nil
			}
			if !re.MatchString(line) {
				continue
			}
			if _, ok := results[path]; !ok {
				order = append(order, path)
			}
			results[path] = append(results[path], match{line: lineNo, text: line})
			total++
			if total >= input.MaxResults {
				return nil
			}
		}
		return nil
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return tools.Errorf("stat: %v", err), nil
	}
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if IsIgnoredDir(d.Name()) && path != resolved {
					return filepath.SkipDir
				}
				return nil
			}
			if input.Include != "" {
				ok, _ := filepath.Match(input.Include, d.Name())
				if !ok {
					return nil
				}
			}
			return searchFile(path)
		})
		if err != nil {
			return tools.Errorf("search: %v", err), nil
		}
	} else {
		if err := searchFile(resolved); err != nil {
			return tools.Errorf("search: %v", err), nil
		}
	}

	if total == 0 {
		return &tools.Result{Content: "no matches"}, nil
	}
	var b strings.Builder
	for _, path := range order {
		fmt.Fprintf(&b, "%s:\n", path)
		for _, m := range results[path] {
			fmt.Fprintf(&b, "  %d: %s\n", m.line, m.text)
		}
	}
	if total >= input.MaxResults {
		fmt.Fprintf(&b, "\n[stopped at %d matches]\n", input.MaxResults)
	}
	return &tools.Result{Content: b.String()}, nil
}
