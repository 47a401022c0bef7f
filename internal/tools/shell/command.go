// Package shell provides the execute_command tool: a shell runner with a
// blocked-pattern deny list, byte-capped output, and a subprocess timeout.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/tools"
)

const (
	// DefaultTimeout bounds one command execution.
	DefaultTimeout = 120 * time.Second

	// MaxOutputBytes caps captured stdout and stderr, each.
	MaxOutputBytes = 100_000
)

// deniedPatterns block commands that are destructive far beyond a project
// workspace. Matched against the whole command string.
var deniedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+/(\s|$)`),
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+/(bin|boot|dev|etc|lib|proc|root|sbin|sys|usr|var)\b`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+.*\bof=/dev/`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}`),
	regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*777\s+/(\s|$)`),
}

// Denied reports whether a command matches the deny list.
func Denied(command string) bool {
	for _, re := range deniedPatterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// CommandTool runs shell commands in the project root.
type CommandTool struct{}

// NewCommandTool creates the execute_command tool.
func NewCommandTool() *CommandTool {
	return &CommandTool{}
}

func (t *CommandTool) Name() string { return "execute_command" }

func (t *CommandTool) Description() string {
	return "Run a shell command in the project root. Output is byte-capped; long-running commands are killed at the timeout."
}

func (t *CommandTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalRules }

type commandInput struct {
	Command        string `json:"command" jsonschema:"description=Shell command to execute."`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"minimum=1,maximum=600,description=Timeout in seconds (default 120)."`
}

func (t *CommandTool) Schema() json.RawMessage { return tools.GenerateSchema(commandInput{}) }

// cappedBuffer keeps at most limit bytes and counts what was discarded.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.dropped += len(p)
		return len(p), nil
	}
	if len(p) > remaining {
		b.dropped += len(p) - remaining
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.dropped > 0 {
		return b.buf.String() + fmt.Sprintf("\n[output truncated, %d bytes dropped]", b.dropped)
	}
	return b.buf.String()
}

func (t *CommandTool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	var input commandInput
	if err := json.Unmarshal(inv.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return tools.Errorf("command is required"), nil
	}
	if Denied(command) {
		return tools.Errorf("command blocked by safety rules: %s", command), nil
	}

	timeout := DefaultTimeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = inv.ProjectRoot

	stdout := &cappedBuffer{limit: MaxOutputBytes}
	stderr := &cappedBuffer{limit: MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return tools.Errorf("command timed out after %s\nstdout:\n%s\nstderr:\n%s",
				timeout, stdout.String(), stderr.String()), nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return tools.Errorf("run command: %v", err), nil
		}
	}

	out := map[string]any{
		"command":     command,
		"exit_code":   exitCode,
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"duration_ms": elapsed.Milliseconds(),
	}
	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return tools.Errorf("encode result: %v", err), nil
	}
	return &tools.Result{Content: string(payload), IsError: exitCode != 0}, nil
}
