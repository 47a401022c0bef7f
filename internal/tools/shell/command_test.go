package shell

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/loomhq/loom/internal/tools"
)

func run(t *testing.T, input map[string]any) *tools.Result {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatal(err)
	}
	res, err := NewCommandTool().Execute(context.Background(), &tools.Invocation{
		Input:       raw,
		ProjectRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return res
}

func TestCommandCapturesOutput(t *testing.T) {
	res := run(t, map[string]any{"command": "echo hello; echo oops 1>&2"})
	if res.IsError {
		t.Fatalf("error result: %s", res.Content)
	}
	var out struct {
		ExitCode int    `json:"exit_code"`
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	if out.ExitCode != 0 || out.Stdout != "hello\n" || out.Stderr != "oops\n" {
		t.Errorf("unexpected output: %+v", out)
	}
}

func TestCommandNonZeroExit(t *testing.T) {
	res := run(t, map[string]any{"command": "exit 3"})
	if !res.IsError {
		t.Error("non-zero exit should be an error result")
	}
	var out struct {
		ExitCode int `json:"exit_code"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("exit_code = %d", out.ExitCode)
	}
}

func TestCommandTimeout(t *testing.T) {
	res := run(t, map[string]any{"command": "sleep 5", "timeout_seconds": 1})
	if !res.IsError || !strings.Contains(res.Content, "timed out") {
		t.Errorf("expected timeout error: %+v", res)
	}
}

func TestDenyList(t *testing.T) {
	denied := []string{
		"rm -rf /",
		"rm -rf /etc",
		"sudo rm -fr /usr",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
		":(){ :|:& };:",
		"shutdown -h now",
	}
	for _, cmd := range denied {
		if !Denied(cmd) {
			t.Errorf("command not denied: %q", cmd)
		}
	}

	allowed := []string{
		"rm -rf ./build",
		"rm -f /tmp/scratch/x.txt",
		"go test ./...",
		"echo rm -rf is dangerous",
		"git checkout -- .",
	}
	for _, cmd := range allowed {
		if Denied(cmd) {
			t.Errorf("command wrongly denied: %q", cmd)
		}
	}
}

func TestOutputByteCapBoundary(t *testing.T) {
	// Exactly at the cap: full output survives.
	atCap := &cappedBuffer{limit: 10}
	atCap.Write([]byte("0123456789"))
	if atCap.String() != "0123456789" {
		t.Errorf("output at cap mangled: %q", atCap.String())
	}

	// One byte over: truncated with a marker.
	overCap := &cappedBuffer{limit: 10}
	overCap.Write([]byte("0123456789X"))
	got := overCap.String()
	if !strings.HasPrefix(got, "0123456789") || !strings.Contains(got, "1 bytes dropped") {
		t.Errorf("output over cap: %q", got)
	}
}

func TestBlockedCommandNeverRuns(t *testing.T) {
	res := run(t, map[string]any{"command": "rm -rf /"})
	if !res.IsError || !strings.Contains(res.Content, "blocked") {
		t.Errorf("expected block: %+v", res)
	}
}
