package agent

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// verifyTimeout bounds one checker invocation.
const verifyTimeout = 60 * time.Second

// Verifier runs language-appropriate static checks over files a turn edited.
// Go files get `go vet` on their packages, Python files get a compile check.
// Other languages pass unchecked.
type Verifier struct {
	logger *slog.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{logger: logger.With("component", "verifier")}
}

// Check returns one issue string per failed check, empty when clean.
func (v *Verifier) Check(ctx context.Context, projectRoot string, paths []string) []string {
	goDirs := map[string]struct{}{}
	var pyFiles []string
	for _, path := range paths {
		switch filepath.Ext(path) {
		case ".go":
			goDirs[filepath.Dir(path)] = struct{}{}
		case ".py":
			pyFiles = append(pyFiles, path)
		}
	}

	var issues []string
	for dir := range goDirs {
		if out, ok := v.run(ctx, projectRoot, "go", "vet", "./"+relOrDot(projectRoot, dir)); !ok {
			issues = append(issues, "go vet "+dir+": "+out)
		}
	}
	for _, file := range pyFiles {
		if out, ok := v.run(ctx, projectRoot, "python3", "-m", "py_compile", file); !ok {
			issues = append(issues, "py_compile "+file+": "+out)
		}
	}
	return issues
}

func (v *Verifier) run(ctx context.Context, dir, name string, args ...string) (string, bool) {
	cctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err == nil {
		return "", true
	}
	if _, lookErr := exec.LookPath(name); lookErr != nil {
		// Toolchain not installed; nothing to report.
		return "", true
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		text = err.Error()
	}
	if len(text) > 2000 {
		text = text[:2000] + "…"
	}
	return text, false
}

func relOrDot(root, dir string) string {
	rel, err := filepath.Rel(root, dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "."
	}
	return rel
}
