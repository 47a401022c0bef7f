package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ManifestFilename is the per-plugin manifest a loader looks for.
const ManifestFilename = "tool.json"

// defaultPluginTimeout bounds one plugin subprocess execution.
const defaultPluginTimeout = 60 * time.Second

// PluginManifest declares one external tool: the command receives the input
// JSON on stdin and writes its output to stdout.
type PluginManifest struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Schema         json.RawMessage `json:"schema,omitempty"`
	ApprovalPolicy ApprovalPolicy  `json:"approval_policy,omitempty"`
	Command        string          `json:"command"`
	Args           []string        `json:"args,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// Validate checks required manifest fields.
func (m *PluginManifest) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("plugin manifest: name is required")
	}
	if strings.TrimSpace(m.Command) == "" {
		return fmt.Errorf("plugin manifest %q: command is required", m.Name)
	}
	switch m.ApprovalPolicy {
	case "", ApprovalAlways, ApprovalRules, ApprovalManual:
	default:
		return fmt.Errorf("plugin manifest %q: unknown approval policy %q", m.Name, m.ApprovalPolicy)
	}
	return nil
}

// PluginTool runs an external command declared by a manifest.
type PluginTool struct {
	manifest PluginManifest
	dir      string
}

func (t *PluginTool) Name() string        { return t.manifest.Name }
func (t *PluginTool) Description() string { return t.manifest.Description }

func (t *PluginTool) Schema() json.RawMessage {
	if len(t.manifest.Schema) > 0 {
		return t.manifest.Schema
	}
	return json.RawMessage(`{"type":"object"}`)
}

func (t *PluginTool) ApprovalPolicy() ApprovalPolicy {
	if t.manifest.ApprovalPolicy == "" {
		return ApprovalManual
	}
	return t.manifest.ApprovalPolicy
}

// Execute shells out to the plugin command with the input JSON on stdin.
func (t *PluginTool) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	timeout := defaultPluginTimeout
	if t.manifest.TimeoutSeconds > 0 {
		timeout = time.Duration(t.manifest.TimeoutSeconds) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, t.manifest.Command, t.manifest.Args...)
	cmd.Dir = t.dir
	cmd.Env = append(os.Environ(),
		"LOOM_PROJECT_ROOT="+inv.ProjectRoot,
		"LOOM_CHAT_ID="+inv.ChatID,
		"LOOM_TOOL_CALL_ID="+inv.ToolCallID,
	)
	input := inv.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return Errorf("plugin %s timed out after %s", t.manifest.Name, timeout), nil
		}
		return Errorf("plugin %s failed: %v\n%s", t.manifest.Name, err, stderr.String()), nil
	}
	return &Result{Content: stdout.String()}, nil
}

// PluginLoader discovers manifests under a plugins directory and keeps the
// registry in sync when the directory changes.
type PluginLoader struct {
	dir      string
	registry *Registry
	logger   *slog.Logger

	// names registered by the last load, so removed plugins unregister.
	loaded map[string]struct{}
}

// NewPluginLoader creates a loader for dir. A missing directory is not an
// error; the loader just registers nothing.
func NewPluginLoader(dir string, registry *Registry, logger *slog.Logger) *PluginLoader {
	return &PluginLoader{
		dir:      dir,
		registry: registry,
		logger:   logger.With("component", "plugins"),
		loaded:   make(map[string]struct{}),
	}
}

// Load walks the plugins directory and (re)registers every valid manifest.
// Invalid manifests are logged and skipped.
func (l *PluginLoader) Load() error {
	if l.dir == "" {
		return nil
	}
	if _, err := os.Stat(l.dir); os.IsNotExist(err) {
		return nil
	}

	found := make(map[string]struct{})
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != ManifestFilename {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			l.logger.Warn("skipping unreadable plugin manifest", "path", path, "error", err)
			return nil
		}
		var manifest PluginManifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			l.logger.Warn("skipping malformed plugin manifest", "path", path, "error", err)
			return nil
		}
		if err := manifest.Validate(); err != nil {
			l.logger.Warn("skipping invalid plugin manifest", "path", path, "error", err)
			return nil
		}
		l.registry.Register(&PluginTool{manifest: manifest, dir: filepath.Dir(path)})
		found[manifest.Name] = struct{}{}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk plugins dir: %w", err)
	}

	for name := range l.loaded {
		if _, ok := found[name]; !ok {
			l.registry.Unregister(name)
		}
	}
	l.loaded = found
	l.logger.Info("plugins loaded", "count", len(found))
	return nil
}

// Watch reloads on filesystem changes until ctx is cancelled. Events are
// debounced since editors fire several per save.
func (l *PluginLoader) Watch(ctx context.Context) error {
	if l.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create plugin watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch plugins dir: %w", err)
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("plugin watcher error", "error", err)
		case <-reload:
			if err := l.Load(); err != nil {
				l.logger.Warn("plugin reload failed", "error", err)
			}
		}
	}
}
