// Package pathutil validates and resolves tool path arguments. All tool
// paths must be absolute; the resolver strips trailing delimiter garbage
// that streaming models emit, rejects system prefixes, resolves symlinks,
// and confines the result to the project root or the tool-outputs directory.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// deniedPrefixes are system directories tools may never touch.
var deniedPrefixes = []string{
	"/etc", "/var", "/usr", "/bin", "/sbin", "/boot", "/proc", "/sys", "/dev",
}

// trailingGarbage holds the delimiter runes models append when a streamed
// JSON argument is cut mid-structure.
const trailingGarbage = "\"'}]){,` \t"

// ResolveError is a structured path validation failure.
type ResolveError struct {
	Path   string
	Reason string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

// Resolver validates paths against a project root. OutputsDir, when set, is
// a second allowed root for spilled tool outputs.
type Resolver struct {
	Root       string
	OutputsDir string
	// AllowExternal disables root confinement for tools that explicitly
	// opt in to reading outside the project.
	AllowExternal bool
}

// Clean strips trailing quote/brace/delimiter clusters from a streamed path
// argument. Stripping is idempotent: a path without garbage is unchanged.
func Clean(path string) string {
	return strings.TrimRight(strings.TrimSpace(path), trailingGarbage)
}

// Resolve validates the path and returns its real absolute form.
func (r Resolver) Resolve(path string) (string, error) {
	clean := Clean(path)
	if clean == "" {
		return "", &ResolveError{Path: path, Reason: "path is required"}
	}
	if !filepath.IsAbs(clean) {
		return "", &ResolveError{Path: path, Reason: "path must be absolute"}
	}
	clean = filepath.Clean(clean)

	for _, prefix := range deniedPrefixes {
		if clean == prefix || strings.HasPrefix(clean, prefix+string(filepath.Separator)) {
			return "", &ResolveError{Path: path, Reason: "system path is not allowed"}
		}
	}

	real, err := resolveSymlinks(clean)
	if err != nil {
		return "", &ResolveError{Path: path, Reason: err.Error()}
	}

	if r.AllowExternal {
		return real, nil
	}
	if r.inside(real, r.Root) || (r.OutputsDir != "" && r.inside(real, r.OutputsDir)) {
		return real, nil
	}
	return "", &ResolveError{Path: path, Reason: "path is outside the project root"}
}

func (r Resolver) inside(path, root string) bool {
	if root == "" {
		return false
	}
	rootReal, err := resolveSymlinks(filepath.Clean(root))
	if err != nil {
		rootReal = filepath.Clean(root)
	}
	rel, err := filepath.Rel(rootReal, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}

// resolveSymlinks evaluates symlinks for the deepest existing ancestor so a
// path to a not-yet-created file still resolves.
func resolveSymlinks(path string) (string, error) {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	dir, base := filepath.Split(path)
	dir = strings.TrimSuffix(dir, string(filepath.Separator))
	if dir == "" || dir == path {
		return path, nil
	}
	realDir, err := resolveSymlinks(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(realDir, base), nil
}
