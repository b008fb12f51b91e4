// Package sandbox confines filesystem access to an agent's workspace
// directory. It generalizes the teacher's internal/tools path-resolution
// security checks (symlink escape, broken-symlink targets, mutable
// symlink parents, hardlinks) into a standalone boundary primitive. The
// tools in internal/tools do not use it; they keep their own copies of
// these checks.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideWorkspace is returned when a resolved path escapes the
// configured workspace boundary.
var ErrOutsideWorkspace = errors.New("sandbox: path outside workspace")

// Boundary confines relative and absolute path lookups to a workspace
// root. A zero-value Boundary with Restrict=false performs no confinement
// (used when agents.defaults.restrict_to_workspace is false).
type Boundary struct {
	Workspace string
	Restrict  bool

	// AllowedPrefixes are absolute-path prefixes permitted even when
	// Restrict is true (e.g. a shared skills directory outside workspace).
	AllowedPrefixes []string
	// DeniedPrefixes are workspace-relative prefixes always rejected
	// (e.g. ".agentcore" for the runtime's own state directory).
	DeniedPrefixes []string
}

func New(workspace string, restrict bool) *Boundary {
	return &Boundary{Workspace: workspace, Restrict: restrict}
}

// Resolve returns the canonical absolute path for path (relative paths are
// joined against the workspace), rejecting any resolution that would
// escape the workspace boundary when Restrict is true.
func (b *Boundary) Resolve(path string) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(b.Workspace, path))
	}

	if err := b.checkDenied(resolved); err != nil {
		return "", err
	}

	if !b.Restrict {
		return resolved, nil
	}

	for _, prefix := range b.AllowedPrefixes {
		if isPathInside(resolved, filepath.Clean(prefix)) {
			return resolved, nil
		}
	}

	wsReal := canonicalDir(b.Workspace)
	real, err := b.canonicalizeTarget(resolved, wsReal)
	if err != nil {
		return "", err
	}

	if !isPathInside(real, wsReal) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}
	if hasMutableSymlinkParent(real) {
		return "", fmt.Errorf("sandbox: path contains mutable symlink component: %s", path)
	}
	return real, nil
}

func (b *Boundary) checkDenied(resolved string) error {
	absWorkspace, _ := filepath.Abs(b.Workspace)
	for _, prefix := range b.DeniedPrefixes {
		denied := filepath.Clean(filepath.Join(absWorkspace, prefix))
		if isPathInside(resolved, denied) {
			return fmt.Errorf("sandbox: access denied to %s", prefix)
		}
	}
	return nil
}

func canonicalDir(dir string) string {
	abs, _ := filepath.Abs(dir)
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}

// canonicalizeTarget resolves resolved to its canonical form, handling the
// not-yet-existing and broken-symlink cases the same way the teacher's
// resolvePath does: walk up to the deepest existing ancestor and validate
// the symlink target doesn't escape the workspace before trusting it.
func (b *Boundary) canonicalizeTarget(resolved, wsReal string) (string, error) {
	real, err := filepath.EvalSymlinks(resolved)
	if err == nil {
		return real, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("sandbox: cannot resolve path: %w", err)
	}

	if info, lerr := os.Lstat(resolved); lerr == nil && info.Mode()&os.ModeSymlink != 0 {
		target, rerr := os.Readlink(resolved)
		if rerr != nil {
			return "", fmt.Errorf("sandbox: cannot resolve symlink: %w", rerr)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(resolved), target)
		}
		target = filepath.Clean(target)
		real, rerr := resolveThroughExistingAncestors(target)
		if rerr != nil {
			return "", fmt.Errorf("sandbox: cannot resolve broken symlink target: %w", rerr)
		}
		if !isPathInside(real, wsReal) {
			return "", fmt.Errorf("%w: broken symlink target outside workspace", ErrOutsideWorkspace)
		}
		return real, nil
	}

	parentReal, perr := filepath.EvalSymlinks(filepath.Dir(resolved))
	if perr != nil {
		return "", fmt.Errorf("sandbox: cannot resolve parent: %w", perr)
	}
	return filepath.Join(parentReal, filepath.Base(resolved)), nil
}

func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

func resolveThroughExistingAncestors(target string) (string, error) {
	if real, err := filepath.EvalSymlinks(target); err == nil {
		return real, nil
	}
	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor found")
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		if real, err := filepath.EvalSymlinks(parent); err == nil {
			return filepath.Join(append([]string{real}, tail...)...), nil
		}
		current = parent
	}
}

// hasMutableSymlinkParent reports whether any directory component of path
// is a symlink, since a symlink could be rebound between resolution and use
// (TOCTOU). It does not check whether the symlink's parent is writable.
func hasMutableSymlinkParent(path string) bool {
	dir := filepath.Dir(path)
	for dir != "/" && dir != "." {
		info, err := os.Lstat(dir)
		if err != nil {
			return false
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return true
		}
		dir = filepath.Dir(dir)
	}
	return false
}
