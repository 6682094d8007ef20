package isolation

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// ResourceLimits constrains tool subprocesses and filesystem access.
// Timeout is enforced by the isolator; path lists are enforced by
// ValidatePath in the tools that touch the filesystem; MaxOutputBytes
// caps captured subprocess output.
type ResourceLimits struct {
	Timeout        time.Duration `json:"timeout,omitempty"`
	MaxOutputBytes int64         `json:"maxOutputBytes,omitempty"`
	ReadOnlyPaths  []string      `json:"readOnlyPaths,omitempty"`
	WritablePaths  []string      `json:"writablePaths,omitempty"`
	DenyPaths      []string      `json:"denyPaths,omitempty"`
}

// AccessMode indicates the type of filesystem access being requested.
type AccessMode int

const (
	AccessRead AccessMode = iota
	AccessWrite
)

// ValidatePath checks whether the given path is permitted under these limits.
// Empty allow lists mean unrestricted access. Deny rules win over allow
// rules, and an unresolvable deny rule denies everything it might cover.
func (r ResourceLimits) ValidatePath(path string, mode AccessMode) error {
	clean, err := resolveCleanPath(path)
	if err != nil {
		return flow.NewErrorf(flow.ErrCodePathDenied, "invalid path %q: %v", path, err)
	}

	for _, deny := range r.DenyPaths {
		base, err := resolveCleanPath(deny)
		if err != nil {
			return flow.NewErrorf(flow.ErrCodePathDenied,
				"path %q denied: invalid deny rule %q: %v", path, deny, err)
		}
		if isUnderPath(clean, base) {
			return flow.NewErrorf(flow.ErrCodePathDenied, "path %q is denied", path)
		}
	}

	hasReadOnly := len(r.ReadOnlyPaths) > 0
	hasWritable := len(r.WritablePaths) > 0
	if !hasReadOnly && !hasWritable {
		return nil
	}

	switch mode {
	case AccessWrite:
		if !hasWritable {
			return flow.NewErrorf(flow.ErrCodePathDenied, "write access to %q denied: no writable paths configured", path)
		}
		for _, w := range r.WritablePaths {
			base, err := resolveCleanPath(w)
			if err != nil {
				continue // unresolvable allow entries grant nothing
			}
			if isUnderPath(clean, base) {
				return nil
			}
		}
		return flow.NewErrorf(flow.ErrCodePathDenied, "write access to %q denied: not under any writable path", path)

	case AccessRead:
		// Writable paths are implicitly readable.
		for _, ro := range append(append([]string{}, r.ReadOnlyPaths...), r.WritablePaths...) {
			base, err := resolveCleanPath(ro)
			if err != nil {
				continue
			}
			if isUnderPath(clean, base) {
				return nil
			}
		}
		return flow.NewErrorf(flow.ErrCodePathDenied, "read access to %q denied: not under any allowed path", path)
	}

	return nil
}

// resolveCleanPath cleans and resolves a path to absolute. Symlinks are
// resolved on the longest existing prefix so a path to a not-yet-created
// file still resolves consistently.
func resolveCleanPath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return resolveAncestor(abs), nil
}

// resolveAncestor walks up from path until it finds an existing directory,
// resolves symlinks on that ancestor, and re-appends the unresolved suffix.
func resolveAncestor(path string) string {
	dir := path
	for range 256 { // depth bound
		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached root
		}
		resolved, err := filepath.EvalSymlinks(parent)
		if err == nil {
			rel, err := filepath.Rel(parent, path)
			if err != nil {
				return path
			}
			return filepath.Join(resolved, rel)
		}
		dir = parent
	}
	return path
}

// isUnderPath returns true if path is under (or equal to) the base directory.
// Uses filepath.Rel to avoid string-prefix false positives (/tmp vs /tmpevil).
func isUnderPath(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}
