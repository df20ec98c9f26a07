// Package sandbox confines tool filesystem and shell access to a single
// root directory. Every path a tool touches resolves through here, and
// shell commands pass an allowlist and metacharacter screen before they
// reach exec.
package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrEscape rejects paths that resolve outside the sandbox root.
	ErrEscape = errors.New("path escapes sandbox")
	// ErrNULByte rejects paths carrying embedded NUL bytes.
	ErrNULByte = errors.New("path contains NUL byte")
)

// aliasPrefix lets models address the sandbox as an absolute-looking
// location; "/sandbox/x" means "x" under the root.
const aliasPrefix = "/sandbox"

// ResolveUnderRoot resolves p against root and guarantees the result
// stays inside it. Absolute paths and ".." segments are rejected, and
// symlinks are followed only while they stay within the root.
func ResolveUnderRoot(root, p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", ErrNULByte
	}
	if p == aliasPrefix {
		p = "."
	} else if strings.HasPrefix(p, aliasPrefix+"/") {
		p = p[len(aliasPrefix)+1:]
	}
	if filepath.IsAbs(p) {
		return "", ErrEscape
	}

	base := root
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		base = resolved
	}

	cur := base
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", ErrEscape
		}
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			continue
		}
		resolved, err := filepath.EvalSymlinks(cur)
		if err != nil {
			return "", ErrEscape
		}
		if !within(base, resolved) {
			return "", ErrEscape
		}
		cur = resolved
	}

	if !within(base, cur) {
		return "", ErrEscape
	}
	return cur, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
