package server

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CanonicalRoot makes root absolute and resolves its symlinks, the form Resolve
// expects.
func CanonicalRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("absolute path of %q: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", abs, err)
	}
	return resolved, nil
}

// Resolve maps a requested filename to a path below the canonical root. Names that
// climb out of root, lexically or through a symlink, fail with a PathEscape FileError
// and are never opened.
func Resolve(root string, name string) (string, error) {
	// clients often send absolute looking names, they are always relative to root
	rel := strings.TrimLeft(filepath.FromSlash(name), string(filepath.Separator))
	joined := filepath.Join(root, rel)
	if !within(root, joined) {
		return "", &FileError{Kind: PathEscape, Name: name}
	}

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", newFileError(name, err)
	}
	if !within(root, resolved) {
		return "", &FileError{Kind: PathEscape, Name: name}
	}
	return resolved, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
