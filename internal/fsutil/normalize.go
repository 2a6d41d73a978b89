// Package fsutil normalizes project paths so the registry keys stay
// canonical: "/srv/app/" and "/srv/app" must resolve to one instance.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrEmptyPath = errors.New("project path is empty")

// NormalizeProjectPath canonicalizes a project directory path: absolute,
// cleaned, and with symlinks resolved when the path exists. A path that
// does not exist yet is accepted as-is after cleaning.
func NormalizeProjectPath(pathValue string) (string, error) {
	trimmed := strings.TrimSpace(pathValue)
	if trimmed == "" {
		return "", ErrEmptyPath
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve project path %q: %w", pathValue, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("resolve project path %q: %w", pathValue, err)
	}
	return filepath.Clean(abs), nil
}

// SameProject reports whether two raw paths name the same project
// directory after normalization.
func SameProject(a, b string) bool {
	left, errA := NormalizeProjectPath(a)
	right, errB := NormalizeProjectPath(b)
	if errA != nil || errB != nil {
		return false
	}
	return left == right
}
