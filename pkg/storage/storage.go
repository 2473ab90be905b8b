// Package storage owns the per-bridge directory that holds transient attachment files.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const defaultRootName = "storage"

// Dir is a resolved storage directory for one bridge.
type Dir struct {
	root string
}

// Open resolves base/channelID, creating it when missing. An empty base means ./storage.
func Open(base string, channelID string) (*Dir, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" || strings.ContainsAny(channelID, `/\`) || channelID == "." || channelID == ".." {
		return nil, NewError(ErrorInvalidName, fmt.Sprintf("channel id %q", channelID))
	}

	root, err := ResolveRoot(filepath.Join(orDefault(base), channelID))
	if err != nil {
		return nil, err
	}

	return &Dir{root: root}, nil
}

// ResolveRoot normalizes a directory path, expanding ~ and creating it when missing.
func ResolveRoot(path string) (string, error) {
	expanded, err := expandHome(strings.TrimSpace(path))
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve absolute storage path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return "", wrapIO(err, "create storage directory")
	}

	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return "", wrapIO(err, "resolve storage directory")
	}

	return filepath.Clean(resolved), nil
}

// Root returns the absolute directory path.
func (d *Dir) Root() string {
	if d == nil {
		return ""
	}
	return d.root
}

// Path joins name onto the root and rejects names that would escape it.
func (d *Dir) Path(name string) (string, error) {
	if d == nil {
		return "", NewError(ErrorUnresolvable, "storage directory is nil")
	}

	trimmed := strings.TrimSpace(name)
	if trimmed == "" || strings.ContainsAny(trimmed, `/\`) {
		return "", NewError(ErrorInvalidName, fmt.Sprintf("file name %q", name))
	}

	full := filepath.Join(d.root, trimmed)
	if !isWithin(d.root, full) {
		return "", NewError(ErrorOutsideRoot, fmt.Sprintf("file name %q", name))
	}

	return full, nil
}

// Rename moves a file inside the storage directory.
func (d *Dir) Rename(from, to string) error {
	if !isWithin(d.root, from) || !isWithin(d.root, to) {
		return NewError(ErrorOutsideRoot, "rename crosses storage root")
	}
	return wrapIO(os.Rename(from, to), "rename")
}

// Remove deletes path, treating a missing file as success.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return wrapIO(err, "remove")
}

func orDefault(base string) string {
	if strings.TrimSpace(base) == "" {
		return defaultRootName
	}
	return base
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func isWithin(root string, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
