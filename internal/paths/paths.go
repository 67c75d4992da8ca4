package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidResource returned when a step resource URI fails validation.
	ErrInvalidResource = errors.New("invalid resource")
)

const dataDirName = ".gantry"

// DataDir returns the gantry data directory under root.
func DataDir(root string) string {
	return filepath.Join(root, dataDirName)
}

// DBPath returns the sqlite database path under root.
func DBPath(root string) string {
	return filepath.Join(DataDir(root), "gantry.db")
}

// AuditLogPath returns the append-only approval audit log path under root.
func AuditLogPath(root string) string {
	return filepath.Join(DataDir(root), "audit.jsonl")
}

// PlaybooksDir returns the directory scanned for planner playbooks.
func PlaybooksDir(root string) string {
	return filepath.Join(DataDir(root), "playbooks")
}

// ValidateResource returns nil for allowed resource URIs, or ErrInvalidResource.
// Rules:
// - Must be a relative path (resources are resolved against the workspace root).
// - Disallow any ".." segment to avoid traversal out of the workspace.
// - Disallow empty and whitespace-only values.
func ValidateResource(uri string) error {
	if strings.TrimSpace(uri) == "" {
		return fmt.Errorf("empty resource: %w", ErrInvalidResource)
	}
	if filepath.IsAbs(uri) || strings.HasPrefix(uri, "\\") {
		return fmt.Errorf("absolute resource path: %w", ErrInvalidResource)
	}
	for _, seg := range strings.FieldsFunc(filepath.ToSlash(uri), func(r rune) bool { return r == '/' }) {
		if seg == ".." {
			return fmt.Errorf("resource contains disallowed '..': %w", ErrInvalidResource)
		}
	}
	return nil
}

// SafeJoin joins root with rel and ensures the resulting path stays inside root.
// Returns an error if the result would escape root or rel is absolute.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("empty root")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("relative path expected, got absolute: %s", rel)
	}
	cleaned := filepath.Clean(filepath.Join(root, rel))
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absCleaned, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(absRoot, absCleaned)
	if err != nil {
		return "", err
	}
	if relToRoot == ".." || strings.HasPrefix(filepath.ToSlash(relToRoot), "../") {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}
	return absCleaned, nil
}
