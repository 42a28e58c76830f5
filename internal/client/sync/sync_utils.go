package sync

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

var ErrInvalidName = errors.New("invalid file name")

// nameFromPath turns an absolute path under root into a logical name:
// slash separated and relative to root.
func nameFromPath(root, absPath string) (string, error) {
	rel, err := filepath.Rel(root, absPath)
	if err != nil {
		return "", err
	}
	name := filepath.ToSlash(rel)
	if err := validateName(name); err != nil {
		return "", err
	}
	return name, nil
}

func pathFromName(root, name string) string {
	return filepath.Join(root, filepath.FromSlash(name))
}

// validateName rejects names that would resolve outside the sync directory.
// Catalogue names come from the server and are checked before use.
func validateName(name string) error {
	switch {
	case name == "" || name == ".":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case strings.HasPrefix(name, "/"), strings.Contains(name, `\`):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case path.Clean(name) != name:
		return fmt.Errorf("%w: %q is not clean", ErrInvalidName, name)
	case name == ".." || strings.HasPrefix(name, "../"):
		return fmt.Errorf("%w: %q escapes the sync directory", ErrInvalidName, name)
	}
	return nil
}
