// Package disk reports free space on the filesystem holding a path.
package disk

import (
	"errors"
	"os"
	"path/filepath"
)

// MB is one mebibyte.
const MB = 1 << 20

// ErrNoPath is returned when no existing ancestor of the path can be found.
var ErrNoPath = errors.New("no existing directory for disk check")

// FreeBytes returns the bytes available to the current user on the
// filesystem holding path. When path does not exist yet, the nearest
// existing ancestor is checked instead.
func FreeBytes(path string) (uint64, error) {
	dir, err := existingAncestor(path)
	if err != nil {
		return 0, err
	}
	return freeBytes(dir)
}

// existingAncestor walks up from path until it finds an existing entry.
func existingAncestor(path string) (string, error) {
	if path == "" {
		path = "."
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(abs); err == nil {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", ErrNoPath
		}
		abs = parent
	}
}
