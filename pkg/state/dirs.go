package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Paths lists the directories the server owns under its data root.
type Paths struct {
	Root      string
	Store     string
	State     string
	Retention string
	Tmp       string
}

// PathsFor derives the layout for a data root without touching disk.
func PathsFor(root string) Paths {
	statePath := filepath.Join(root, "state")
	return Paths{
		Root:      root,
		Store:     filepath.Join(root, "store"),
		State:     statePath,
		Retention: filepath.Join(statePath, "retention"),
		Tmp:       filepath.Join(statePath, "tmp"),
	}
}

// Init cleans dbPath, creates the layout and verifies every directory is
// a writable non-symlink directory.
func Init(dbPath string) (Paths, error) {
	path := strings.TrimSpace(dbPath)
	if path == "" {
		path = "./.database"
	}
	p := PathsFor(filepath.Clean(path))
	if err := ensureDirs(p.Store, p.Retention, p.Tmp); err != nil {
		return Paths{}, err
	}
	return p, nil
}

func ensureDirs(paths ...string) error {
	for _, p := range paths {
		if fi, err := os.Lstat(p); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink: %s", p)
			}
			if !fi.IsDir() {
				return fmt.Errorf("path exists and is not a directory: %s", p)
			}
		}

		if err := os.MkdirAll(p, 0o700); err != nil {
			return fmt.Errorf("cannot create path %s: %w", p, err)
		}

		tmp, err := os.CreateTemp(p, ".validate-*")
		if err != nil {
			return fmt.Errorf("path not writable: %s: %w", p, err)
		}
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	return nil
}
