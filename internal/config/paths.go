// Package config manages themekit configuration and filesystem paths.
//
// The default root is ~/.themekit/ containing bin/ (extracted build tools),
// cache/overlays/ (built APKs), work/ (transient manifests), state/ (build
// records) and config.yaml. The root can be moved with THEMEKIT_ROOT.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths contains all the filesystem paths used by themekit.
type Paths struct {
	// Root is the base directory for all themekit data (default: ~/.themekit)
	Root string

	// Bin holds the aapt, aapt2 and zipalign binaries
	Bin string

	// Overlays is the output directory for built overlay APKs
	Overlays string

	// Work is the transient builder working directory
	Work string

	// State holds build records
	State string

	// Config is the path to the config file
	Config string
}

// DefaultPaths returns the default paths for themekit.
// Paths can be overridden with environment variables:
// - THEMEKIT_ROOT: Override the root directory
func DefaultPaths() (*Paths, error) {
	root := os.Getenv("THEMEKIT_ROOT")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		root = filepath.Join(home, ".themekit")
	}
	return PathsAt(root), nil
}

// PathsAt lays out the themekit directories below root.
func PathsAt(root string) *Paths {
	return &Paths{
		Root:     root,
		Bin:      filepath.Join(root, "bin"),
		Overlays: filepath.Join(root, "cache", "overlays"),
		Work:     filepath.Join(root, "work"),
		State:    filepath.Join(root, "state"),
		Config:   filepath.Join(root, "config.yaml"),
	}
}

// EnsureDirectories creates all necessary directories if they don't exist.
// The work directory is left alone; the builder creates and removes it.
func (p *Paths) EnsureDirectories() error {
	dirs := []string{
		p.Root,
		p.Bin,
		p.Overlays,
		p.State,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
