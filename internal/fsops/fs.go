// Package fsops provides the filesystem operations used while building and
// staging overlays.
//
// Every mutation performed by themekit (tool extraction, resource merging,
// manifest writes, build records) goes through the FS interface so the build
// pipeline can be exercised against a temporary directory in tests.
//
// Key features:
//   - Atomic writes using temp file + rename
//   - Ordered directory merges where later sources win on name collision
//   - Symlink-aware existence checks
package fsops

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/otiai10/copy"
)

// FS provides an abstraction for filesystem operations.
type FS interface {
	// Lstat returns file info without following symlinks.
	Lstat(path string) (os.FileInfo, error)

	// Readlink reads the target of a symlink.
	Readlink(path string) (string, error)

	// MkdirAll creates a directory and all parent directories.
	MkdirAll(path string, perm os.FileMode) error

	// Remove removes a file or empty directory.
	Remove(path string) error

	// RemoveAll removes a path and all its contents.
	RemoveAll(path string) error

	// Rename moves a file or directory.
	Rename(oldpath, newpath string) error

	// Symlink creates a symbolic link from newname to oldname.
	Symlink(oldname, newname string) error

	// Chmod changes the mode of a file.
	Chmod(path string, perm os.FileMode) error

	// Copy copies a file or directory from src to dst, following symlinks.
	Copy(src, dst string) error

	// MergeDirs copies each source directory into dst in order. A file that
	// exists in more than one source ends up with the content of the last one.
	MergeDirs(dst string, srcs ...string) error

	// AtomicWrite writes data to path atomically using temp file + rename.
	AtomicWrite(path string, data []byte, perm os.FileMode) error

	// WriteFile writes data to path, creating parent directories.
	WriteFile(path string, data []byte, perm os.FileMode) error

	// ReadFile reads the entire contents of a file.
	ReadFile(path string) ([]byte, error)

	// ReadDir lists a directory.
	ReadDir(path string) ([]os.DirEntry, error)

	// Exists checks if a path exists.
	Exists(path string) (bool, error)

	// IsFile reports whether path is an existing regular file.
	IsFile(path string) bool

	// IsDir reports whether path is an existing directory.
	IsDir(path string) bool
}

// RealFS implements FS using actual OS operations.
type RealFS struct{}

// NewRealFS creates a new RealFS.
func NewRealFS() *RealFS {
	return &RealFS{}
}

func (fs *RealFS) Lstat(path string) (os.FileInfo, error) {
	return os.Lstat(path)
}

func (fs *RealFS) Readlink(path string) (string, error) {
	return os.Readlink(path)
}

func (fs *RealFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (fs *RealFS) Remove(path string) error {
	return os.Remove(path)
}

func (fs *RealFS) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (fs *RealFS) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (fs *RealFS) Symlink(oldname, newname string) error {
	return os.Symlink(oldname, newname)
}

func (fs *RealFS) Chmod(path string, perm os.FileMode) error {
	return os.Chmod(path, perm)
}

// copyOptions merges into existing directories and dereferences symlinks so
// staged resources never point back into the caller's tree.
var copyOptions = copy.Options{
	OnSymlink: func(string) copy.SymlinkAction {
		return copy.Deep
	},
	OnDirExists: func(src, dst string) copy.DirExistsAction {
		return copy.Merge
	},
}

// Copy copies a file or directory from src to dst.
func (fs *RealFS) Copy(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := copy.Copy(src, dst, copyOptions); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return nil
}

// MergeDirs copies srcs into dst in order; later sources overwrite earlier ones.
func (fs *RealFS) MergeDirs(dst string, srcs ...string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("failed to create merge directory: %w", err)
	}
	for _, src := range srcs {
		info, err := os.Stat(src)
		if err != nil {
			return fmt.Errorf("failed to stat merge source: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("merge source %q is not a directory", src)
		}
		if err := copy.Copy(src, dst, copyOptions); err != nil {
			return fmt.Errorf("failed to merge %s: %w", src, err)
		}
	}
	return nil
}

// AtomicWrite writes data to path atomically using temp file + rename.
func (fs *RealFS) AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".themekit-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	tmpFile = nil
	return nil
}

func (fs *RealFS) WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	return os.WriteFile(path, data, perm)
}

func (fs *RealFS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (fs *RealFS) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}

// Exists checks if a path exists. A dangling symlink counts as existing.
func (fs *RealFS) Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (fs *RealFS) IsFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (fs *RealFS) IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
