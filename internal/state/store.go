package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/danieljhkim/themekit/internal/fsops"
)

// RecordStore persists build records.
type RecordStore interface {
	// Load returns the record for pkg.
	// Returns os.ErrNotExist if there is none.
	Load(pkg string) (*BuildRecord, error)

	// Save writes the record atomically, replacing any previous one.
	Save(record *BuildRecord) error

	// Delete removes the record for pkg. Missing records are not an error.
	Delete(pkg string) error

	// List returns the packages that have records, sorted.
	List() ([]string, error)
}

// FileRecordStore implements RecordStore using JSON files on disk.
type FileRecordStore struct {
	fs  fsops.FS
	dir string
}

// NewFileRecordStore creates a new FileRecordStore.
func NewFileRecordStore(fs fsops.FS, dir string) *FileRecordStore {
	return &FileRecordStore{fs: fs, dir: dir}
}

func (s *FileRecordStore) path(pkg string) (string, error) {
	if pkg == "" || strings.ContainsAny(pkg, `/\`) || pkg == "." || pkg == ".." {
		return "", fmt.Errorf("invalid package name %q", pkg)
	}
	return filepath.Join(s.dir, pkg+".json"), nil
}

// Load loads the record for pkg.
func (s *FileRecordStore) Load(pkg string) (*BuildRecord, error) {
	path, err := s.path(pkg)
	if err != nil {
		return nil, err
	}

	data, err := s.fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to read build record: %w", err)
	}

	var record BuildRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal build record: %w", err)
	}

	return &record, nil
}

// Save saves the record atomically.
func (s *FileRecordStore) Save(record *BuildRecord) error {
	path, err := s.path(record.Package)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal build record: %w", err)
	}

	if err := s.fs.AtomicWrite(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write build record: %w", err)
	}

	return nil
}

// Delete deletes the record file.
func (s *FileRecordStore) Delete(pkg string) error {
	path, err := s.path(pkg)
	if err != nil {
		return err
	}

	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete build record: %w", err)
	}

	return nil
}

// List lists recorded packages.
func (s *FileRecordStore) List() ([]string, error) {
	entries, err := s.fs.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list build records: %w", err)
	}

	out := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if pkg, ok := strings.CutSuffix(e.Name(), ".json"); ok {
			out = append(out, pkg)
		}
	}
	slices.Sort(out)
	return out, nil
}
