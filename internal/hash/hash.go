// Package hash provides file checksums used to validate extracted build tools.
//
// The bundled aapt and zipalign binaries are published with MD5 sums; a
// mismatch means the extracted copy is stale or corrupt and must be replaced.
package hash

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Hasher provides an abstraction for file hashing operations.
type Hasher interface {
	// HashFile computes the hash of the file at the given path as lowercase hex.
	HashFile(path string) (string, error)
}

// MD5Hasher implements Hasher using MD5.
type MD5Hasher struct{}

// NewMD5Hasher creates a new MD5Hasher.
func NewMD5Hasher() *MD5Hasher {
	return &MD5Hasher{}
}

// HashFile computes the MD5 digest of the file at the given path.
func (h *MD5Hasher) HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := md5.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Matches reports whether the file at path hashes to reference. The
// comparison ignores case since published sums are usually uppercase.
func Matches(h Hasher, path, reference string) bool {
	sum, err := h.HashFile(path)
	if err != nil {
		return false
	}
	return strings.EqualFold(sum, reference)
}

// FakeHasher implements Hasher with deterministic hashes for testing.
type FakeHasher struct {
	hashes map[string]string
}

// NewFakeHasher creates a new FakeHasher.
func NewFakeHasher() *FakeHasher {
	return &FakeHasher{
		hashes: make(map[string]string),
	}
}

// SetHash sets the hash for a specific path.
func (h *FakeHasher) SetHash(path, hash string) {
	h.hashes[path] = hash
}

// HashFile returns the predetermined hash for the given path.
func (h *FakeHasher) HashFile(path string) (string, error) {
	if hash, ok := h.hashes[path]; ok {
		return hash, nil
	}
	return "", fmt.Errorf("no hash for %s", path)
}
