package state

import "time"

// BuildRecord describes the last successful build of an overlay package.
type BuildRecord struct {
	// Package is the overlay package name
	Package string `json:"package"`

	// Target is the package the overlay applies to
	Target string `json:"target"`

	// Timestamp is the install_timestamp meta-data written into the manifest
	Timestamp int64 `json:"timestamp"`

	// Artifacts lists the signed APKs, base first
	Artifacts []string `json:"artifacts"`

	// Compiler is "aapt" or "aapt2"
	Compiler string `json:"compiler,omitempty"`

	// BuiltAt is when the build finished
	BuiltAt time.Time `json:"builtAt"`
}

// NewBuildRecord creates a record with an empty artifact list.
func NewBuildRecord(pkg, target string, timestamp int64, builtAt time.Time) *BuildRecord {
	return &BuildRecord{
		Package:   pkg,
		Target:    target,
		Timestamp: timestamp,
		Artifacts: []string{},
		BuiltAt:   builtAt,
	}
}
