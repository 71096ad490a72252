package builder

import (
	"errors"
	"fmt"
)

// ErrBuild is matched by every *BuildError.
var ErrBuild = errors.New("overlay build failed")

// Stage is a step of the build pipeline.
type Stage int

const (
	StageInit Stage = iota
	StageManifestGenerated
	StageCompiled
	StageAligned
	StageSigned
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageManifestGenerated:
		return "manifest"
	case StageCompiled:
		return "compiled"
	case StageAligned:
		return "aligned"
	case StageSigned:
		return "signed"
	case StageDone:
		return "done"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Kind classifies a build failure.
type Kind string

const (
	KindEmptyResources  Kind = "empty_resources"
	KindOutputDir       Kind = "output_dir"
	KindCompile         Kind = "compile"
	KindMissingUnsigned Kind = "missing_unsigned"
	KindAlign           Kind = "align"
	KindSign            Kind = "sign"
)

// Failure messages reported to callers.
const (
	MsgEmptyResources  = "Resource directory cannot be empty!"
	MsgOutputDir       = "Failed to create overlay cache directory"
	MsgMissingUnsigned = "Failed to compile overlay"
	MsgAlign           = "Failed to zipalign overlay"
	MsgSign            = "Failed to sign overlay"
)

// BuildError is a recoverable build failure. Stage is the last stage that
// completed before the failure.
type BuildError struct {
	Stage    Stage
	Kind     Kind
	Artifact string
	Message  string
	Err      error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

func (e *BuildError) Is(target error) bool {
	return target == ErrBuild
}

func failure(stage Stage, kind Kind, msg string, err error) *BuildError {
	return &BuildError{Stage: stage, Kind: kind, Message: msg, Err: err}
}
