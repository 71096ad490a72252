package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ToolRunner runs one-shot native tools such as aapt and aapt2.
type ToolRunner interface {
	Run(ctx context.Context, name string, args ...string) (ToolResult, error)
}

// ToolResult captures what a tool wrote to stderr and how it exited. The
// packaging tools report failures on stderr, so Stderr is what callers check.
type ToolResult struct {
	Stderr   string
	ExitCode int
}

// Failed reports whether the tool printed diagnostics.
func (r ToolResult) Failed() bool {
	return strings.TrimSpace(r.Stderr) != ""
}

// ExecToolRunner implements ToolRunner with os/exec.
type ExecToolRunner struct{}

// NewExecToolRunner creates a new ExecToolRunner.
func NewExecToolRunner() *ExecToolRunner {
	return &ExecToolRunner{}
}

// Run executes name with args and waits for it to exit. The error is non-nil
// only when the tool could not be started or ctx was cancelled.
func (r *ExecToolRunner) Run(ctx context.Context, name string, args ...string) (ToolResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ToolResult{Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return res, nil
}
