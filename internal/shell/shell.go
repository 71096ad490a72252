// Package shell keeps a persistent interactive shell process (plain or root)
// and runs command batches through it.
//
// A batch is written line by line to the shell's stdin followed by an echo of
// a freshly generated sentinel; output is read until the sentinel line comes
// back. Batches are serialized, so concurrent callers block rather than
// interleave their output. Unlike a bare pipe wrapper, a broken channel is
// reported as an error so callers can tell "no output" from "no shell".
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrChannel indicates the shell's stdin/stdout could not be used.
	ErrChannel = errors.New("shell channel failure")

	// ErrTimeout indicates a batch did not finish within its deadline. The
	// shell is killed and must be reinitialized.
	ErrTimeout = errors.New("shell command timed out")

	// ErrClosed indicates the shell has been closed or killed.
	ErrClosed = errors.New("shell closed")
)

// Runner executes command batches. *Shell is the production implementation;
// backends and the builder depend on this interface only.
type Runner interface {
	Exec(ctx context.Context, commands ...string) (*Result, error)
}

// Result is the output of a command batch, with the sentinel line removed.
type Result struct {
	Output []string
}

// Text joins the output lines with newlines.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	return strings.Join(r.Output, "\n")
}

// Empty reports whether the batch produced no output.
func (r *Result) Empty() bool {
	return r == nil || len(r.Output) == 0
}

// Options configures a Shell.
type Options struct {
	// Root starts "su" instead of "sh".
	Root bool

	// Binary overrides the shell executable.
	Binary string

	// Timeout bounds each batch when the caller's context has no deadline.
	// Zero means no timeout.
	Timeout time.Duration

	Logger *slog.Logger
}

func (o Options) binary() string {
	if o.Binary != "" {
		return o.Binary
	}
	if o.Root {
		return "su"
	}
	return "sh"
}

// Shell is a persistent shell subprocess.
type Shell struct {
	mu     sync.Mutex
	opts   Options
	log    *slog.Logger
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    *os.File
	reader *bufio.Reader
	closed bool
}

// New starts a shell process.
func New(opts Options) (*Shell, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Shell{opts: opts, log: log}
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Shell) start() error {
	cmd := exec.Command(s.opts.binary())

	// stdout and stderr share one pipe so diagnostics arrive inline.
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create shell pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return fmt.Errorf("failed to open shell stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return fmt.Errorf("failed to start %s: %w", s.opts.binary(), err)
	}
	_ = pw.Close()

	s.cmd = cmd
	s.stdin = stdin
	s.out = pr
	s.reader = bufio.NewReader(pr)
	s.closed = false
	s.log.Debug("shell started", "binary", s.opts.binary(), "pid", cmd.Process.Pid)
	return nil
}

// IsRoot reports whether the shell was started as root.
func (s *Shell) IsRoot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Root
}

// Reinit replaces the running process with a new plain or root shell.
func (s *Shell) Reinit(root bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kill()
	s.opts.Root = root
	return s.start()
}

// RootAccess reports whether this is a root shell that actually answers.
func (s *Shell) RootAccess(ctx context.Context) bool {
	if !s.IsRoot() {
		return false
	}
	res, err := s.Exec(ctx, "echo revel")
	if err != nil || res.Empty() {
		return false
	}
	return res.Output[0] == "revel"
}

// Exec runs commands in order and returns their combined output.
//
// The returned Result is never nil. On ErrChannel it holds whatever output was
// read before the failure.
func (s *Shell) Exec(ctx context.Context, commands ...string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &Result{}
	if s.closed {
		return res, ErrClosed
	}

	if _, ok := ctx.Deadline(); !ok && s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	sentinel := uuid.NewString()
	var script strings.Builder
	for _, c := range commands {
		script.WriteString(c)
		script.WriteByte('\n')
	}
	fmt.Fprintf(&script, "echo %s\n", sentinel)

	if _, err := io.WriteString(s.stdin, script.String()); err != nil {
		s.kill()
		return res, fmt.Errorf("%w: write: %v", ErrChannel, err)
	}

	type readResult struct {
		lines []string
		err   error
	}
	done := make(chan readResult, 1)
	reader := s.reader
	go func() {
		var lines []string
		for {
			line, err := reader.ReadString('\n')
			line = strings.TrimRight(line, "\r\n")
			if err != nil {
				if line != "" && line != sentinel {
					lines = append(lines, line)
				}
				done <- readResult{lines: lines, err: err}
				return
			}
			// Output without a trailing newline runs into the sentinel.
			if rest, ok := strings.CutSuffix(line, sentinel); ok {
				if rest != "" {
					lines = append(lines, rest)
				}
				done <- readResult{lines: lines}
				return
			}
			lines = append(lines, line)
		}
	}()

	select {
	case r := <-done:
		res.Output = r.lines
		if r.err != nil {
			s.kill()
			if errors.Is(r.err, io.EOF) {
				return res, fmt.Errorf("%w: shell exited before batch completed", ErrChannel)
			}
			return res, fmt.Errorf("%w: read: %v", ErrChannel, r.err)
		}
		s.log.Debug("shell batch", "commands", len(commands), "lines", len(res.Output))
		return res, nil
	case <-ctx.Done():
		s.kill()
		<-done
		s.log.Warn("shell batch aborted", "commands", commands, "err", ctx.Err())
		return res, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// kill tears down the current process. Callers hold s.mu.
func (s *Shell) kill() {
	if s.closed || s.cmd == nil {
		s.closed = true
		return
	}
	s.closed = true
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	// Closing the read end unblocks a reader stuck behind a child that
	// inherited the pipe.
	_ = s.out.Close()
	_ = s.cmd.Wait()
}

// Close terminates the shell.
func (s *Shell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kill()
	return nil
}

// Quote single-quotes s as one sh word.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Submit runs commands on r in the background and reports the outcome to
// onDone, which may be nil. It returns immediately.
func Submit(ctx context.Context, r Runner, onDone func(*Result, error), commands ...string) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		res, err := r.Exec(ctx, commands...)
		if onDone != nil {
			onDone(res, err)
		}
	}()
}
