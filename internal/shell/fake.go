package shell

import (
	"context"
	"strings"
	"sync"
)

// FakeRunner implements Runner for testing. Each command is answered from
// Handler when set, otherwise from the canned responses registered with On.
type FakeRunner struct {
	mu        sync.Mutex
	responses map[string][]string
	batches   [][]string

	// Handler answers a single command.
	Handler func(command string) ([]string, error)

	// Err, when set, fails every batch after recording it.
	Err error
}

// NewFakeRunner creates a new FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{responses: make(map[string][]string)}
}

// On registers the output of command.
func (f *FakeRunner) On(command string, output ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[command] = output
}

// Exec records the batch and returns the canned output.
func (f *FakeRunner) Exec(ctx context.Context, commands ...string) (*Result, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), commands...))
	handler := f.Handler
	failure := f.Err
	f.mu.Unlock()

	res := &Result{}
	if failure != nil {
		return res, failure
	}
	for _, c := range commands {
		if handler != nil {
			out, err := handler(c)
			res.Output = append(res.Output, out...)
			if err != nil {
				return res, err
			}
			continue
		}
		f.mu.Lock()
		res.Output = append(res.Output, f.responses[c]...)
		f.mu.Unlock()
	}
	return res, nil
}

// Batches returns every batch received, in order.
func (f *FakeRunner) Batches() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.batches))
	copy(out, f.batches)
	return out
}

// Commands returns every command received, flattened across batches.
func (f *FakeRunner) Commands() []string {
	var out []string
	for _, b := range f.Batches() {
		out = append(out, b...)
	}
	return out
}

// CommandsWithPrefix returns the received commands starting with prefix.
func (f *FakeRunner) CommandsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range f.Commands() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// ToolCall is one invocation seen by FakeToolRunner.
type ToolCall struct {
	Name string
	Args []string
}

// FakeToolRunner implements ToolRunner for testing.
type FakeToolRunner struct {
	mu    sync.Mutex
	calls []ToolCall

	// Handler produces the outcome of a call. A nil Handler succeeds silently.
	Handler func(name string, args []string) (ToolResult, error)
}

// Run records the call and delegates to Handler.
func (f *FakeToolRunner) Run(ctx context.Context, name string, args ...string) (ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ToolCall{Name: name, Args: append([]string(nil), args...)})
	handler := f.Handler
	f.mu.Unlock()
	if handler == nil {
		return ToolResult{}, nil
	}
	return handler(name, args)
}

// Calls returns every recorded call, in order.
func (f *FakeToolRunner) Calls() []ToolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ToolCall, len(f.calls))
	copy(out, f.calls)
	return out
}
