package dataplane

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes one rendered data-plane command and returns its combined
// output. Implementations must be safe for use from the worker goroutine
// and from read-only callers of Show.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// ExecRunner shells out to the real tc and iptables binaries
type ExecRunner struct{}

// NewExecRunner returns a runner backed by os/exec
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command, honoring the context deadline. Commands are
// rendered from vetted templates, so plain whitespace splitting is safe;
// no shell is involved.
func (r *ExecRunner) Run(ctx context.Context, command string) (string, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w", parts[0], err)
	}
	return string(out), nil
}

// DryRunner validates and records commands without touching the host.
// Used on non-Linux development hosts and when dataplane.dry is set; it is
// chosen at startup and never mixed with the exec runner.
type DryRunner struct {
	mu       sync.Mutex
	commands []string
}

// NewDryRunner returns an empty recording runner
func NewDryRunner() *DryRunner {
	return &DryRunner{}
}

// Run records the command and reports success
func (r *DryRunner) Run(_ context.Context, command string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	return "", nil
}

// Commands returns a copy of everything run so far
func (r *DryRunner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.commands))
	copy(out, r.commands)
	return out
}

// Reset clears the recorded command log
func (r *DryRunner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = nil
}
