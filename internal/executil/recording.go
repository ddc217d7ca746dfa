package executil

import (
	"context"
	"strings"
	"sync"
)

// RecordedCommand captures a command that was executed.
type RecordedCommand struct {
	Dir  string
	Cmd  string
	Args []string
}

// String renders the command line
func (c RecordedCommand) String() string {
	return strings.TrimSpace(c.Cmd + " " + strings.Join(c.Args, " "))
}

// RecordingExecutor captures commands for testing.
// Configure Outputs and Errors to control return values.
type RecordingExecutor struct {
	mu       sync.Mutex
	Commands []RecordedCommand

	// Outputs maps a command line prefix (e.g. "git worktree add") to its
	// output. The longest matching prefix wins.
	Outputs map[string][]byte

	// Errors maps a command line prefix to its error.
	Errors map[string]error
}

// Run records the command and returns configured output/error.
func (e *RecordingExecutor) Run(ctx context.Context, cmd string, args ...string) ([]byte, error) {
	return e.record("", cmd, args...)
}

// RunDir records the command with directory and returns configured output/error.
func (e *RecordingExecutor) RunDir(ctx context.Context, dir, cmd string, args ...string) ([]byte, error) {
	return e.record(dir, cmd, args...)
}

func (e *RecordingExecutor) record(dir, cmd string, args ...string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rc := RecordedCommand{
		Dir:  dir,
		Cmd:  cmd,
		Args: args,
	}
	e.Commands = append(e.Commands, rc)

	line := rc.String()
	return e.Outputs[longestPrefix(e.Outputs, line)], e.Errors[longestPrefix(e.Errors, line)]
}

func longestPrefix[V any](m map[string]V, line string) string {
	best := ""
	found := false
	for k := range m {
		if strings.HasPrefix(line, k) && (!found || len(k) > len(best)) {
			best, found = k, true
		}
	}
	if !found {
		return "\x00"
	}
	return best
}

// Lines returns every recorded command line
func (e *RecordingExecutor) Lines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.Commands))
	for i, c := range e.Commands {
		out[i] = c.String()
	}
	return out
}

// Reset clears recorded commands.
func (e *RecordingExecutor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Commands = nil
}

var _ Executor = (*RecordingExecutor)(nil)
