// Package executil runs external commands behind an interface so callers can
// be tested without spawning processes.
package executil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// DefaultOutputLimit caps captured output of isolated runs.
const DefaultOutputLimit = 1 << 20

// Executor runs commands.
type Executor interface {
	// Run executes a command and returns its combined output.
	Run(ctx context.Context, cmd string, args ...string) ([]byte, error)
	// RunDir executes a command in a specific directory.
	RunDir(ctx context.Context, dir, cmd string, args ...string) ([]byte, error)
}

// RealExecutor calls actual commands.
type RealExecutor struct{}

// Run executes a command and returns its combined output.
func (e *RealExecutor) Run(ctx context.Context, cmd string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, cmd, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("exec %s: %w", cmd, err)
	}
	return out, nil
}

// RunDir executes a command in a specific directory.
func (e *RealExecutor) RunDir(ctx context.Context, dir, cmd string, args ...string) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd, args...)
	c.Dir = dir
	out, err := c.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("exec %s in %s: %w", cmd, dir, err)
	}
	return out, nil
}

// LimitedWriter caps writes to a bytes.Buffer at a maximum byte count.
// Bytes beyond the limit are silently discarded.
type LimitedWriter struct {
	buf *bytes.Buffer
	n   int64
	max int64
}

// NewLimitedWriter creates a writer into buf that keeps at most max bytes
func NewLimitedWriter(buf *bytes.Buffer, max int64) *LimitedWriter {
	return &LimitedWriter{buf: buf, max: max}
}

func (w *LimitedWriter) Write(p []byte) (int, error) {
	if w.n >= w.max {
		return len(p), nil
	}
	remaining := w.max - w.n
	origLen := len(p)
	if int64(origLen) > remaining {
		p = p[:remaining]
	}
	n, err := w.buf.Write(p)
	w.n += int64(n)
	if err != nil {
		return n, err
	}
	return origLen, nil
}

// Truncated reports whether any bytes were discarded
func (w *LimitedWriter) Truncated() bool {
	return w.n >= w.max
}

// ExitCode extracts the process exit code from err. Nil means 0; errors that
// are not exit errors yield -1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
