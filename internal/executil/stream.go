package executil

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// WaitDelay is how long Stream waits for output to close after the process
// is killed.
const WaitDelay = 5 * time.Second

// LineFunc receives one line of subprocess output
type LineFunc func(line string, isStderr bool)

// ShellCommand describes a command run through `sh -c`
type ShellCommand struct {
	Dir     string
	Command string
	// Env entries are appended to the current environment.
	Env []string
}

// Command describes a program run without a shell
type Command struct {
	Dir  string
	Name string
	Args []string
	// Env entries are appended to the current environment.
	Env []string
}

// StreamShell runs cmd through the shell, see Stream.
func StreamShell(ctx context.Context, cmd ShellCommand, onLine LineFunc) error {
	return Stream(ctx, Command{
		Dir:  cmd.Dir,
		Name: "sh",
		Args: []string{"-c", cmd.Command},
		Env:  cmd.Env,
	}, onLine)
}

// Stream runs cmd and delivers stdout and stderr line by line to onLine.
// Calls to onLine are serialized. The returned error wraps *exec.ExitError on
// a non-zero exit. Cancelling ctx kills the command's whole process group.
func Stream(ctx context.Context, cmd Command, onLine LineFunc) error {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.WaitDelay = WaitDelay
	setProcessGroup(c)
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	scan := func(r io.Reader, isStderr bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		// Increase buffer size for long lines
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			mu.Lock()
			onLine(scanner.Text(), isStderr)
			mu.Unlock()
		}
		// Drain so the process never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}

	wg.Add(2)
	go scan(stdout, false)
	go scan(stderr, true)

	// Wait for output streams to finish
	wg.Wait()

	return c.Wait()
}
