// Package sandbox gives each story its own git worktree and runs commands
// inside it as isolated subprocesses.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/patrob/ai-sdlc-sub001/internal/executil"
	"github.com/patrob/ai-sdlc-sub001/internal/git"
	"github.com/patrob/ai-sdlc-sub001/internal/parser"
)

// ErrExists is returned by Create when the sandbox exists and resuming was
// not requested.
var ErrExists = errors.New("sandbox already exists")

// BranchPrefix namespaces story branches.
const BranchPrefix = "sdlc/"

// CreateOptions selects the story to sandbox
type CreateOptions struct {
	StoryID        string
	ResumeIfExists bool
}

// Ref locates a created sandbox
type Ref struct {
	StoryID string
	Path    string
	Branch  string
	Resumed bool
}

// RunResult is the outcome of an isolated run
type RunResult struct {
	ExitCode  int
	Output    string
	Truncated bool
	Duration  time.Duration
}

// Sandbox isolates one story's work from the main checkout
type Sandbox interface {
	Create(ctx context.Context, opts CreateOptions) (Ref, error)
	Remove(ctx context.Context, ref Ref, force bool) error
	RunIsolated(ctx context.Context, ref Ref, command string) (RunResult, error)
}

// WorktreeSandbox implements Sandbox with git worktrees
type WorktreeSandbox struct {
	git         *git.Client
	repoDir     string
	worktreeDir string
	baseBranch  string
	outputLimit int64
	log         zerolog.Logger
}

// Options configures a WorktreeSandbox
type Options struct {
	RepoDir     string
	WorktreeDir string
	BaseBranch  string
	OutputLimit int64
}

// NewWorktreeSandbox creates a sandbox manager for the repository
func NewWorktreeSandbox(client *git.Client, opts Options, log zerolog.Logger) *WorktreeSandbox {
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = executil.DefaultOutputLimit
	}
	return &WorktreeSandbox{
		git:         client,
		repoDir:     opts.RepoDir,
		worktreeDir: opts.WorktreeDir,
		baseBranch:  opts.BaseBranch,
		outputLimit: opts.OutputLimit,
		log:         log.With().Str("component", "sandbox").Logger(),
	}
}

// Create adds a worktree for the story on branch sdlc/<id>, reusing the
// branch when it already exists.
func (s *WorktreeSandbox) Create(ctx context.Context, opts CreateOptions) (Ref, error) {
	if !parser.ValidID(opts.StoryID) {
		return Ref{}, fmt.Errorf("%w: %q", parser.ErrInvalidID, opts.StoryID)
	}

	ref := Ref{
		StoryID: opts.StoryID,
		Path:    filepath.Join(s.worktreeDir, opts.StoryID),
		Branch:  BranchPrefix + opts.StoryID,
	}

	if info, err := os.Stat(ref.Path); err == nil && info.IsDir() {
		if !opts.ResumeIfExists {
			return Ref{}, fmt.Errorf("%w: %s", ErrExists, ref.Path)
		}
		s.log.Debug().Str("story_id", ref.StoryID).Str("path", ref.Path).Msg("resuming sandbox")
		ref.Resumed = true
		return ref, nil
	}

	if err := os.MkdirAll(s.worktreeDir, 0755); err != nil {
		return Ref{}, fmt.Errorf("failed to create worktree dir: %w", err)
	}

	// A stale registration blocks re-adding the same path.
	_ = s.git.WorktreePrune(ctx, s.repoDir)

	createBranch := !s.git.BranchExists(ctx, s.repoDir, ref.Branch)
	if err := s.git.WorktreeAdd(ctx, s.repoDir, ref.Path, ref.Branch, s.baseBranch, createBranch); err != nil {
		return Ref{}, fmt.Errorf("failed to create sandbox for %s: %w", opts.StoryID, err)
	}

	s.log.Info().Str("story_id", ref.StoryID).Str("path", ref.Path).Str("branch", ref.Branch).Msg("sandbox created")
	return ref, nil
}

// Remove deletes the worktree. The branch is kept.
func (s *WorktreeSandbox) Remove(ctx context.Context, ref Ref, force bool) error {
	if err := s.git.WorktreeRemove(ctx, s.repoDir, ref.Path, force); err != nil {
		return fmt.Errorf("failed to remove sandbox for %s: %w", ref.StoryID, err)
	}
	s.log.Debug().Str("story_id", ref.StoryID).Bool("force", force).Msg("sandbox removed")
	return nil
}

// RunIsolated runs command through the shell inside the sandbox, capturing
// combined output up to the configured limit. A non-zero exit is reported in
// RunResult, not as an error.
func (s *WorktreeSandbox) RunIsolated(ctx context.Context, ref Ref, command string) (RunResult, error) {
	var buf bytes.Buffer
	w := executil.NewLimitedWriter(&buf, s.outputLimit)

	start := time.Now()
	err := executil.StreamShell(ctx, executil.ShellCommand{
		Dir:     ref.Path,
		Command: command,
		Env: []string{
			"SDLC_STORY_ID=" + ref.StoryID,
			"SDLC_SANDBOX=" + ref.Path,
		},
	}, func(line string, _ bool) {
		_, _ = w.Write([]byte(line + "\n"))
	})

	result := RunResult{
		ExitCode:  executil.ExitCode(err),
		Output:    buf.String(),
		Truncated: w.Truncated(),
		Duration:  time.Since(start),
	}

	if err != nil && result.ExitCode < 0 {
		return result, fmt.Errorf("failed to run in sandbox %s: %w", ref.StoryID, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	return result, nil
}

var _ Sandbox = (*WorktreeSandbox)(nil)
