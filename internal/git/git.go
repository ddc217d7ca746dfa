// Package git wraps the git command line for repository status and worktree
// management.
package git

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/patrob/ai-sdlc-sub001/internal/executil"
)

// Status represents the current git repository status
type Status struct {
	Branch           string
	IsClean          bool
	HasUncommitted   bool
	HasUntracked     bool
	Ahead            int
	Behind           int
	IsGitRepo        bool
	UncommittedCount int
	UntrackedCount   int
}

// Client runs git commands through an executor
type Client struct {
	gitPath string
	exec    executil.Executor
}

// NewClient creates a git client using the given binary
func NewClient(gitPath string, exec executil.Executor) *Client {
	if gitPath == "" {
		gitPath = "git"
	}
	return &Client{gitPath: gitPath, exec: exec}
}

func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := c.exec.RunDir(ctx, dir, c.gitPath, args...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return "", fmt.Errorf("git %s: %s: %w", args[0], msg, err)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}

// IsRepo checks if the directory is inside a git work tree
func (c *Client) IsRepo(ctx context.Context, dir string) bool {
	out, err := c.run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Branch returns the current branch name
func (c *Client) Branch(ctx context.Context, dir string) (string, error) {
	return c.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch exists
func (c *Client) BranchExists(ctx context.Context, dir, branch string) bool {
	_, err := c.run(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// Status retrieves the current git status. A directory outside a repository
// yields a zero Status with IsGitRepo false.
func (c *Client) Status(ctx context.Context, dir string) Status {
	status := Status{
		IsGitRepo: c.IsRepo(ctx, dir),
	}
	if !status.IsGitRepo {
		return status
	}

	if branch, err := c.Branch(ctx, dir); err == nil {
		status.Branch = branch
	} else {
		status.Branch = "unknown"
	}

	if out, err := c.run(ctx, dir, "status", "--porcelain"); err == nil {
		status.UncommittedCount, status.UntrackedCount = countPorcelain(out)
	}
	status.HasUncommitted = status.UncommittedCount > 0
	status.HasUntracked = status.UntrackedCount > 0
	status.IsClean = !status.HasUncommitted && !status.HasUntracked

	if out, err := c.run(ctx, dir, "rev-list", "--left-right", "--count", "@{upstream}...HEAD"); err == nil {
		status.Behind, status.Ahead = parseLeftRight(out)
	}

	return status
}

// WorktreeAdd creates a worktree at path. When createBranch is set a new
// branch is started from base, otherwise the existing branch is checked out.
func (c *Client) WorktreeAdd(ctx context.Context, repoDir, path, branch, base string, createBranch bool) error {
	args := []string{"worktree", "add"}
	if createBranch {
		args = append(args, "-b", branch, path, base)
	} else {
		args = append(args, path, branch)
	}
	_, err := c.run(ctx, repoDir, args...)
	return err
}

// WorktreeRemove removes the worktree at path
func (c *Client) WorktreeRemove(ctx context.Context, repoDir, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := c.run(ctx, repoDir, args...)
	return err
}

// WorktreePrune cleans up administrative files for deleted worktrees
func (c *Client) WorktreePrune(ctx context.Context, repoDir string) error {
	_, err := c.run(ctx, repoDir, "worktree", "prune")
	return err
}

// WorktreeSupported reports whether the git binary understands worktrees
func (c *Client) WorktreeSupported(ctx context.Context, repoDir string) bool {
	_, err := c.run(ctx, repoDir, "worktree", "list", "--porcelain")
	return err == nil
}

// countPorcelain counts tracked changes and untracked files in
// `git status --porcelain` output
func countPorcelain(out string) (uncommitted, untracked int) {
	for _, line := range strings.Split(out, "\n") {
		switch {
		case line == "":
		case strings.HasPrefix(line, "??"):
			untracked++
		default:
			uncommitted++
		}
	}
	return uncommitted, untracked
}

// parseLeftRight parses `git rev-list --left-right --count` output, which is
// "<left>\t<right>"
func parseLeftRight(out string) (left, right int) {
	parts := strings.Fields(out)
	if len(parts) != 2 {
		return 0, 0
	}
	left, _ = strconv.Atoi(parts[0])
	right, _ = strconv.Atoi(parts[1])
	return left, right
}

// FormatStatus returns a human-readable status string
func (s Status) FormatStatus() string {
	if !s.IsGitRepo {
		return "Not a git repo"
	}

	if s.IsClean {
		return "Clean"
	}

	var parts []string
	if s.HasUncommitted {
		parts = append(parts, "Modified")
	}
	if s.HasUntracked {
		parts = append(parts, "Untracked")
	}

	return strings.Join(parts, ", ")
}

// FormatBranch returns the branch with ahead/behind info
func (s Status) FormatBranch() string {
	if !s.IsGitRepo {
		return ""
	}

	branch := s.Branch
	if s.Ahead > 0 {
		branch += fmt.Sprintf(" ↑%d", s.Ahead)
	}
	if s.Behind > 0 {
		branch += fmt.Sprintf(" ↓%d", s.Behind)
	}
	return branch
}
