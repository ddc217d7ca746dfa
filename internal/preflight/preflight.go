package preflight

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/executil"
	"github.com/patrob/ai-sdlc-sub001/internal/git"
)

// CheckResult represents the result of a single pre-flight check
type CheckResult struct {
	Name    string
	Passed  bool
	Message string
	Error   string
	// Warning checks are reported but never fail the run.
	Warning bool
}

// Results holds all pre-flight check results
type Results struct {
	Checks  []CheckResult
	AllPass bool
}

// Checker runs environment checks before the pipeline touches anything
type Checker struct {
	cfg      *config.Config
	exec     executil.Executor
	git      *git.Client
	lookPath func(file string) (string, error)
}

// New creates a checker using the real PATH
func New(cfg *config.Config, ex executil.Executor) *Checker {
	return &Checker{
		cfg:      cfg,
		exec:     ex,
		git:      git.NewClient(cfg.Sandbox.GitPath, ex),
		lookPath: exec.LookPath,
	}
}

// RunAll executes all pre-flight checks
func (c *Checker) RunAll(ctx context.Context) *Results {
	results := &Results{
		Checks:  make([]CheckResult, 0),
		AllPass: true,
	}

	results.addCheck(c.checkAgentCLI(ctx))
	results.addCheck(c.checkStorage())

	repo := c.checkGitRepo(ctx)
	results.addCheck(repo)
	if repo.Passed {
		results.addCheck(c.checkWorktrees(ctx))
		results.addCheck(c.checkBaseBranch(ctx))
		results.addCheck(c.checkGitClean(ctx))
	}

	if c.cfg.Merge.Enabled {
		results.addCheck(c.checkGitHubCLI(ctx))
	}

	return results
}

// addCheck adds a check result and updates AllPass
func (r *Results) addCheck(check CheckResult) {
	r.Checks = append(r.Checks, check)
	if !check.Passed && !check.Warning {
		r.AllPass = false
	}
}

// PassedCount returns the number of passed checks
func (r *Results) PassedCount() int {
	count := 0
	for _, check := range r.Checks {
		if check.Passed {
			count++
		}
	}
	return count
}

// FailedChecks returns only the failed checks
func (r *Results) FailedChecks() []CheckResult {
	failed := make([]CheckResult, 0)
	for _, check := range r.Checks {
		if !check.Passed {
			failed = append(failed, check)
		}
	}
	return failed
}

// checkAgentCLI verifies the agent CLI is installed and accessible
func (c *Checker) checkAgentCLI(ctx context.Context) CheckResult {
	name := c.cfg.Agents.Command
	result := CheckResult{Name: "Agent CLI"}

	path, err := c.lookPath(name)
	if err != nil {
		result.Error = fmt.Sprintf("%s not found in PATH", name)
		return result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("Found at %s", path)

	if out, err := c.exec.Run(ctx, name, "--version"); err == nil {
		if version := strings.TrimSpace(string(out)); version != "" {
			result.Message = fmt.Sprintf("%s (%s)", version, path)
		}
	}
	return result
}

// checkStorage verifies the story directory, or the database directory for SQLite
func (c *Checker) checkStorage() CheckResult {
	if c.cfg.Storage.Backend == config.BackendSQLite {
		result := CheckResult{Name: "Story Database"}
		if _, err := os.Stat(c.cfg.DatabasePath()); err != nil {
			result.Passed = true
			result.Message = "Will be created"
			return result
		}
		result.Passed = true
		result.Message = "Found"
		return result
	}

	result := CheckResult{Name: "Story Directory"}
	dir := c.cfg.StoryDirPath()

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		result.Error = fmt.Sprintf("Directory not found: %s", dir)
		return result
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if !info.IsDir() {
		result.Error = fmt.Sprintf("Not a directory: %s", dir)
		return result
	}

	result.Passed = true
	result.Message = "Found"
	return result
}

// checkGitRepo verifies the project root is a git repository
func (c *Checker) checkGitRepo(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Git Repository"}

	if !c.git.IsRepo(ctx, c.cfg.Root) {
		result.Error = "Not a git repository"
		return result
	}

	result.Passed = true
	result.Message = "Found"
	if branch, err := c.git.Branch(ctx, c.cfg.Root); err == nil {
		result.Message = fmt.Sprintf("Branch: %s", branch)
	}
	return result
}

// checkWorktrees verifies git can manage the worktrees sandboxes live in
func (c *Checker) checkWorktrees(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Git Worktrees"}

	out, err := c.runGit(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		result.Error = "git worktree is not supported"
		return result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("%d active", strings.Count(string(out), "worktree "))
	return result
}

// checkBaseBranch verifies sandboxes have a branch to start from
func (c *Checker) checkBaseBranch(ctx context.Context) CheckResult {
	branch := c.cfg.Sandbox.BaseBranch
	result := CheckResult{Name: "Base Branch"}

	if _, err := c.runGit(ctx, "rev-parse", "--verify", "--quiet", branch); err != nil {
		result.Error = fmt.Sprintf("Branch %s not found", branch)
		return result
	}

	result.Passed = true
	result.Message = branch
	return result
}

// checkGitClean checks for uncommitted changes (warning only)
func (c *Checker) checkGitClean(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Git Clean", Warning: true}

	status := c.git.Status(ctx, c.cfg.Root)
	if !status.IsClean {
		result.Error = fmt.Sprintf("Uncommitted changes detected (%s)", status.FormatStatus())
		return result
	}

	result.Passed = true
	result.Message = "Working tree clean on " + status.FormatBranch()
	return result
}

// checkGitHubCLI verifies gh is installed and logged in for CI gating and merges
func (c *Checker) checkGitHubCLI(ctx context.Context) CheckResult {
	gh := c.cfg.Merge.GHPath
	result := CheckResult{Name: "GitHub CLI"}

	if _, err := c.lookPath(gh); err != nil {
		result.Error = fmt.Sprintf("%s not found in PATH (required when merge is enabled)", gh)
		return result
	}
	if _, err := c.exec.RunDir(ctx, c.cfg.Root, gh, "auth", "status"); err != nil {
		result.Error = "Not authenticated (run gh auth login)"
		return result
	}

	result.Passed = true
	result.Message = "Authenticated"
	return result
}

func (c *Checker) runGit(ctx context.Context, args ...string) ([]byte, error) {
	return c.exec.RunDir(ctx, c.cfg.Root, c.cfg.Sandbox.GitPath, args...)
}
