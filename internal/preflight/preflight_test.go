package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/executil"
	tu "github.com/patrob/ai-sdlc-sub001/internal/testutil"
)

func TestResults_PassedCount(t *testing.T) {
	tests := []struct {
		name     string
		checks   []CheckResult
		expected int
	}{
		{
			name:     "all passed",
			checks:   []CheckResult{{Passed: true}, {Passed: true}, {Passed: true}},
			expected: 3,
		},
		{
			name:     "some failed",
			checks:   []CheckResult{{Passed: true}, {Passed: false}, {Passed: true}},
			expected: 2,
		},
		{
			name:     "all failed",
			checks:   []CheckResult{{Passed: false}, {Passed: false}},
			expected: 0,
		},
		{
			name:     "empty",
			checks:   []CheckResult{},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Results{Checks: tt.checks}
			assert.Equal(t, tt.expected, r.PassedCount())
		})
	}
}

func TestResults_FailedChecks(t *testing.T) {
	tests := []struct {
		name          string
		checks        []CheckResult
		expectedCount int
	}{
		{
			name: "returns only failed checks",
			checks: []CheckResult{
				{Name: "Check1", Passed: true},
				{Name: "Check2", Passed: false},
				{Name: "Check3", Passed: true},
				{Name: "Check4", Passed: false},
			},
			expectedCount: 2,
		},
		{
			name: "returns empty when all pass",
			checks: []CheckResult{
				{Name: "Check1", Passed: true},
				{Name: "Check2", Passed: true},
			},
			expectedCount: 0,
		},
		{
			name:          "handles empty checks",
			checks:        []CheckResult{},
			expectedCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Results{Checks: tt.checks}
			failed := r.FailedChecks()
			assert.Len(t, failed, tt.expectedCount)

			// Verify all returned are actually failed
			for _, check := range failed {
				assert.False(t, check.Passed)
			}
		})
	}
}

func TestResults_AddCheck(t *testing.T) {
	t.Run("adds check to list", func(t *testing.T) {
		r := &Results{Checks: []CheckResult{}, AllPass: true}

		r.addCheck(CheckResult{Name: "Test", Passed: true})

		assert.Len(t, r.Checks, 1)
		assert.Equal(t, "Test", r.Checks[0].Name)
	})

	t.Run("sets AllPass to false when check fails", func(t *testing.T) {
		r := &Results{Checks: []CheckResult{}, AllPass: true}

		r.addCheck(CheckResult{Name: "Failed", Passed: false})

		assert.False(t, r.AllPass)
	})

	t.Run("keeps AllPass true for a failed warning", func(t *testing.T) {
		r := &Results{Checks: []CheckResult{}, AllPass: true}

		r.addCheck(CheckResult{Name: "Git Clean", Passed: false, Warning: true})

		assert.True(t, r.AllPass)
	})

	t.Run("keeps AllPass true when check passes", func(t *testing.T) {
		r := &Results{Checks: []CheckResult{}, AllPass: true}

		r.addCheck(CheckResult{Name: "Passed", Passed: true})

		assert.True(t, r.AllPass)
	})
}

func newChecker(cfg *config.Config, ex *executil.RecordingExecutor, onPath ...string) *Checker {
	c := New(cfg, ex)
	c.lookPath = func(file string) (string, error) {
		for _, p := range onPath {
			if p == file {
				return "/usr/bin/" + file, nil
			}
		}
		return "", errors.New("not found")
	}
	return c
}

// inRepo makes ex answer git's work tree check for the project root
func inRepo(ex *executil.RecordingExecutor) *executil.RecordingExecutor {
	if ex.Outputs == nil {
		ex.Outputs = make(map[string][]byte)
	}
	ex.Outputs["git rev-parse --is-inside-work-tree"] = []byte("true\n")
	return ex
}

func checkNamed(t *testing.T, r *Results, name string) CheckResult {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no check named %q", name)
	return CheckResult{}
}

func TestCheckStorage(t *testing.T) {
	t.Run("passes when directory exists", func(t *testing.T) {
		cfg := tu.NewTestConfig(t)

		result := New(cfg, nil).checkStorage()

		assert.True(t, result.Passed)
		assert.Equal(t, "Story Directory", result.Name)
		assert.Equal(t, "Found", result.Message)
	})

	t.Run("fails when directory does not exist", func(t *testing.T) {
		cfg := config.New(t.TempDir())

		result := New(cfg, nil).checkStorage()

		assert.False(t, result.Passed)
		assert.Contains(t, result.Error, "not found")
	})

	t.Run("fails when path is not a directory", func(t *testing.T) {
		cfg := config.New(t.TempDir())
		cfg.StoryDir = "not-a-dir"
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Root, "not-a-dir"), []byte("test"), 0644))

		result := New(cfg, nil).checkStorage()

		assert.False(t, result.Passed)
		assert.Contains(t, result.Error, "Not a directory")
	})

	t.Run("sqlite database is created on demand", func(t *testing.T) {
		cfg := config.New(t.TempDir())
		cfg.Storage.Backend = config.BackendSQLite

		result := New(cfg, nil).checkStorage()

		assert.True(t, result.Passed)
		assert.Equal(t, "Story Database", result.Name)
	})
}

func TestRunAll(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy project", func(t *testing.T) {
		cfg := tu.NewTestConfig(t)
		ex := inRepo(&executil.RecordingExecutor{
			Outputs: map[string][]byte{
				"claude --version":                []byte("1.0.42\n"),
				"git rev-parse --abbrev-ref HEAD": []byte("main\n"),
				"git worktree list --porcelain":   []byte("worktree /repo\nHEAD abc\n\nworktree /repo/.ai-sdlc/worktrees/S-1\n"),
			},
		})

		results := newChecker(cfg, ex, "claude").RunAll(ctx)

		assert.True(t, results.AllPass)
		assert.Len(t, results.Checks, 6)
		assert.Equal(t, "1.0.42 (/usr/bin/claude)", checkNamed(t, results, "Agent CLI").Message)
		assert.Equal(t, "Branch: main", checkNamed(t, results, "Git Repository").Message)
		assert.Equal(t, "2 active", checkNamed(t, results, "Git Worktrees").Message)
		assert.Equal(t, "main", checkNamed(t, results, "Base Branch").Message)
		assert.True(t, checkNamed(t, results, "Git Clean").Passed)
		assert.Equal(t, "Working tree clean on main", checkNamed(t, results, "Git Clean").Message)

		for _, c := range ex.Commands {
			if c.Cmd == "git" {
				assert.Equal(t, cfg.Root, c.Dir)
			}
		}
	})

	t.Run("missing agent and not a repository", func(t *testing.T) {
		cfg := tu.NewTestConfig(t)
		ex := &executil.RecordingExecutor{
			Errors: map[string]error{"git rev-parse --is-inside-work-tree": errors.New("exit status 128")},
		}

		results := newChecker(cfg, ex).RunAll(ctx)

		assert.False(t, results.AllPass)
		assert.Len(t, results.Checks, 3)
		assert.Contains(t, checkNamed(t, results, "Agent CLI").Error, "claude not found")
		assert.Equal(t, "Not a git repository", checkNamed(t, results, "Git Repository").Error)
		assert.Len(t, results.FailedChecks(), 2)
	})

	t.Run("dirty tree is only a warning", func(t *testing.T) {
		cfg := tu.NewTestConfig(t)
		ex := inRepo(&executil.RecordingExecutor{
			Outputs: map[string][]byte{"git status --porcelain": []byte(" M story.md\n?? notes.txt\n")},
		})

		results := newChecker(cfg, ex, "claude").RunAll(ctx)

		assert.True(t, results.AllPass)
		clean := checkNamed(t, results, "Git Clean")
		assert.False(t, clean.Passed)
		assert.True(t, clean.Warning)
		assert.Equal(t, "Uncommitted changes detected (Modified, Untracked)", clean.Error)
	})

	t.Run("missing base branch", func(t *testing.T) {
		cfg := tu.NewTestConfig(t)
		cfg.Sandbox.BaseBranch = "develop"
		ex := inRepo(&executil.RecordingExecutor{
			Errors: map[string]error{"git rev-parse --verify --quiet develop": errors.New("exit status 1")},
		})

		results := newChecker(cfg, ex, "claude").RunAll(ctx)

		assert.False(t, results.AllPass)
		assert.Equal(t, "Branch develop not found", checkNamed(t, results, "Base Branch").Error)
	})

	t.Run("merge requires authenticated gh", func(t *testing.T) {
		cfg := tu.NewTestConfig(t)
		cfg.Merge.Enabled = true

		results := newChecker(cfg, inRepo(&executil.RecordingExecutor{}), "claude").RunAll(ctx)
		assert.False(t, results.AllPass)
		assert.Contains(t, checkNamed(t, results, "GitHub CLI").Error, "gh not found")

		ex := inRepo(&executil.RecordingExecutor{
			Errors: map[string]error{"gh auth status": errors.New("exit status 1")},
		})
		results = newChecker(cfg, ex, "claude", "gh").RunAll(ctx)
		assert.Contains(t, checkNamed(t, results, "GitHub CLI").Error, "Not authenticated")

		results = newChecker(cfg, inRepo(&executil.RecordingExecutor{}), "claude", "gh").RunAll(ctx)
		assert.True(t, results.AllPass)
		assert.Equal(t, "Authenticated", checkNamed(t, results, "GitHub CLI").Message)
	})
}
