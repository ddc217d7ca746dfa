package ci

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrob/ai-sdlc-sub001/internal/executil"
)

// scriptedExec returns canned responses in order, repeating the last one.
type scriptedExec struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     []string
}

func (s *scriptedExec) Run(ctx context.Context, cmd string, args ...string) ([]byte, error) {
	return s.RunDir(ctx, "", cmd, args...)
}

func (s *scriptedExec) RunDir(_ context.Context, _ string, cmd string, args ...string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.calls)
	s.calls = append(s.calls, cmd+" "+strings.Join(args, " "))
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return []byte(s.responses[i]), err
}

var _ executil.Executor = (*scriptedExec)(nil)

const (
	pendingJSON = `[{"name":"build","state":"IN_PROGRESS","bucket":"pending"},{"name":"lint","state":"SUCCESS","bucket":"pass"}]`
	passJSON    = `[{"name":"build","state":"SUCCESS","bucket":"pass"},{"name":"lint","state":"SKIPPED","bucket":"skipping"}]`
	failJSON    = `[{"name":"build","state":"FAILURE","bucket":"fail"},{"name":"lint","state":"SUCCESS","bucket":"pass"}]`
)

var exitErr = errors.New("exit status 8")

func fastOpts() CheckOptions {
	return CheckOptions{Timeout: time.Second, PollInterval: 5 * time.Millisecond}
}

func TestGHMerger_WaitForChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("passes after pending", func(t *testing.T) {
		ex := &scriptedExec{responses: []string{pendingJSON, pendingJSON, passJSON}, errs: []error{exitErr, exitErr}}
		m := NewGHMerger("gh", "/repo", ex, zerolog.Nop())

		res, err := m.WaitForChecks(ctx, "sdlc/S-1", fastOpts())
		require.NoError(t, err)
		assert.True(t, res.AllPassed)
		assert.False(t, res.TimedOut)
		assert.Len(t, ex.calls, 3)
		assert.Contains(t, ex.calls[0], "pr checks sdlc/S-1 --json name,state,bucket --required")
	})

	t.Run("require all drops the required filter", func(t *testing.T) {
		ex := &scriptedExec{responses: []string{passJSON}}
		m := NewGHMerger("gh", "/repo", ex, zerolog.Nop())

		opts := fastOpts()
		opts.RequireAll = true
		_, err := m.WaitForChecks(ctx, "7", opts)
		require.NoError(t, err)
		assert.NotContains(t, ex.calls[0], "--required")
	})

	t.Run("failing check is final", func(t *testing.T) {
		ex := &scriptedExec{responses: []string{failJSON}, errs: []error{exitErr}}
		m := NewGHMerger("gh", "/repo", ex, zerolog.Nop())

		res, err := m.WaitForChecks(ctx, "7", fastOpts())
		require.NoError(t, err)
		assert.False(t, res.AllPassed)
		assert.False(t, res.TimedOut)
		assert.Equal(t, []string{"build"}, res.Failed)
		assert.Contains(t, res.Error, "build")
	})

	t.Run("times out while pending", func(t *testing.T) {
		ex := &scriptedExec{responses: []string{pendingJSON}, errs: []error{exitErr}}
		m := NewGHMerger("gh", "/repo", ex, zerolog.Nop())

		res, err := m.WaitForChecks(ctx, "7", CheckOptions{Timeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})
		require.NoError(t, err)
		assert.True(t, res.TimedOut)
		assert.False(t, res.AllPassed)
		assert.Equal(t, []string{"build"}, res.Pending)
	})

	t.Run("no required checks counts as passed", func(t *testing.T) {
		ex := &scriptedExec{responses: []string{"no required checks reported on the 'sdlc/S-1' branch"}, errs: []error{exitErr}}
		m := NewGHMerger("gh", "/repo", ex, zerolog.Nop())

		res, err := m.WaitForChecks(ctx, "sdlc/S-1", fastOpts())
		require.NoError(t, err)
		assert.True(t, res.AllPassed)
	})

	t.Run("parent cancellation is an error", func(t *testing.T) {
		ex := &scriptedExec{responses: []string{pendingJSON}, errs: []error{exitErr}}
		m := NewGHMerger("gh", "/repo", ex, zerolog.Nop())

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := m.WaitForChecks(cctx, "7", fastOpts())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestGHMerger_Merge(t *testing.T) {
	ctx := context.Background()

	t.Run("squash with branch delete", func(t *testing.T) {
		ex := &scriptedExec{responses: []string{"merged", "abc123\n"}}
		m := NewGHMerger("", "/repo", ex, zerolog.Nop())

		res, err := m.Merge(ctx, "sdlc/S-1", MergeOptions{Strategy: StrategySquash, DeleteBranch: true})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.True(t, res.BranchDeleted)
		assert.Equal(t, "abc123", res.MergeID)
		assert.Equal(t, "gh pr merge sdlc/S-1 --squash --delete-branch", ex.calls[0])
	})

	t.Run("rebase", func(t *testing.T) {
		ex := &scriptedExec{responses: []string{"", ""}}
		m := NewGHMerger("gh", "/repo", ex, zerolog.Nop())

		_, err := m.Merge(ctx, "7", MergeOptions{Strategy: StrategyRebase})
		require.NoError(t, err)
		assert.Equal(t, "gh pr merge 7 --rebase", ex.calls[0])
	})

	t.Run("gh failure is reported in result", func(t *testing.T) {
		ex := &scriptedExec{responses: []string{"Pull request is not mergeable"}, errs: []error{errors.New("exit status 1")}}
		m := NewGHMerger("gh", "/repo", ex, zerolog.Nop())

		res, err := m.Merge(ctx, "7", MergeOptions{Strategy: StrategyMerge})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "Pull request is not mergeable", res.Error)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		ex := &scriptedExec{responses: []string{""}}
		m := NewGHMerger("gh", "/repo", ex, zerolog.Nop())

		res, err := m.Merge(ctx, "7", MergeOptions{Strategy: "octopus"})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Empty(t, ex.calls)
	})
}
