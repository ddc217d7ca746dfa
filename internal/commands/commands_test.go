package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/patrob/ai-sdlc-sub001/internal/checkpoint"
	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/preflight"
	"github.com/patrob/ai-sdlc-sub001/internal/profile"
	"github.com/patrob/ai-sdlc-sub001/internal/runner"
	"github.com/patrob/ai-sdlc-sub001/internal/theme"
	tu "github.com/patrob/ai-sdlc-sub001/internal/testutil"
)

// newTestApp returns an App over a temp project holding stories
func newTestApp(t *testing.T, stories ...domain.Story) (*Flags, *App) {
	t.Helper()

	cfg := tu.NewTestConfig(t)
	flags := &Flags{Root: cfg.Root, Config: cfg}
	app := NewApp(flags)
	t.Cleanup(func() { _ = app.Close() })

	backend, err := app.Storage()
	require.NoError(t, err)
	for i := range stories {
		require.NoError(t, backend.Stories.Save(context.Background(), &stories[i]))
	}
	return flags, app
}

// runCommand registers cmd under a root command writing to a buffer
func runCommand(t *testing.T, register func(*cli.Command) *cli.Command, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := register(&cli.Command{Name: "sdlc", Writer: &out})
	err := root.Run(context.Background(), append([]string{"sdlc"}, args...))
	return ansi.Strip(out.String()), err
}

func TestFlags_ResolveConfigPath(t *testing.T) {
	f := &Flags{Root: "/work/project"}
	assert.Equal(t, filepath.Join("/work/project", ".ai-sdlc", "config.yaml"), f.ResolveConfigPath())

	f.ConfigPath = "/etc/sdlc.yaml"
	assert.Equal(t, "/etc/sdlc.yaml", f.ResolveConfigPath())
}

func TestApp_StorageIsShared(t *testing.T) {
	_, app := newTestApp(t)

	a, err := app.Storage()
	require.NoError(t, err)
	b, err := app.Storage()
	require.NoError(t, err)
	assert.Same(t, a, b)

	require.NoError(t, app.Close())
	require.NoError(t, app.Close())
}

func TestStatusCmd(t *testing.T) {
	blocked := tu.NewStory("S-3", domain.StatusBlocked, tu.WithLabels("epic-auth"))
	blocked.BlockedReason = "max retries reached"

	flags, app := newTestApp(t,
		tu.NewStory("S-1", domain.StatusReady, tu.WithPriority(1), tu.WithLabels("epic-auth")),
		tu.NewStory("S-2", domain.StatusBacklog, tu.WithPriority(2), tu.WithLabels("epic-billing")),
		blocked,
	)

	t.Run("text", func(t *testing.T) {
		out, err := runCommand(t, NewStatusCmd(flags, app).Register, "status")
		require.NoError(t, err)

		assert.Regexp(t, `ready\s+1`, out)
		assert.Regexp(t, `blocked\s+1`, out)
		assert.Contains(t, out, "max retries reached")
		assert.Less(t, strings.Index(out, "S-1"), strings.Index(out, "S-2"))
		assert.NotContains(t, out, "checkpoint")
	})

	t.Run("label filter", func(t *testing.T) {
		out, err := runCommand(t, NewStatusCmd(flags, app).Register, "status", "--label", "epic-auth")
		require.NoError(t, err)
		assert.Contains(t, out, "S-1")
		assert.NotContains(t, out, "S-2")
	})

	t.Run("json with checkpoint", func(t *testing.T) {
		store, err := checkpoint.NewStore(flags.Config.CheckpointPath(), zerolog.Nop())
		require.NoError(t, err)
		state := checkpoint.NewState(checkpoint.Options{Auto: true}, time.Now())
		state.Complete(domain.Action{Kind: domain.ActionPlan, StoryID: "S-1", StoryRef: "S-1.md"}, time.Now())
		require.NoError(t, store.Save(state))

		out, err := runCommand(t, NewStatusCmd(flags, app).Register, "status", "--format", "json")
		require.NoError(t, err)

		var body struct {
			Counts     map[string]int    `json:"counts"`
			Stories    []domain.Story    `json:"stories"`
			Checkpoint *checkpoint.State `json:"checkpoint"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &body))
		assert.Equal(t, 1, body.Counts["backlog"])
		assert.Len(t, body.Stories, 3)
		require.NotNil(t, body.Checkpoint)
		assert.Equal(t, state.WorkflowID, body.Checkpoint.WorkflowID)
	})
}

func TestUnblockCmd(t *testing.T) {
	blocked := tu.NewStory("S-1", domain.StatusBlocked, tu.WithFlags(true, true, false, false))
	blocked.BlockedReason = "stuck"
	blocked.RetryCount = 3

	flags, app := newTestApp(t, blocked, tu.NewStory("S-2", domain.StatusReady))

	out, err := runCommand(t, NewUnblockCmd(flags, app).Register, "unblock", "--reset-retries", "S-1")
	require.NoError(t, err)
	assert.Regexp(t, `S-1\s+ready`, out)

	backend, err := app.Storage()
	require.NoError(t, err)
	story, err := backend.Stories.Load(context.Background(), "S-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, story.Status)
	assert.Empty(t, story.BlockedReason)
	assert.Zero(t, story.RetryCount)

	_, err = runCommand(t, NewUnblockCmd(flags, app).Register, "unblock", "S-2")
	assert.ErrorContains(t, err, "not blocked")

	_, err = runCommand(t, NewUnblockCmd(flags, app).Register, "unblock")
	assert.ErrorContains(t, err, "story id is required")
}

func TestEpicCmd_DryRun(t *testing.T) {
	flags, app := newTestApp(t,
		tu.NewStory("S-1", domain.StatusReady, tu.WithLabels("epic-auth")),
		tu.NewStory("S-2", domain.StatusReady, tu.WithLabels("epic-auth"), tu.WithDeps("S-1")),
		tu.NewStory("S-3", domain.StatusDone, tu.WithLabels("epic-auth")),
	)

	out, err := runCommand(t, NewEpicCmd(flags, app).Register, "epic", "--dry-run", "epic-*")
	require.NoError(t, err)
	assert.Contains(t, out, "Phase 1: S-1")
	assert.Contains(t, out, "Phase 2: S-2")
	assert.Contains(t, out, "already done: S-3")

	_, err = runCommand(t, NewEpicCmd(flags, app).Register, "epic", "--dry-run", "epic-search")
	assert.ErrorContains(t, err, "no stories match label")

	_, err = runCommand(t, NewEpicCmd(flags, app).Register, "epic")
	assert.ErrorContains(t, err, "label pattern is required")
}

func TestEpicCmd_InterruptedPrintsSummary(t *testing.T) {
	stories := []domain.Story{
		tu.NewStory("S-1", domain.StatusReady, tu.WithLabels("epic-auth")),
		tu.NewStory("S-2", domain.StatusReady, tu.WithLabels("epic-auth"), tu.WithDeps("S-1")),
	}
	flags, app := newTestApp(t, stories...)

	sb := tu.NewFakeSandbox(t.TempDir(), tu.NewMemoryRepository(stories...))
	sb.Delay = 50 * time.Millisecond
	cmd := NewEpicCmd(flags, app)
	cmd.sandbox, cmd.opener = sb, sb.Opener()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		assert.Eventually(t, func() bool { return sb.RunCount() == 1 }, 5*time.Second, time.Millisecond)
		cancel()
	}()

	var out bytes.Buffer
	root := cmd.Register(&cli.Command{Name: "sdlc", Writer: &out})
	err := root.Run(ctx, []string{"sdlc", "epic", "epic-auth"})

	require.ErrorIs(t, err, context.Canceled)
	text := ansi.Strip(out.String())
	assert.Contains(t, text, "Epic epic-auth: 2 stories")
	assert.Contains(t, text, "✓ 1 completed")
	assert.Contains(t, text, "⊘ S-2 cancelled")
}

func TestEpicResult(t *testing.T) {
	assert.NoError(t, epicResult(domain.EpicSummary{Label: "epic-a", TotalStories: 2, Completed: 2}))
	assert.EqualError(t,
		epicResult(domain.EpicSummary{Label: "epic-a", TotalStories: 3, Completed: 2, Failed: 1}),
		"epic epic-a: 1 of 3 stories failed")
}

func TestPrintReport(t *testing.T) {
	theme.SetTheme(config.ThemeCatppuccin)

	tests := []struct {
		name   string
		report runner.Report
		want   []string
	}{
		{
			name: "drained",
			report: runner.Report{
				Executed: []runner.ActionResult{
					{Action: domain.Action{Kind: domain.ActionPlan, StoryID: "S-1"}, Success: true, Duration: 2 * time.Second},
					{Action: domain.Action{Kind: domain.ActionReview, StoryID: "S-1"}, Success: true, Decision: domain.DecisionApproved},
				},
				Drained: true,
			},
			want: []string{"✓ plan S-1", "✓ review S-1", "APPROVED", "no actions remaining"},
		},
		{
			name: "failure",
			report: runner.Report{
				Executed: []runner.ActionResult{
					{Action: domain.Action{Kind: domain.ActionImplement, StoryID: "S-2"}, Error: "tests failed"},
				},
				StoppedBy: runner.StoppedByFailure,
			},
			want: []string{"✗ implement S-2", "tests failed"},
		},
		{
			name:   "gate",
			report: runner.Report{StoppedBy: "gate:" + config.GateBeforePR},
			want:   []string{"stopped at gate " + config.GateBeforePR},
		},
		{
			name: "resume",
			report: runner.Report{
				Skipped:  []domain.Action{{Kind: domain.ActionPlan, StoryID: "S-1"}},
				Warnings: []checkpoint.Warning{{Kind: checkpoint.WarnStale, Message: "checkpoint is 3 days old"}},
				Blocked:  []string{"S-9"},
			},
			want: []string{"! checkpoint is 3 days old", "skipped 1 action", "⊘ S-9 blocked"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printReport(&buf, tt.report)

			out := ansi.Strip(buf.String())
			for _, want := range tt.want {
				assert.Contains(t, out, want)
			}
		})
	}
}

func TestWritePreflight(t *testing.T) {
	results := &preflight.Results{
		Checks: []preflight.CheckResult{
			{Name: "Agent CLI", Passed: true, Message: "claude 1.0"},
			{Name: "Git Clean", Warning: true, Error: "Uncommitted changes detected"},
			{Name: "Base Branch", Error: "Branch main not found"},
		},
	}

	var buf bytes.Buffer
	writePreflight(&buf, results)
	out := ansi.Strip(buf.String())

	assert.Contains(t, out, "✔ Agent CLI claude 1.0")
	assert.Contains(t, out, "● Git Clean Uncommitted changes detected")
	assert.Contains(t, out, "✘ Base Branch Branch main not found")
	assert.Contains(t, out, "1/3 passed")
}

func TestStatusRow_TruncatesTitle(t *testing.T) {
	s := tu.NewStory("S-1", domain.StatusReady)
	s.Title = strings.Repeat("x", statusTitleWidth*2)

	row := ansi.Strip(statusRow(theme.NewStyles(), s))
	assert.Contains(t, row, "…")
	assert.Less(t, ansi.StringWidth(row), statusTitleWidth+40)
}

func TestApplyProfile(t *testing.T) {
	cfg := tu.NewTestConfig(t)
	store := profile.NewStore(cfg.StateDir())
	require.NoError(t, store.Save(&profile.Profile{Name: "solo", MaxConcurrent: 1}))
	require.NoError(t, store.Save(&profile.Profile{Name: "bad", Theme: "solarized"}))

	name, err := ApplyProfile(cfg, "")
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.Equal(t, config.DefaultMaxConcurrent, cfg.MaxConcurrent)

	name, err = ApplyProfile(cfg, "solo")
	require.NoError(t, err)
	assert.Equal(t, "solo", name)
	assert.Equal(t, 1, cfg.MaxConcurrent)

	_, err = ApplyProfile(cfg, "bad")
	assert.ErrorContains(t, err, "theme")

	_, err = ApplyProfile(cfg, "missing")
	assert.ErrorIs(t, err, profile.ErrNotFound)
}

func TestApplyProfile_MissingActiveIsIgnored(t *testing.T) {
	cfg := tu.NewTestConfig(t)
	store := profile.NewStore(cfg.StateDir())
	require.NoError(t, store.Save(&profile.Profile{Name: "gone"}))
	require.NoError(t, store.SetActive("gone"))
	require.NoError(t, os.Remove(filepath.Join(store.Dir(), "gone.yaml")))

	name, err := ApplyProfile(cfg, "")
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestProfileCmd(t *testing.T) {
	flags, app := newTestApp(t)
	store := profile.NewStore(flags.Config.StateDir())
	require.NoError(t, store.Save(&profile.Profile{Name: "ci", Description: "merge on green", Merge: boolPtr(true)}))
	require.NoError(t, store.Save(&profile.Profile{Name: "solo", MaxConcurrent: 1}))

	out, err := runCommand(t, NewProfileCmd(flags, app).Register, "profile", "use", "ci")
	require.NoError(t, err)
	assert.Contains(t, out, "active profile: ci")

	out, err = runCommand(t, NewProfileCmd(flags, app).Register, "profile", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "* ci merge on green")
	assert.Contains(t, out, "  solo")

	out, err = runCommand(t, NewProfileCmd(flags, app).Register, "profile", "show", "solo")
	require.NoError(t, err)
	assert.Contains(t, out, "max_concurrent: 1")

	_, err = runCommand(t, NewProfileCmd(flags, app).Register, "profile", "use", "missing")
	assert.ErrorIs(t, err, profile.ErrNotFound)

	out, err = runCommand(t, NewProfileCmd(flags, app).Register, "profile", "use", "--clear")
	require.NoError(t, err)
	assert.Contains(t, out, "no active profile")
}

func boolPtr(b bool) *bool { return &b }
