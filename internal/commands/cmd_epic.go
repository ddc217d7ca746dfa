package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/patrob/ai-sdlc-sub001/internal/ci"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/epic"
	"github.com/patrob/ai-sdlc-sub001/internal/executor"
	"github.com/patrob/ai-sdlc-sub001/internal/git"
	"github.com/patrob/ai-sdlc-sub001/internal/sandbox"
	"github.com/patrob/ai-sdlc-sub001/internal/storage"
	"github.com/patrob/ai-sdlc-sub001/internal/theme"
)

type EpicCmd struct {
	flags *Flags
	app   *App

	maxConcurrent     int
	continueOnFailure bool
	keepSandboxes     bool
	merge             bool
	dryRun            bool

	// sandbox and opener replace the git worktree sandbox when set
	sandbox sandbox.Sandbox
	opener  storage.Opener
}

func NewEpicCmd(flags *Flags, app *App) *EpicCmd {
	return &EpicCmd{flags: flags, app: app}
}

func (cmd *EpicCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "epic",
		Usage:     "Run every story matching a label, phase by phase",
		UsageText: "sdlc epic [options] <label-glob>",
		Description: `Groups the stories whose labels match the glob into dependency phases and
runs each phase concurrently, every story in its own git worktree.

A phase starts only after the previous one settles. Stories depending on a
failed story are skipped.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "max-concurrent",
				Aliases:     []string{"j"},
				Usage:       "stories to run at once (defaults to max_concurrent from config)",
				Destination: &cmd.maxConcurrent,
			},
			&cli.BoolFlag{
				Name:        "continue-on-failure",
				Usage:       "keep starting phases after a story fails",
				Destination: &cmd.continueOnFailure,
			},
			&cli.BoolFlag{
				Name:        "keep-sandboxes",
				Usage:       "leave worktrees in place after stories finish",
				Destination: &cmd.keepSandboxes,
			},
			&cli.BoolFlag{
				Name:        "merge",
				Usage:       "wait for CI and merge each story's pull request",
				Destination: &cmd.merge,
			},
			&cli.BoolFlag{
				Name:        "dry-run",
				Usage:       "print the phase plan without running anything",
				Destination: &cmd.dryRun,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *EpicCmd) run(ctx context.Context, c *cli.Command) error {
	label := c.Args().First()
	if label == "" {
		return fmt.Errorf("label pattern is required. Usage: %s", c.UsageText)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := cmd.app.Config()
	if c.IsSet("continue-on-failure") {
		cfg.ContinueOnFailure = cmd.continueOnFailure
	}
	if c.IsSet("keep-sandboxes") {
		cfg.KeepSandboxes = cmd.keepSandboxes
	}
	if c.IsSet("merge") {
		cfg.Merge.Enabled = cmd.merge
	}
	maxConcurrent := cfg.MaxConcurrent
	if cmd.maxConcurrent > 0 {
		maxConcurrent = cmd.maxConcurrent
	}

	orch, err := cmd.orchestrator()
	if err != nil {
		return err
	}

	w := c.Root().Writer
	plan, err := orch.Plan(ctx, label)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprint(w, epic.RenderPlan(plan))
	if cmd.dryRun {
		return nil
	}

	summary, err := orch.Run(ctx, label, epic.RunOptions{
		MaxConcurrent:     maxConcurrent,
		ContinueOnFailure: cfg.ContinueOnFailure,
	})
	if summary.TotalStories > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprint(w, epic.RenderSummary(summary))
	}
	if err != nil {
		return err
	}
	return epicResult(summary)
}

// orchestrator wires the phase executor over git worktrees
func (cmd *EpicCmd) orchestrator() (*epic.Orchestrator, error) {
	cfg := cmd.app.Config()

	backend, err := cmd.app.Storage()
	if err != nil {
		return nil, err
	}

	sb, opener := cmd.sandbox, cmd.opener
	if sb == nil {
		sb = sandbox.NewWorktreeSandbox(git.NewClient(cfg.Sandbox.GitPath, cmd.app.exec), sandbox.Options{
			RepoDir:     cfg.Root,
			WorktreeDir: cfg.WorktreeDirPath(),
			BaseBranch:  cfg.Sandbox.BaseBranch,
		}, log.Logger)
		opener = storage.NewOpener(cfg, log.Logger)
	}

	var merger ci.Merger
	if cfg.Merge.Enabled {
		merger = ci.NewGHMerger(cfg.Merge.GHPath, cfg.Root, cmd.app.exec, log.Logger)
	}

	phases, err := executor.New(backend.Stories, sb, merger, opener, executor.OptionsFromConfig(cfg), log.Logger)
	if err != nil {
		return nil, err
	}

	styles := theme.NewStyles()
	phases.OnSettle = func(o domain.StoryOutcome) {
		switch o.Status {
		case domain.OutcomeSucceeded:
			_, _ = fmt.Fprintln(os.Stderr, styles.Success.Render("✓ "+o.StoryID))
		case domain.OutcomeFailed:
			_, _ = fmt.Fprintln(os.Stderr, styles.Error.Render("✗ "+o.StoryID+" "+string(o.Kind)))
		}
	}

	return epic.New(backend.Stories, phases, epic.Settings{
		MergeGating: cfg.Merge.Enabled,
		History:     backend.History,
		Notifier:    cmd.app.Notifier(),
	}, log.Logger), nil
}

// epicResult turns failed stories into a non-zero exit
func epicResult(s domain.EpicSummary) error {
	if s.Failed > 0 {
		return fmt.Errorf("epic %s: %d of %d stories failed", s.Label, s.Failed, s.TotalStories)
	}
	return nil
}
