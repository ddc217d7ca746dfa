package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/patrob/ai-sdlc-sub001/internal/runner"
	"github.com/patrob/ai-sdlc-sub001/internal/theme"
	"github.com/patrob/ai-sdlc-sub001/internal/util"
)

type RunCmd struct {
	flags *Flags
	app   *App

	auto    bool
	resume  bool
	storyID string
}

func NewRunCmd(flags *Flags, app *App) *RunCmd {
	return &RunCmd{flags: flags, app: app}
}

func (cmd *RunCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "run",
		Usage:     "Execute the next recommended action, or all of them with --auto",
		UsageText: "sdlc run [--auto] [--continue] [--story <id>]",
		Description: `Assesses every story and executes the highest priority action through
its agent. With --auto the run continues until no actions remain, a stage
gate stops it, or an action fails.

--continue resumes from the last checkpoint, skipping actions it already
completed.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "auto",
				Aliases:     []string{"a"},
				Usage:       "keep executing actions until none remain",
				Destination: &cmd.auto,
			},
			&cli.BoolFlag{
				Name:        "continue",
				Usage:       "resume from the last checkpoint",
				Destination: &cmd.resume,
			},
			&cli.StringFlag{
				Name:        "story",
				Aliases:     []string{"s"},
				Usage:       "limit the run to one story id",
				Destination: &cmd.storyID,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *RunCmd) run(ctx context.Context, c *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := cmd.app.NewRunner()
	if err != nil {
		return err
	}

	w := c.Root().Writer
	styles := theme.NewStyles()
	r.OnEvent = func(e runner.Event) {
		if e.Type == runner.EventActionStarted {
			_, _ = fmt.Fprintf(os.Stderr, "%s %s %s\n", styles.Info.Render("→"), e.Action, e.StoryID)
		}
	}

	report, err := r.Run(ctx, runner.Options{
		Auto:    cmd.auto,
		Resume:  cmd.resume,
		StoryID: cmd.storyID,
	})
	printReport(w, report)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("run interrupted; resume with --continue")
		}
		return err
	}
	if report.Failed() {
		last := report.Executed[len(report.Executed)-1]
		return fmt.Errorf("%s failed for %s: %s", last.Action.Kind, last.Action.StoryID, last.Error)
	}
	return nil
}

func printReport(w io.Writer, report runner.Report) {
	styles := theme.NewStyles()

	for _, warning := range report.Warnings {
		_, _ = fmt.Fprintln(w, styles.Warning.Render("! "+warning.Message))
	}
	if len(report.Skipped) > 0 {
		_, _ = fmt.Fprintln(w, styles.Muted.Render(fmt.Sprintf("skipped %s completed by the checkpoint",
			util.Plural(len(report.Skipped), "action", "actions"))))
	}

	for _, res := range report.Executed {
		line := fmt.Sprintf("%s %s (%s)", res.Action.Kind, res.Action.StoryID, util.FormatDurationCompact(res.Duration))
		if res.Decision != "" {
			line += " " + string(res.Decision)
		}
		if res.Success {
			_, _ = fmt.Fprintln(w, styles.Success.Render("✓ "+line))
		} else {
			_, _ = fmt.Fprintln(w, styles.Error.Render("✗ "+line+": "+res.Error))
		}
	}

	for _, id := range report.Blocked {
		_, _ = fmt.Fprintln(w, styles.Error.Render("⊘ "+id+" blocked after too many recovery attempts"))
	}

	switch gate, ok := report.Gate(); {
	case ok:
		_, _ = fmt.Fprintln(w, styles.Warning.Render("stopped at gate "+gate+"; approve and rerun to continue"))
	case report.StoppedBy == runner.StoppedBySafetyCap:
		_, _ = fmt.Fprintln(w, styles.Warning.Render(fmt.Sprintf("stopped after %d actions", runner.SafetyCap)))
	case report.Drained:
		_, _ = fmt.Fprintln(w, styles.Muted.Render("no actions remaining"))
	}
}
