package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/patrob/ai-sdlc-sub001/internal/preflight"
	"github.com/patrob/ai-sdlc-sub001/internal/theme"
)

type PreflightCmd struct {
	flags *Flags
	app   *App
}

func NewPreflightCmd(flags *Flags, app *App) *PreflightCmd {
	return &PreflightCmd{flags: flags, app: app}
}

func (cmd *PreflightCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "preflight",
		Usage:       "Check the environment before running the pipeline",
		UsageText:   "sdlc preflight",
		Description: "Verifies the agent CLI, story storage, git worktree support and, when merging is enabled, the GitHub CLI.",
		Action:      cmd.run,
	})
	return app
}

func (cmd *PreflightCmd) run(ctx context.Context, c *cli.Command) error {
	results := preflight.New(cmd.app.Config(), cmd.app.exec).RunAll(ctx)
	writePreflight(c.Root().Writer, results)

	if !results.AllPass {
		failed := 0
		for _, check := range results.FailedChecks() {
			if !check.Warning {
				failed++
			}
		}
		return fmt.Errorf("%d of %d checks failed", failed, len(results.Checks))
	}
	return nil
}

func writePreflight(w io.Writer, results *preflight.Results) {
	styles := theme.NewStyles()

	_, _ = fmt.Fprintln(w, styles.Title.Render("Preflight"))
	_, _ = fmt.Fprintln(w, styles.Muted.Render(strings.Repeat("─", 40)))

	for _, check := range results.Checks {
		var icon, detail string
		switch {
		case check.Passed:
			icon = styles.Success.Render("✔")
			detail = check.Message
		case check.Warning:
			icon = styles.Warning.Render("●")
			detail = check.Error
		default:
			icon = styles.Error.Render("✘")
			detail = check.Error
		}
		_, _ = fmt.Fprintf(w, "  %s %s %s\n", icon, check.Name, styles.Muted.Render(detail))
	}

	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "%d/%d passed\n", results.PassedCount(), len(results.Checks))
}
