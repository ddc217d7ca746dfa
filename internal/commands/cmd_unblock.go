package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/patrob/ai-sdlc-sub001/internal/scheduler"
	"github.com/patrob/ai-sdlc-sub001/internal/theme"
)

type UnblockCmd struct {
	flags *Flags
	app   *App

	resetRetries bool
}

func NewUnblockCmd(flags *Flags, app *App) *UnblockCmd {
	return &UnblockCmd{flags: flags, app: app}
}

func (cmd *UnblockCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "unblock",
		Usage:       "Return a blocked story to the pipeline",
		UsageText:   "sdlc unblock [--reset-retries] <story-id>",
		Description: "Clears the blocked reason and restores the status implied by the story's completed phases.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "reset-retries",
				Usage:       "also reset the retry and refinement counters",
				Destination: &cmd.resetRetries,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *UnblockCmd) run(ctx context.Context, c *cli.Command) error {
	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("story id is required. Usage: %s", c.UsageText)
	}

	backend, err := cmd.app.Storage()
	if err != nil {
		return err
	}

	story, err := scheduler.Unblock(ctx, backend.Stories, id, scheduler.UnblockOptions{ResetRetries: cmd.resetRetries})
	if err != nil {
		return err
	}

	styles := theme.NewStyles()
	_, _ = fmt.Fprintf(c.Root().Writer, "%s %s\n", story.ID, styles.Badge(story.Status))
	return nil
}
