package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/patrob/ai-sdlc-sub001/internal/checkpoint"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/parser"
	"github.com/patrob/ai-sdlc-sub001/internal/theme"
)

const (
	statusTitleWidth  = 48
	statusBadgeWidth  = 14
	statusReasonWidth = 60
)

type StatusCmd struct {
	flags *Flags
	app   *App

	format string
	label  string
}

func NewStatusCmd(flags *Flags, app *App) *StatusCmd {
	return &StatusCmd{flags: flags, app: app}
}

func (cmd *StatusCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "status",
		Usage:       "Show stories by status",
		UsageText:   "sdlc status [--label <glob>] [--format text|json]",
		Description: "Lists every story with its status and priority, and reports an in-flight checkpoint.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (text, json)",
				Value:       "text",
				Destination: &cmd.format,
			},
			&cli.StringFlag{
				Name:        "label",
				Aliases:     []string{"l"},
				Usage:       "only stories with a label matching the glob",
				Destination: &cmd.label,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *StatusCmd) run(ctx context.Context, c *cli.Command) error {
	backend, err := cmd.app.Storage()
	if err != nil {
		return err
	}

	var stories []domain.Story
	if cmd.label != "" {
		stories, err = backend.Stories.FindByLabel(ctx, cmd.label)
	} else {
		stories, err = backend.Stories.All(ctx)
	}
	if err != nil {
		return err
	}
	parser.SortByPriority(stories)

	state := cmd.loadCheckpoint()

	if cmd.format == "json" {
		return writeStatusJSON(c.Root().Writer, stories, state)
	}
	writeStatusText(c.Root().Writer, stories, state)
	return nil
}

// loadCheckpoint reads the in-flight workflow, if any. A broken checkpoint
// is logged rather than failing the report.
func (cmd *StatusCmd) loadCheckpoint() *checkpoint.State {
	store, err := checkpoint.NewStore(cmd.app.Config().CheckpointPath(), log.Logger)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open checkpoint store")
		return nil
	}
	state, err := store.Load()
	if err != nil {
		log.Warn().Err(err).Msg("failed to read checkpoint")
		return nil
	}
	return state
}

type statusJSON struct {
	Counts     map[domain.StoryStatus]int `json:"counts"`
	Stories    []domain.Story             `json:"stories"`
	Checkpoint *checkpoint.State          `json:"checkpoint,omitempty"`
}

func writeStatusJSON(w io.Writer, stories []domain.Story, state *checkpoint.State) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(statusJSON{
		Counts:     parser.CountByStatus(stories),
		Stories:    stories,
		Checkpoint: state,
	})
}

func writeStatusText(w io.Writer, stories []domain.Story, state *checkpoint.State) {
	styles := theme.NewStyles()
	counts := parser.CountByStatus(stories)

	parts := make([]string, 0, len(domain.AllStatuses()))
	for _, status := range domain.AllStatuses() {
		parts = append(parts, fmt.Sprintf("%s %d", styles.Badge(status), counts[status]))
	}
	_, _ = fmt.Fprintln(w, strings.Join(parts, "  "))
	_, _ = fmt.Fprintln(w)

	if len(stories) == 0 {
		_, _ = fmt.Fprintln(w, styles.Muted.Render("no stories"))
	}
	for _, s := range stories {
		_, _ = fmt.Fprintln(w, statusRow(styles, s))
	}

	if state != nil {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, styles.Info.Render(fmt.Sprintf("checkpoint %s: %d actions completed, resume with sdlc run --continue",
			state.WorkflowID, len(state.CompletedActions))))
	}
}

func statusRow(styles theme.Styles, s domain.Story) string {
	badge := styles.Badge(s.Status)
	row := fmt.Sprintf("%-10s %s %3d  %s",
		s.ID,
		padRight(badge, statusBadgeWidth),
		s.Priority,
		ansi.Truncate(s.Title, statusTitleWidth, "…"))

	if len(s.Labels) > 0 {
		row += " " + styles.Muted.Render("["+strings.Join(s.Labels, ", ")+"]")
	}
	if s.Status == domain.StatusBlocked && s.BlockedReason != "" {
		row += "\n" + styles.Muted.Render(strings.Repeat(" ", 11)+ansi.Truncate(s.BlockedReason, statusReasonWidth, "…"))
	}
	return row
}

// padRight pads styled text to width printable cells
func padRight(s string, width int) string {
	if n := ansi.StringWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
