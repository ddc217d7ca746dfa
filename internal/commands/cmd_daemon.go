package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/patrob/ai-sdlc-sub001/internal/api"
	"github.com/patrob/ai-sdlc-sub001/internal/daemon"
	"github.com/patrob/ai-sdlc-sub001/internal/runner"
	"github.com/patrob/ai-sdlc-sub001/internal/theme"
)

const apiShutdownTimeout = 5 * time.Second

type DaemonCmd struct {
	flags *Flags
	app   *App

	api  bool
	port int
}

func NewDaemonCmd(flags *Flags, app *App) *DaemonCmd {
	return &DaemonCmd{flags: flags, app: app}
}

func (cmd *DaemonCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "daemon",
		Usage:     "Watch the story directory and run stories as work appears",
		UsageText: "sdlc daemon [--api] [--port <port>]",
		Description: `Polls the scheduler on daemon.poll_interval, or on daemon.schedule when a
cron expression is set, and runs each story with actions through the
pipeline in automatic mode. Story file changes trigger an immediate poll.

On SIGINT or SIGTERM the daemon stops taking work and waits up to
daemon.shutdown_timeout for the running story to finish.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "api",
				Usage:       "serve the status API and event stream (overrides api.enabled)",
				Destination: &cmd.api,
			},
			&cli.IntFlag{
				Name:        "port",
				Usage:       "status API port (overrides api.port)",
				Destination: &cmd.port,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *DaemonCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.app.Config()
	if c.IsSet("api") {
		cfg.API.Enabled = cmd.api
	}
	if cmd.port > 0 {
		cfg.API.Port = cmd.port
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := cmd.app.NewRunner()
	if err != nil {
		return err
	}
	// The daemon waits out the shutdown timeout before it cancels a run.
	r.ShutdownTimeout = 0
	d, err := daemon.New(cfg, r, r.Scheduler(), log.Logger)
	if err != nil {
		return err
	}
	r.OnEvent = d.Emit

	styles := theme.NewStyles()
	printEvent := func(e runner.Event) {
		switch e.Type {
		case daemon.EventRunFinished:
			if e.Success {
				_, _ = fmt.Fprintln(os.Stderr, styles.Success.Render("✓ "+e.StoryID))
			} else {
				_, _ = fmt.Fprintln(os.Stderr, styles.Error.Render("✗ "+e.StoryID+" "+e.Message))
			}
		case runner.EventGateStopped:
			_, _ = fmt.Fprintln(os.Stderr, styles.Warning.Render("⏸ "+e.StoryID+" held at gate "+e.Message))
		case runner.EventStoryBlocked:
			_, _ = fmt.Fprintln(os.Stderr, styles.Error.Render("⊘ "+e.StoryID+" blocked"))
		}
	}
	d.OnEvent = printEvent

	serverErr := make(chan error, 1)
	var srv *api.Server
	if cfg.API.Enabled {
		backend, err := cmd.app.Storage()
		if err != nil {
			return err
		}
		srv = api.NewServer(cfg, backend.Stories, backend.History, d, log.Logger)
		hub := srv.Hub()
		d.OnEvent = func(e runner.Event) {
			printEvent(e)
			hub.Publish(e)
		}
	}

	if err := d.Start(ctx); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return fmt.Errorf("another daemon is running in %s", cfg.Root)
		}
		return err
	}
	if srv != nil {
		go func() { serverErr <- srv.Start() }()
		_, _ = fmt.Fprintln(os.Stderr, styles.Info.Render("api listening on http://"+srv.Addr()))
	}
	_, _ = fmt.Fprintln(os.Stderr, styles.Muted.Render("daemon started, press Ctrl+C to stop"))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("api server: %w", err)
		}
	}

	_, _ = fmt.Fprintln(os.Stderr, styles.Muted.Render("stopping, waiting for the running story"))
	stopErr := d.Stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("api shutdown failed")
		}
		cancel()
	}

	if errors.Is(stopErr, daemon.ErrShutdownTimeout) {
		return fmt.Errorf("running story did not finish within %s; it was cancelled and can be resumed", cfg.Daemon.ShutdownTimeout)
	}
	return errors.Join(runErr, stopErr)
}
