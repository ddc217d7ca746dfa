package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/patrob/ai-sdlc-sub001/internal/commands"
	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/logging"
	"github.com/patrob/ai-sdlc-sub001/internal/theme"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	v, c, d := version, commit, date

	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok {
			if mv := info.Main.Version; mv != "" && mv != "(devel)" {
				v = mv
			}
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					c = s.Value
				case "vcs.time":
					d = s.Value
				}
			}
		}
	}

	short := c
	if len(c) > 7 {
		short = c[:7]
	}

	return fmt.Sprintf("%s (%s) %s", v, short, d)
}

func main() {
	ctx := context.Background()

	var logCloser func()

	flags := &commands.Flags{}
	sdlc := commands.NewApp(flags)

	app := &cli.Command{
		Name:      "sdlc",
		Usage:     "Drive stories through refine, plan, implement, review and PR with AI agents",
		UsageText: "sdlc [global options] command [command options]",
		Description: `sdlc schedules the next action for every story in the project, runs it
through an agent, and records the result back on the story.

Run 'sdlc run --auto' to drain the pipeline, 'sdlc epic <label>' to run a
labelled set of stories in parallel worktrees, or 'sdlc daemon' to keep
watching for work.`,
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error); overrides log_level from config",
				Sources:     cli.EnvVars("SDLC_LOG_LEVEL"),
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (defaults to log_file from config, else stderr)",
				Sources:     cli.EnvVars("SDLC_LOG_FILE"),
				Destination: &flags.LogFile,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (defaults to <root>/.ai-sdlc/config.yaml)",
				Sources:     cli.EnvVars("SDLC_CONFIG"),
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "profile",
				Aliases:     []string{"p"},
				Usage:       "config profile to apply (defaults to the active profile)",
				Sources:     cli.EnvVars("SDLC_PROFILE"),
				Destination: &flags.Profile,
			},
			&cli.StringFlag{
				Name:        "root",
				Usage:       "project root",
				Sources:     cli.EnvVars("SDLC_ROOT"),
				Value:       commands.DefaultRoot(),
				Destination: &flags.Root,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			root, err := filepath.Abs(flags.Root)
			if err != nil {
				return ctx, fmt.Errorf("resolve root: %w", err)
			}
			flags.Root = root

			cfg, err := config.Load(flags.ResolveConfigPath(), flags.Root)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			applied, err := commands.ApplyProfile(cfg, flags.Profile)
			if err != nil {
				return ctx, err
			}
			flags.Config = cfg

			level := cfg.LogLevel
			if flags.LogLevel != "" {
				level = flags.LogLevel
			}
			logFile := flags.LogFile
			if logFile == "" && cfg.LogFile != "" {
				logFile = cfg.Resolve(cfg.LogFile)
			}

			logger, closer, err := logging.New(level, logFile)
			if err != nil {
				return ctx, fmt.Errorf("setup logger: %w", err)
			}
			log.Logger = logger
			logCloser = closer
			if applied != "" {
				log.Debug().Str("profile", applied).Msg("profile applied")
			}

			theme.SetTheme(cfg.Theme)
			return ctx, nil
		},
		After: func(ctx context.Context, c *cli.Command) error {
			if err := sdlc.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close storage")
				return err
			}

			if logCloser != nil {
				logCloser()
			}
			return nil
		},
	}

	app = commands.NewRunCmd(flags, sdlc).Register(app)
	app = commands.NewStatusCmd(flags, sdlc).Register(app)
	app = commands.NewEpicCmd(flags, sdlc).Register(app)
	app = commands.NewUnblockCmd(flags, sdlc).Register(app)
	app = commands.NewDaemonCmd(flags, sdlc).Register(app)
	app = commands.NewPreflightCmd(flags, sdlc).Register(app)
	app = commands.NewProfileCmd(flags, sdlc).Register(app)

	exitCode := 0
	runErr := app.Run(ctx, os.Args)
	if runErr != nil {
		fmt.Println()
		fmt.Println(runErr.Error())
		exitCode = 1
	}

	os.Exit(exitCode)
}
