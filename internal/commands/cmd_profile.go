package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/profile"
	"github.com/patrob/ai-sdlc-sub001/internal/theme"
)

type ProfileCmd struct {
	flags *Flags
	app   *App

	clear bool
}

func NewProfileCmd(flags *Flags, app *App) *ProfileCmd {
	return &ProfileCmd{flags: flags, app: app}
}

func (cmd *ProfileCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "profile",
		Usage:     "List, inspect and select config profiles",
		UsageText: "sdlc profile <list|show|use> [name]",
		Description: `Profiles are YAML files in .ai-sdlc/profiles that override selected
settings. The active profile applies to every command unless --profile
names another.`,
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List profiles, marking the active one",
				Action: cmd.list,
			},
			{
				Name:      "show",
				Usage:     "Print a profile",
				UsageText: "sdlc profile show <name>",
				Action:    cmd.show,
			},
			{
				Name:      "use",
				Usage:     "Make a profile active",
				UsageText: "sdlc profile use <name> | --clear",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:        "clear",
						Usage:       "deactivate the active profile",
						Destination: &cmd.clear,
					},
				},
				Action: cmd.use,
			},
		},
	})
	return app
}

func (cmd *ProfileCmd) store() (*profile.Store, error) {
	store := profile.NewStore(cmd.app.Config().StateDir())
	if err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (cmd *ProfileCmd) list(ctx context.Context, c *cli.Command) error {
	store, err := cmd.store()
	if err != nil {
		return err
	}

	w := c.Root().Writer
	styles := theme.NewStyles()
	names := store.List()
	if len(names) == 0 {
		_, _ = fmt.Fprintln(w, styles.Muted.Render("no profiles in "+store.Dir()))
		return nil
	}

	for _, name := range names {
		p, _ := store.Get(name)
		marker := "  "
		if name == store.Active() {
			marker = styles.Success.Render("*") + " "
		}
		_, _ = fmt.Fprintf(w, "%s%s %s\n", marker, name, styles.Muted.Render(p.Description))
	}
	return nil
}

func (cmd *ProfileCmd) show(ctx context.Context, c *cli.Command) error {
	name := c.Args().First()
	if name == "" {
		return fmt.Errorf("profile name is required. Usage: %s", c.UsageText)
	}

	store, err := cmd.store()
	if err != nil {
		return err
	}
	p, err := store.Resolve(name)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(c.Root().Writer)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return err
	}
	return enc.Close()
}

func (cmd *ProfileCmd) use(ctx context.Context, c *cli.Command) error {
	store, err := cmd.store()
	if err != nil {
		return err
	}

	name := c.Args().First()
	if cmd.clear {
		name = ""
	} else if name == "" {
		return fmt.Errorf("profile name is required. Usage: %s", c.UsageText)
	}

	if err := store.SetActive(name); err != nil {
		return err
	}
	if name == "" {
		_, _ = fmt.Fprintln(c.Root().Writer, "no active profile")
		return nil
	}
	_, _ = fmt.Fprintf(c.Root().Writer, "active profile: %s\n", name)
	return nil
}

// ApplyProfile overlays the named or active profile onto cfg and validates
// the result. It returns the applied profile's name, empty when none applied.
func ApplyProfile(cfg *config.Config, name string) (string, error) {
	store := profile.NewStore(cfg.StateDir())
	if err := store.Load(); err != nil {
		return "", err
	}
	p, err := store.Resolve(name)
	if name == "" && errors.Is(err, profile.ErrNotFound) {
		log.Warn().Str("profile", store.Active()).Msg("active profile is missing, ignoring it")
		return "", nil
	}
	if err != nil || p == nil {
		return "", err
	}

	p.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("profile %s: %w", p.Name, err)
	}
	return p.Name, nil
}
