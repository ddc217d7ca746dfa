package config

import (
	"fmt"
	"io"
	"text/template"

	"github.com/expr-lang/expr"
	"github.com/hay-kot/criterio"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
)

// StoryCommandData defines the fields available to sandbox.story_command.
type StoryCommandData struct {
	StoryID string
	Path    string
	Branch  string
}

// GateEnv defines the variables available to stage gate expressions.
type GateEnv struct {
	Kind     string
	StoryID  string
	Priority int
	Reason   string
	Labels   []string
	Retries  int
}

// CronParser is shared by config validation and the daemon scheduler.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs criterio.FieldErrorsBuilder
	if c.MaxConcurrent < 1 {
		errs = errs.Append("max_concurrent", fmt.Errorf("must be at least 1, got %d", c.MaxConcurrent))
	}

	return criterio.ValidateStruct(
		errs.ToError(),
		criterio.Run("storage.backend", c.Storage.Backend, oneOf(BackendMarkdown, BackendSQLite)),
		criterio.Run("log_level", c.LogLevel, logLevel),
		criterio.Run("theme", c.Theme, oneOf(ThemeCatppuccin, ThemeNord)),
		c.validateMerge(),
		c.validateDaemon(),
		c.validateSandbox(),
		c.validateGates(),
	)
}

func (c *Config) validateMerge() error {
	if !c.Merge.Enabled {
		return nil
	}
	var errs criterio.FieldErrorsBuilder
	if c.Merge.CheckTimeout <= 0 {
		errs = errs.Append("merge.check_timeout", fmt.Errorf("must be positive"))
	}
	if c.Merge.PollInterval <= 0 {
		errs = errs.Append("merge.poll_interval", fmt.Errorf("must be positive"))
	}

	return criterio.ValidateStruct(
		criterio.Run("merge.strategy", c.Merge.Strategy, oneOf(MergeSquash, MergeCommit, MergeRebase)),
		errs.ToError(),
	)
}

func (c *Config) validateDaemon() error {
	var errs criterio.FieldErrorsBuilder
	if c.Daemon.Schedule != "" {
		if _, err := CronParser.Parse(c.Daemon.Schedule); err != nil {
			errs = errs.Append("daemon.schedule", fmt.Errorf("invalid cron expression %q: %w", c.Daemon.Schedule, err))
		}
	} else if c.Daemon.PollInterval <= 0 {
		errs = errs.Append("daemon.poll_interval", fmt.Errorf("must be positive when no schedule is set"))
	}
	if c.Daemon.ShutdownTimeout <= 0 {
		errs = errs.Append("daemon.shutdown_timeout", fmt.Errorf("must be positive"))
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		errs = errs.Append("api.port", fmt.Errorf("out of range: %d", c.API.Port))
	}
	return errs.ToError()
}

func (c *Config) validateSandbox() error {
	var errs criterio.FieldErrorsBuilder
	if c.Sandbox.StoryCommand == "" {
		errs = errs.Append("sandbox.story_command", fmt.Errorf("is required"))
	} else if err := validateTemplate(c.Sandbox.StoryCommand, StoryCommandData{}); err != nil {
		errs = errs.Append("sandbox.story_command", fmt.Errorf("template error: %w", err))
	}
	if c.Sandbox.BaseBranch == "" {
		errs = errs.Append("sandbox.base_branch", fmt.Errorf("is required"))
	}
	return errs.ToError()
}

func (c *Config) validateGates() error {
	var errs criterio.FieldErrorsBuilder
	for i, rule := range c.StageGates.Rules {
		field := fmt.Sprintf("stage_gates.rules[%d]", i)
		if rule.Name == "" {
			errs = errs.Append(field+".name", fmt.Errorf("is required"))
		}
		for j, kind := range rule.Kinds {
			if !kind.IsValid() {
				errs = errs.Append(fmt.Sprintf("%s.kinds[%d]", field, j), fmt.Errorf("unknown action kind %q", kind))
			}
		}
		if rule.When == "" {
			errs = errs.Append(field+".when", fmt.Errorf("is required"))
			continue
		}
		if _, err := expr.Compile(rule.When, expr.Env(GateEnv{}), expr.AsBool()); err != nil {
			errs = errs.Append(field+".when", fmt.Errorf("expression error: %w", err))
		}
	}
	return errs.ToError()
}

func validateTemplate(text string, data any) error {
	tmpl, err := template.New("check").Option("missingkey=error").Parse(text)
	if err != nil {
		return err
	}
	return tmpl.Execute(io.Discard, data)
}

func oneOf(allowed ...string) func(string) error {
	return func(v string) error {
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return fmt.Errorf("must be one of %v, got %q", allowed, v)
	}
}

func logLevel(v string) error {
	if _, err := zerolog.ParseLevel(v); err != nil {
		return fmt.Errorf("invalid log level %q", v)
	}
	return nil
}

// GateKindsFor returns the action kinds a named gate applies to
func GateKindsFor(name string) []domain.ActionKind {
	switch name {
	case GateBeforeImplementation:
		return []domain.ActionKind{domain.ActionImplement}
	case GateBeforePR:
		return []domain.ActionKind{domain.ActionCreatePR}
	}
	return nil
}

// Named stage gates
const (
	GateBeforeImplementation = "require_approval_before_implementation"
	GateBeforePR             = "require_approval_before_pr"
)
