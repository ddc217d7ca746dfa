// Package agent delegates pipeline actions to external agent processes and
// reads back their structured result.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/executil"
)

// ResultPrefix marks the output line carrying an agent's JSON result
const ResultPrefix = "SDLC_RESULT:"

// Options describe the action an agent should carry out
type Options struct {
	Action domain.Action
	Story  domain.Story
	// StoryPath is the story file when the repository is file backed.
	StoryPath string
	// OnLine receives agent output as it is produced.
	OnLine executil.LineFunc
}

// Result is what an agent reports back
type Result struct {
	Success     bool                  `json:"success"`
	ChangesMade bool                  `json:"changesMade"`
	Error       string                `json:"error,omitempty"`
	Decision    domain.ReviewDecision `json:"decision,omitempty"`
	Issues      []string              `json:"issues,omitempty"`
	Severity    string                `json:"severity,omitempty"`
	Feedback    string                `json:"feedback,omitempty"`
	PRURL       string                `json:"prUrl,omitempty"`
	Output      []string              `json:"-"`
}

// Agent carries out one action for a story
type Agent interface {
	Run(ctx context.Context, storyRef, root string, opts Options) (Result, error)
}

// CommandAgent runs a CLI agent per action kind as configured in a Registry
type CommandAgent struct {
	registry *Registry
	command  string
	timeout  time.Duration
	log      zerolog.Logger
}

// NewCommandAgent creates an agent from the agents config
func NewCommandAgent(registry *Registry, cfg config.AgentsConfig, log zerolog.Logger) *CommandAgent {
	return &CommandAgent{
		registry: registry,
		command:  cfg.Command,
		timeout:  cfg.Timeout,
		log:      log.With().Str("component", "agent").Logger(),
	}
}

// Run renders the prompt for the action and runs the agent in root. A
// non-zero exit or a missing result line is reported as an unsuccessful
// Result; the error return is reserved for failures to start.
func (a *CommandAgent) Run(ctx context.Context, storyRef, root string, opts Options) (Result, error) {
	def, ok := a.registry.Get(opts.Action.Kind)
	if !ok {
		return Result{}, fmt.Errorf("no agent definition for %s", opts.Action.Kind)
	}

	prompt, err := def.RenderPrompt(&TemplateContext{
		Story:     opts.Story,
		Action:    opts.Action,
		Root:      root,
		StoryPath: opts.StoryPath,
	})
	if err != nil {
		return Result{}, err
	}

	command := def.Command
	if command == "" {
		command = a.command
	}
	args := def.Args
	if len(args) == 0 && def.Command == "" {
		args = []string{"--dangerously-skip-permissions", "-p"}
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = a.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	env := []string{
		"SDLC_STORY_ID=" + opts.Story.ID,
		"SDLC_STORY_REF=" + storyRef,
		"SDLC_ACTION=" + string(opts.Action.Kind),
	}
	env = append(env, sortedEnv(def.Env)...)

	log := a.log.With().Str("story_id", opts.Story.ID).Str("action", string(opts.Action.Kind)).Logger()
	log.Debug().Str("command", command).Msg("starting agent")

	var output []string
	start := time.Now()
	runErr := executil.Stream(ctx, executil.Command{
		Dir:  root,
		Name: command,
		Args: append(append([]string(nil), args...), prompt),
		Env:  env,
	}, func(line string, isStderr bool) {
		output = append(output, line)
		if opts.OnLine != nil {
			opts.OnLine(line, isStderr)
		}
	})

	result := ParseOutput(output)
	result.Output = output

	code := executil.ExitCode(runErr)
	switch {
	case runErr != nil && code < 0:
		if ctx.Err() == context.DeadlineExceeded {
			result.Success = false
			result.Error = fmt.Sprintf("agent timed out after %s", timeout)
			break
		}
		return result, fmt.Errorf("failed to run agent %s: %w", command, runErr)
	case runErr != nil:
		result.Success = false
		if result.Error == "" {
			result.Error = fmt.Sprintf("agent exited with code %d", code)
		}
	}

	log.Info().
		Bool("success", result.Success).
		Str("decision", string(result.Decision)).
		Dur("duration", time.Since(start)).
		Msg("agent finished")
	return result, nil
}

var prURLPattern = regexp.MustCompile(`https://github\.com/[^\s/]+/[^\s/]+/pull/\d+`)

// ParseOutput extracts the last result line from agent output. Without one
// the result is unsuccessful, except that a PR URL anywhere in the output is
// still captured.
func ParseOutput(lines []string) Result {
	var result Result
	found := false

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		idx := strings.Index(line, ResultPrefix)
		if idx < 0 {
			continue
		}
		payload := strings.TrimSpace(line[idx+len(ResultPrefix):])
		if err := json.Unmarshal([]byte(payload), &result); err != nil {
			result = Result{Error: fmt.Sprintf("invalid agent result: %v", err)}
		} else {
			found = true
		}
		break
	}

	if !found && result.Error == "" {
		result.Error = "agent did not report a result"
	}
	if result.Decision != "" {
		result.Decision = domain.ParseDecision(string(result.Decision))
	}
	if result.PRURL == "" {
		for i := len(lines) - 1; i >= 0; i-- {
			if m := prURLPattern.FindString(lines[i]); m != "" {
				result.PRURL = m
				break
			}
		}
	}
	return result
}

func sortedEnv(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+os.ExpandEnv(v))
	}
	sort.Strings(out)
	return out
}
