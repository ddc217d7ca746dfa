package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
)

func scriptAgent(t *testing.T, kind domain.ActionKind, script string) *CommandAgent {
	t.Helper()
	r := NewRegistry(t.TempDir(), zerolog.Nop())
	r.defs[kind] = &Definition{
		Kind:           kind,
		Command:        "sh",
		Args:           []string{"-c", script, "agent"},
		PromptTemplate: "{{.Action.Kind}} {{.Story.ID}}",
	}
	return NewCommandAgent(r, config.AgentsConfig{Command: "claude", Timeout: 5 * time.Second}, zerolog.Nop())
}

func runOpts(kind domain.ActionKind) Options {
	story := domain.Story{ID: "S-1", Title: "Login"}
	return Options{
		Action: domain.Action{Kind: kind, StoryID: "S-1", StoryRef: "mem:S-1"},
		Story:  story,
	}
}

func TestCommandAgent_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("passes prompt and env, parses result", func(t *testing.T) {
		a := scriptAgent(t, domain.ActionResearch,
			`echo "prompt=$1 ref=$SDLC_STORY_REF"; echo 'SDLC_RESULT: {"success":true,"changesMade":true}'`)

		var streamed []string
		opts := runOpts(domain.ActionResearch)
		opts.OnLine = func(line string, _ bool) { streamed = append(streamed, line) }

		res, err := a.Run(ctx, "mem:S-1", t.TempDir(), opts)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.True(t, res.ChangesMade)
		assert.Equal(t, "prompt=research S-1 ref=mem:S-1", res.Output[0])
		assert.Equal(t, res.Output, streamed)
	})

	t.Run("review decision", func(t *testing.T) {
		a := scriptAgent(t, domain.ActionReview,
			`echo 'SDLC_RESULT: {"success":true,"decision":"rejected","issues":["missing tests"],"feedback":"add tests"}'`)

		res, err := a.Run(ctx, "mem:S-1", t.TempDir(), runOpts(domain.ActionReview))
		require.NoError(t, err)
		assert.Equal(t, domain.DecisionRejected, res.Decision)
		assert.Equal(t, []string{"missing tests"}, res.Issues)
		assert.Equal(t, "add tests", res.Feedback)
	})

	t.Run("non-zero exit is unsuccessful", func(t *testing.T) {
		a := scriptAgent(t, domain.ActionPlan, `echo working; exit 3`)

		res, err := a.Run(ctx, "mem:S-1", t.TempDir(), runOpts(domain.ActionPlan))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.NotEmpty(t, res.Error)
	})

	t.Run("missing result line", func(t *testing.T) {
		a := scriptAgent(t, domain.ActionPlan, `echo done`)

		res, err := a.Run(ctx, "mem:S-1", t.TempDir(), runOpts(domain.ActionPlan))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "agent did not report a result", res.Error)
	})

	t.Run("timeout", func(t *testing.T) {
		a := scriptAgent(t, domain.ActionPlan, `exec sleep 5`)
		a.registry.defs[domain.ActionPlan].Timeout = 50 * time.Millisecond

		res, err := a.Run(ctx, "mem:S-1", t.TempDir(), runOpts(domain.ActionPlan))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "timed out")
	})

	t.Run("missing binary", func(t *testing.T) {
		r := NewRegistry(t.TempDir(), zerolog.Nop())
		a := NewCommandAgent(r, config.AgentsConfig{Command: "sdlc-agent-does-not-exist"}, zerolog.Nop())

		_, err := a.Run(ctx, "mem:S-1", t.TempDir(), runOpts(domain.ActionPlan))
		assert.Error(t, err)
	})
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		check func(t *testing.T, r Result)
	}{
		{
			name:  "last result wins",
			lines: []string{`SDLC_RESULT: {"success":false}`, "noise", `SDLC_RESULT: {"success":true}`},
			check: func(t *testing.T, r Result) { assert.True(t, r.Success) },
		},
		{
			name:  "invalid json",
			lines: []string{`SDLC_RESULT: {nope`},
			check: func(t *testing.T, r Result) {
				assert.False(t, r.Success)
				assert.Contains(t, r.Error, "invalid agent result")
			},
		},
		{
			name:  "unknown decision maps to failed",
			lines: []string{`SDLC_RESULT: {"success":true,"decision":"maybe"}`},
			check: func(t *testing.T, r Result) { assert.Equal(t, domain.DecisionFailed, r.Decision) },
		},
		{
			name:  "pr url from output",
			lines: []string{"Created https://github.com/acme/app/pull/42", `SDLC_RESULT: {"success":true}`},
			check: func(t *testing.T, r Result) { assert.Equal(t, "https://github.com/acme/app/pull/42", r.PRURL) },
		},
		{
			name:  "prefixed log line",
			lines: []string{`[agent] SDLC_RESULT: {"success":true,"prUrl":"https://example.com/pr/1"}`},
			check: func(t *testing.T, r Result) { assert.Equal(t, "https://example.com/pr/1", r.PRURL) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, ParseOutput(tt.lines))
		})
	}
}

func TestRegistry_Load(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}

	write("plan.yaml", "prompt_template: \"custom plan for {{.Story.ID}}\"\ncommand: codex\n")
	write("custom.yaml", "kind: review\nprompt_template: \"custom review\"\ntimeout: 10m\n")
	write("deploy.yaml", "prompt_template: \"deploy\"\n")
	write("broken.yaml", "kind: [\n")
	write("empty.yaml", "kind: research\n")

	r := NewRegistry(dir, zerolog.Nop())
	require.NoError(t, r.Load())

	plan, ok := r.Get(domain.ActionPlan)
	require.True(t, ok)
	assert.Equal(t, "codex", plan.Command)

	review, _ := r.Get(domain.ActionReview)
	assert.Equal(t, "custom review", review.PromptTemplate)
	assert.Equal(t, 10*time.Minute, review.Timeout)

	research, _ := r.Get(domain.ActionResearch)
	assert.Equal(t, DefaultDefinitions()[domain.ActionResearch].PromptTemplate, research.PromptTemplate)

	assert.Len(t, r.Kinds(), len(domain.AllActionKinds()))
}

func TestRegistry_LoadMissingDir(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "nope"), zerolog.Nop())
	require.NoError(t, r.Load())
	assert.Len(t, r.Kinds(), len(domain.AllActionKinds()))
}

func TestDefaultDefinitions_Render(t *testing.T) {
	ctx := &TemplateContext{
		Story:     domain.Story{ID: "S-1"},
		StoryPath: "/repo/.ai-sdlc/stories/S-1.md",
		Action: domain.Action{
			Kind: domain.ActionRework,
			Context: domain.ActionContext{
				TargetPhase:    domain.PhasePlan,
				Iteration:      2,
				ReviewFeedback: "split the handler",
			},
		},
	}

	for kind, def := range DefaultDefinitions() {
		out, err := def.RenderPrompt(ctx)
		require.NoError(t, err, kind)
		assert.NotEmpty(t, out)
		if kind == domain.ActionRework {
			assert.True(t, strings.Contains(out, "plan phase (iteration 2)"))
			assert.Contains(t, out, "split the handler")
		}
	}
}
