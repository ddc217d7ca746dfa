package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
)

// Definition configures how one action kind is delegated to an agent
type Definition struct {
	Kind           domain.ActionKind `yaml:"kind"`
	Description    string            `yaml:"description,omitempty"`
	Command        string            `yaml:"command,omitempty"` // Override agents.command
	Args           []string          `yaml:"args,omitempty"`    // Placed before the prompt
	PromptTemplate string            `yaml:"prompt_template"`
	Timeout        time.Duration     `yaml:"timeout,omitempty"` // Override agents.timeout
	Env            map[string]string `yaml:"env,omitempty"`     // Environment variables
}

// TemplateContext provides data for prompt template rendering
type TemplateContext struct {
	Story     domain.Story
	Action    domain.Action
	Root      string
	StoryPath string
}

// RenderPrompt renders the definition's prompt template
func (d *Definition) RenderPrompt(ctx *TemplateContext) (string, error) {
	tmpl, err := template.New(string(d.Kind)).Parse(d.PromptTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse prompt template: %w", err)
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("failed to render prompt template: %w", err)
	}

	return buf.String(), nil
}

// Registry holds one definition per action kind
type Registry struct {
	dir  string
	defs map[domain.ActionKind]*Definition
	log  zerolog.Logger
}

// NewRegistry creates a registry holding the built-in definitions. Load
// overlays definitions from dir.
func NewRegistry(dir string, log zerolog.Logger) *Registry {
	return &Registry{
		dir:  dir,
		defs: DefaultDefinitions(),
		log:  log.With().Str("component", "agents").Logger(),
	}
}

// Load reads every *.yaml file in the definitions directory. A missing
// directory leaves the defaults in place; invalid files are skipped.
func (r *Registry) Load() error {
	files, err := filepath.Glob(filepath.Join(r.dir, "*.yaml"))
	if err != nil {
		return fmt.Errorf("failed to list agent definitions: %w", err)
	}

	for _, file := range files {
		def, err := loadDefinition(file)
		if err != nil {
			r.log.Warn().Err(err).Str("file", file).Msg("skipping agent definition")
			continue
		}
		r.defs[def.Kind] = def
	}

	return nil
}

// loadDefinition loads a definition from a YAML file
func loadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, err
	}

	// Use filename as kind if not specified
	if def.Kind == "" {
		def.Kind = domain.ActionKind(strings.TrimSuffix(filepath.Base(path), ".yaml"))
	}
	if !def.Kind.IsValid() {
		return nil, fmt.Errorf("unknown action kind %q", def.Kind)
	}
	if def.PromptTemplate == "" {
		return nil, fmt.Errorf("definition for %s has no prompt_template", def.Kind)
	}
	if _, err := template.New("check").Parse(def.PromptTemplate); err != nil {
		return nil, fmt.Errorf("definition for %s: %w", def.Kind, err)
	}

	return &def, nil
}

// Get returns the definition for an action kind
func (r *Registry) Get(kind domain.ActionKind) (*Definition, bool) {
	d, ok := r.defs[kind]
	return d, ok
}

// Kinds returns the kinds with a definition, sorted
func (r *Registry) Kinds() []domain.ActionKind {
	kinds := make([]domain.ActionKind, 0, len(r.defs))
	for k := range r.defs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

const resultInstructions = ` When finished, print one line of the form ` +
	`SDLC_RESULT: {"success":true,"changesMade":true} as the last line of output.`

// DefaultDefinitions returns the built-in definitions for every action kind
func DefaultDefinitions() map[domain.ActionKind]*Definition {
	defs := []*Definition{
		{
			Kind:        domain.ActionRefine,
			Description: "Turn a backlog story into a ready story",
			PromptTemplate: `Refine the story at {{.StoryPath}}: clarify the goal, write acceptance criteria ` +
				`and note open questions. Do not implement anything.` + resultInstructions,
		},
		{
			Kind:        domain.ActionResearch,
			Description: "Research the codebase for the story",
			PromptTemplate: `Research the codebase for the story at {{.StoryPath}}. Record relevant files, ` +
				`patterns and risks in the story under a Research section.` + resultInstructions,
		},
		{
			Kind:        domain.ActionPlan,
			Description: "Write an implementation plan",
			PromptTemplate: `Write a step by step implementation plan for the story at {{.StoryPath}} ` +
				`and add it to the story under a Plan section.` + resultInstructions,
		},
		{
			Kind:        domain.ActionImplement,
			Description: "Implement the story",
			PromptTemplate: `Implement the story at {{.StoryPath}} following its plan. Run tests after each ` +
				`change. Do not ask clarifying questions - use best judgment based on existing patterns.` +
				resultInstructions,
		},
		{
			Kind:        domain.ActionReview,
			Description: "Review the implementation",
			PromptTemplate: `Review the implementation of the story at {{.StoryPath}}. Report a decision of ` +
				`APPROVED, REJECTED, RECOVERY (implementation incomplete) or FAILED, with issues and feedback. ` +
				`Print SDLC_RESULT: {"success":true,"decision":"...","severity":"...","feedback":"...","issues":[...]} ` +
				`as the last line of output.`,
		},
		{
			Kind:        domain.ActionRework,
			Description: "Address review feedback",
			PromptTemplate: `Rework the story at {{.StoryPath}} starting from the {{.Action.Context.TargetPhase}} phase ` +
				`(iteration {{.Action.Context.Iteration}}). Review feedback: {{.Action.Context.ReviewFeedback}}` +
				resultInstructions,
		},
		{
			Kind:        domain.ActionCreatePR,
			Description: "Open a pull request",
			PromptTemplate: `Commit all changes for story {{.Story.ID}} with a descriptive message, push the ` +
				`branch and open a pull request. Print SDLC_RESULT: {"success":true,"prUrl":"<url>"} as the ` +
				`last line of output.`,
		},
	}

	out := make(map[domain.ActionKind]*Definition, len(defs))
	for _, d := range defs {
		out[d.Kind] = d
	}
	return out
}
