package runner

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
)

// Built-in gate names
const (
	GateBeforeImplementation = "require_approval_before_implementation"
	GateBeforePR             = "require_approval_before_pr"
)

// Gate stops an automatic run before matching actions
type Gate struct {
	Name    string
	Kinds   []domain.ActionKind
	program *vm.Program
}

// CompileGates builds the gates enabled in cfg. Built-in gates come first so
// they are reported ahead of custom rules.
func CompileGates(cfg config.StageGatesConfig) ([]Gate, error) {
	var gates []Gate
	if cfg.RequireApprovalBeforeImplementation {
		gates = append(gates, Gate{Name: GateBeforeImplementation, Kinds: []domain.ActionKind{domain.ActionImplement}})
	}
	if cfg.RequireApprovalBeforePR {
		gates = append(gates, Gate{Name: GateBeforePR, Kinds: []domain.ActionKind{domain.ActionCreatePR}})
	}

	for _, rule := range cfg.Rules {
		program, err := expr.Compile(rule.When, expr.Env(config.GateEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("stage gate %s: %w", rule.Name, err)
		}
		gates = append(gates, Gate{Name: rule.Name, Kinds: rule.Kinds, program: program})
	}
	return gates, nil
}

// Blocks reports whether the gate stops the action. A rule that fails to
// evaluate blocks.
func (g Gate) Blocks(action domain.Action, story domain.Story) (bool, error) {
	if len(g.Kinds) > 0 && !containsKind(g.Kinds, action.Kind) {
		return false, nil
	}
	if g.program == nil {
		return true, nil
	}

	out, err := expr.Run(g.program, config.GateEnv{
		Kind:     string(action.Kind),
		StoryID:  story.ID,
		Priority: story.Priority,
		Reason:   action.Reason,
		Labels:   story.Labels,
		Retries:  story.RetryCount,
	})
	if err != nil {
		return true, fmt.Errorf("stage gate %s: %w", g.Name, err)
	}
	blocked, _ := out.(bool)
	return blocked, nil
}

func containsKind(kinds []domain.ActionKind, kind domain.ActionKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
