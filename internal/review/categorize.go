// Package review routes rejected review feedback to the pipeline phase that
// should be reworked.
package review

import (
	"strings"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
)

// Categorizer maps review issues to the phase a rework should restart from
type Categorizer interface {
	Classify(issues []string) domain.Phase
}

// KeywordCategorizer scores issues against per-phase keyword lists. The
// earliest phase wins ties since reworking it also redoes later phases.
type KeywordCategorizer struct {
	Keywords map[domain.Phase][]string
	Default  domain.Phase
}

// NewKeywordCategorizer returns a categorizer with the built-in keyword table
func NewKeywordCategorizer() *KeywordCategorizer {
	return &KeywordCategorizer{
		Keywords: map[domain.Phase][]string{
			domain.PhaseResearch: {
				"requirement", "acceptance criteria", "misunderstood", "wrong problem",
				"out of scope", "missing context", "unclear", "research",
			},
			domain.PhasePlan: {
				"architecture", "design", "approach", "plan", "interface",
				"data model", "schema", "refactor", "structure",
			},
			domain.PhaseImplement: {
				"test", "bug", "lint", "typo", "error handling", "nil",
				"compile", "build", "edge case", "coverage", "format",
			},
		},
		Default: domain.PhaseImplement,
	}
}

var phaseOrder = []domain.Phase{domain.PhaseResearch, domain.PhasePlan, domain.PhaseImplement}

// Classify returns the phase whose keywords match the most issues
func (c *KeywordCategorizer) Classify(issues []string) domain.Phase {
	scores := make(map[domain.Phase]int, len(phaseOrder))
	for _, issue := range issues {
		text := strings.ToLower(issue)
		for _, phase := range phaseOrder {
			for _, kw := range c.Keywords[phase] {
				if strings.Contains(text, kw) {
					scores[phase]++
					break
				}
			}
		}
	}

	best, bestScore := c.Default, 0
	for _, phase := range phaseOrder {
		if scores[phase] > bestScore {
			best, bestScore = phase, scores[phase]
		}
	}
	return best
}

// IssuesFrom collects the blockers and feedback of a review attempt
func IssuesFrom(attempt domain.ReviewAttempt) []string {
	issues := append([]string(nil), attempt.Blockers...)
	if attempt.Feedback != "" {
		issues = append(issues, attempt.Feedback)
	}
	return issues
}

var _ Categorizer = (*KeywordCategorizer)(nil)
