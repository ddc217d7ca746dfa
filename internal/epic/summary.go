package epic

import (
	"fmt"
	"strings"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/theme"
	"github.com/patrob/ai-sdlc-sub001/internal/util"
)

// RenderPlan lists the phases of a plan
func RenderPlan(p Plan) string {
	styles := theme.NewStyles()
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n", styles.Title.Render("Epic"), p.Label)
	if len(p.AlreadyDone) > 0 {
		fmt.Fprintf(&b, "%s\n", styles.Muted.Render("already done: "+strings.Join(p.AlreadyDone, ", ")))
	}
	for i, phase := range p.Phases {
		ids := make([]string, 0, len(phase))
		for _, s := range phase {
			ids = append(ids, s.ID)
		}
		fmt.Fprintf(&b, "  %s %s\n", styles.Bold.Render(fmt.Sprintf("Phase %d:", i+1)), strings.Join(ids, ", "))
	}
	return b.String()
}

// RenderSummary formats the result of an epic run
func RenderSummary(s domain.EpicSummary) string {
	styles := theme.NewStyles()
	var b strings.Builder

	header := fmt.Sprintf("Epic %s: %s in %s, %s",
		s.Label,
		util.Plural(s.TotalStories, "story", "stories"),
		util.Plural(s.Phases, "phase", "phases"),
		util.FormatDuration(s.Duration))
	fmt.Fprintln(&b, styles.Title.Render(header))

	fmt.Fprintf(&b, "%s  %s  %s  %s\n",
		styles.Success.Render(fmt.Sprintf("✓ %d completed", s.Completed)),
		styles.Error.Render(fmt.Sprintf("✗ %d failed", s.Failed)),
		styles.Warning.Render(fmt.Sprintf("⊘ %d skipped", s.Skipped)),
		styles.Muted.Render(fmt.Sprintf("%.0f%%", s.SuccessRate())))

	for _, o := range s.CompletedStories {
		line := fmt.Sprintf("  ✓ %s (%s)", o.StoryID, util.FormatDurationCompact(o.Duration))
		if o.Merged {
			line += " merged"
		}
		fmt.Fprintln(&b, styles.Success.Render(line))
	}
	for _, o := range s.FailedStories {
		fmt.Fprintln(&b, styles.Error.Render(fmt.Sprintf("  ✗ %s [%s] %s", o.StoryID, o.Kind, o.Reason)))
	}
	for _, o := range s.SkippedStories {
		fmt.Fprintln(&b, styles.Warning.Render(fmt.Sprintf("  ⊘ %s %s", o.StoryID, o.Reason)))
	}

	return styles.BorderedBox.Render(strings.TrimRight(b.String(), "\n"))
}
