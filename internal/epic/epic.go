// Package epic runs every story carrying a label through the phase executor,
// one dependency phase at a time.
package epic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/patrob/ai-sdlc-sub001/internal/deps"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/executor"
	"github.com/patrob/ai-sdlc-sub001/internal/notify"
	"github.com/patrob/ai-sdlc-sub001/internal/storage"
)

// ErrNoStories is returned when the label pattern matches nothing
var ErrNoStories = errors.New("no stories match label")

// HistoryKind is the kind recorded for epic story runs
const HistoryKind = "epic"

// PhaseRunner executes one phase of stories
type PhaseRunner interface {
	ExecutePhase(ctx context.Context, stories []domain.Story, maxConcurrent int, failed *executor.FailedSet) domain.PhaseResult
}

// RunOptions controls one epic run
type RunOptions struct {
	MaxConcurrent     int
	ContinueOnFailure bool
}

// Settings wires optional collaborators
type Settings struct {
	// MergeGating makes dependents wait until a dependency's PR is merged.
	MergeGating bool
	History     storage.History
	Notifier    *notify.Notifier
}

// Orchestrator plans and runs epics
type Orchestrator struct {
	repo     storage.Repository
	phases   PhaseRunner
	settings Settings
	log      zerolog.Logger
}

// New creates an orchestrator
func New(repo storage.Repository, phases PhaseRunner, settings Settings, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		phases:   phases,
		settings: settings,
		log:      log.With().Str("component", "epic").Logger(),
	}
}

// Plan is the validated execution order of an epic
type Plan struct {
	Label        string
	Phases       [][]domain.Story
	PreSatisfied []string
	// AlreadyDone are label matches that were done before the run.
	AlreadyDone []string
}

// Total returns the number of stories to execute
func (p Plan) Total() int {
	n := 0
	for _, phase := range p.Phases {
		n += len(phase)
	}
	return n
}

// Plan discovers the epic's stories and groups them into phases. Stories
// done anywhere in the repository satisfy dependencies.
func (o *Orchestrator) Plan(ctx context.Context, labelPattern string) (Plan, error) {
	plan := Plan{Label: labelPattern}

	matched, err := o.repo.FindByLabel(ctx, labelPattern)
	if err != nil {
		return plan, fmt.Errorf("failed to find stories for %s: %w", labelPattern, err)
	}
	if len(matched) == 0 {
		return plan, fmt.Errorf("%w: %s", ErrNoStories, labelPattern)
	}

	all, err := o.repo.All(ctx)
	if err != nil {
		return plan, fmt.Errorf("failed to list stories: %w", err)
	}
	known := make([]string, 0, len(all))
	for _, s := range all {
		known = append(known, s.ID)
		if s.Status == domain.StatusDone {
			plan.PreSatisfied = append(plan.PreSatisfied, s.ID)
		}
	}

	var pending []domain.Story
	for _, s := range matched {
		if s.Status == domain.StatusDone {
			plan.AlreadyDone = append(plan.AlreadyDone, s.ID)
			continue
		}
		pending = append(pending, s)
	}

	plan.Phases, err = deps.Group(pending, plan.PreSatisfied, deps.WithKnownIDs(known...))
	if err != nil {
		return plan, err
	}
	return plan, nil
}

// Run executes the epic. A dependency validation error is returned before
// any story is touched; per-story failures are reported in the summary.
func (o *Orchestrator) Run(ctx context.Context, labelPattern string, opts RunOptions) (domain.EpicSummary, error) {
	start := time.Now()
	summary := domain.EpicSummary{Label: labelPattern}
	runID := uuid.New().String()
	log := o.log.With().Str("label", labelPattern).Str("workflow_id", runID).Logger()

	plan, err := o.Plan(ctx, labelPattern)
	if err != nil {
		return summary, err
	}

	summary.TotalStories = plan.Total()
	summary.Phases = len(plan.Phases)
	log.Info().
		Int("stories", summary.TotalStories).
		Int("phases", summary.Phases).
		Int("already_done", len(plan.AlreadyDone)).
		Msg("epic planned")

	failed := executor.NewFailedSet()
	preSatisfied := make(map[string]bool, len(plan.PreSatisfied))
	for _, id := range plan.PreSatisfied {
		preSatisfied[id] = true
	}

	stoppedAfter := 0
	for i, phase := range plan.Phases {
		index := i + 1

		if stoppedAfter > 0 {
			reason := fmt.Sprintf("epic stopped after phase %d failures", stoppedAfter)
			for _, s := range phase {
				o.record(ctx, runID, domain.StoryOutcome{StoryID: s.ID, Status: domain.OutcomeSkipped, Reason: reason})
				summary.AddSkipped(domain.StoryOutcome{StoryID: s.ID, Reason: reason})
			}
			continue
		}

		result := domain.PhaseResult{Index: index}
		runnable := make([]domain.Story, 0, len(phase))
		for _, s := range phase {
			if reason, skip := o.preFilter(ctx, s, failed, preSatisfied); skip {
				log.Info().Str("story_id", s.ID).Str("reason", reason).Msg("skipping story")
				failed.Add(s.ID)
				result.Add(domain.StoryOutcome{StoryID: s.ID, Status: domain.OutcomeSkipped, Reason: reason})
				continue
			}
			runnable = append(runnable, s)
		}

		log.Info().Int("phase", index).Int("stories", len(runnable)).Msg("starting phase")
		if len(runnable) > 0 {
			executed := o.phases.ExecutePhase(ctx, runnable, opts.MaxConcurrent, failed)
			result.Succeeded = append(result.Succeeded, executed.Succeeded...)
			result.Failed = append(result.Failed, executed.Failed...)
			result.Skipped = append(result.Skipped, executed.Skipped...)
			result.Duration = executed.Duration
		}

		for _, group := range [][]domain.StoryOutcome{result.Succeeded, result.Failed, result.Skipped} {
			for _, outcome := range group {
				o.record(ctx, runID, outcome)
			}
		}
		summary.Merge(result)

		if len(result.Failed) > 0 && !opts.ContinueOnFailure {
			log.Warn().Int("phase", index).Int("failed", len(result.Failed)).Msg("stopping epic after failures")
			stoppedAfter = index
		}
	}

	summary.Duration = time.Since(start)
	log.Info().
		Int("completed", summary.Completed).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Dur("duration", summary.Duration).
		Msg("epic finished")

	if err := o.settings.Notifier.NotifyEpicComplete(ctx, summary); err != nil {
		log.Debug().Err(err).Msg("notification failed")
	}

	return summary, ctx.Err()
}

// preFilter decides whether a story can start in this phase
func (o *Orchestrator) preFilter(ctx context.Context, s domain.Story, failed *executor.FailedSet, preSatisfied map[string]bool) (string, bool) {
	if s.Status == domain.StatusBlocked {
		return "story is blocked: " + s.BlockedReason, true
	}
	if dep, ok := failed.FirstOf(s.Dependencies); ok {
		return "Dependency failed: " + dep, true
	}
	if !o.settings.MergeGating {
		return "", false
	}

	for _, dep := range s.Dependencies {
		if preSatisfied[dep] {
			continue
		}
		d, err := o.repo.Load(ctx, dep)
		if err != nil || !d.PRMerged {
			return "waiting for dependency merge: " + dep, true
		}
	}
	return "", false
}

// record writes an epic story outcome to history when enabled
func (o *Orchestrator) record(ctx context.Context, runID string, outcome domain.StoryOutcome) {
	if o.settings.History == nil {
		return
	}

	end := time.Now()
	rec := &storage.ActionRecord{
		WorkflowID: runID,
		StoryID:    outcome.StoryID,
		Kind:       HistoryKind,
		Status:     string(outcome.Status),
		StartTime:  end.Add(-outcome.Duration),
		EndTime:    end,
		Error:      outcome.Reason,
	}
	if outcome.Output != "" {
		rec.Output = strings.Split(outcome.Output, "\n")
	}
	if err := o.settings.History.RecordAction(context.WithoutCancel(ctx), rec); err != nil {
		o.log.Warn().Err(err).Str("story_id", outcome.StoryID).Msg("failed to record history")
	}
}
