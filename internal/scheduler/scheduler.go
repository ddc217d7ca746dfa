// Package scheduler decides the next action for every story and trips the
// circuit breaker for stories stuck in review loops.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/review"
	"github.com/patrob/ai-sdlc-sub001/internal/storage"
)

// Priority offsets added to a story's own priority per action kind.
const (
	offsetImplementInProgress = 50
	offsetReview              = 100
	offsetReviewPerRetry      = 50
	offsetCreatePR            = 150
	offsetResearch            = 200
	offsetPlan                = 300
	offsetImplementReady      = 400
	offsetRefine              = 500

	// FallbackPriorityOffset pushes manual-intervention actions behind all
	// regular work when a circuit break could not be persisted.
	FallbackPriorityOffset = 10000
)

// Limits are the configured retry and refinement ceilings.
type Limits struct {
	MaxRetries           int
	MaxRetriesUpperBound int
	MaxRefinements       int
}

// LimitsFromConfig extracts scheduler limits from the loaded config
func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		MaxRetries:           cfg.Review.MaxRetries,
		MaxRetriesUpperBound: cfg.Review.MaxRetriesUpperBound,
		MaxRefinements:       cfg.Refinement.MaxIterations,
	}
}

// Assessment is the result of one scheduling pass.
type Assessment struct {
	ByStatus           map[domain.StoryStatus][]domain.Story
	RecommendedActions []domain.Action
}

// Next returns the highest priority action
func (a Assessment) Next() (domain.Action, bool) {
	if len(a.RecommendedActions) == 0 {
		return domain.Action{}, false
	}
	return a.RecommendedActions[0], true
}

// Scheduler scans the repository and recommends one action per story.
type Scheduler struct {
	repo        storage.Repository
	categorizer review.Categorizer
	limits      Limits
	log         zerolog.Logger
	now         func() time.Time

	// OnCircuitBreak is called after a story is persisted as blocked.
	OnCircuitBreak func(story domain.Story)
}

// New creates a scheduler
func New(repo storage.Repository, categorizer review.Categorizer, limits Limits, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		repo:        repo,
		categorizer: categorizer,
		limits:      limits,
		log:         log.With().Str("component", "scheduler").Logger(),
		now:         time.Now,
	}
}

// Assess buckets every story by status and returns the recommended actions
// sorted ascending by priority. Stories that trip the circuit breaker are
// persisted as blocked and emit no action.
func (s *Scheduler) Assess(ctx context.Context) (Assessment, error) {
	stories, err := s.repo.All(ctx)
	if err != nil {
		return Assessment{}, fmt.Errorf("failed to list stories: %w", err)
	}

	result := Assessment{
		ByStatus: make(map[domain.StoryStatus][]domain.Story),
	}
	storyPriority := make(map[string]int, len(stories))

	for i := range stories {
		story := stories[i]
		action, ok := s.decide(ctx, &story)
		result.ByStatus[story.Status] = append(result.ByStatus[story.Status], story)
		if ok {
			storyPriority[story.ID] = story.Priority
			result.RecommendedActions = append(result.RecommendedActions, action)
		}
	}

	sort.SliceStable(result.RecommendedActions, func(i, j int) bool {
		a, b := result.RecommendedActions[i], result.RecommendedActions[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if pa, pb := storyPriority[a.StoryID], storyPriority[b.StoryID]; pa != pb {
			return pa < pb
		}
		return a.StoryID < b.StoryID
	})

	return result, nil
}

// decide applies the decision table to one story. It may mutate story when a
// circuit break is persisted.
func (s *Scheduler) decide(ctx context.Context, story *domain.Story) (domain.Action, bool) {
	score := story.CompletionScore()
	base := domain.Action{
		StoryID:  story.ID,
		StoryRef: story.Ref,
	}

	switch story.Status {
	case domain.StatusInProgress:
		if latest, ok := story.LatestReview(); ok &&
			story.ImplementationComplete && !story.ReviewsComplete &&
			latest.Decision == domain.DecisionRejected && !latest.Addressed {
			maxRefinements := story.EffectiveMaxRefinements(s.limits.MaxRefinements)
			if story.RefinementCount < maxRefinements {
				issues := review.IssuesFrom(latest)
				a := base
				a.Kind = domain.ActionRework
				a.Priority = story.Priority
				a.Reason = fmt.Sprintf("Review rejected, refinement %d of %s", story.RefinementCount+1, formatLimit(maxRefinements))
				a.Context = domain.ActionContext{
					TargetPhase:    s.categorizer.Classify(issues),
					ReviewFeedback: latest.Feedback,
					Iteration:      story.RefinementCount + 1,
				}
				return a, true
			}

			reason := fmt.Sprintf("Max refinement attempts (%d) reached. Latest feedback: %s", maxRefinements, latest.Feedback)
			return s.circuitBreak(ctx, story, base, reason, domain.ActionContext{BlockedByMaxRefinements: true})
		}

		maxRetries := story.EffectiveMaxRetries(s.limits.MaxRetries, s.limits.MaxRetriesUpperBound)
		if story.RetryCount >= maxRetries {
			reason := fmt.Sprintf("Max review retries (%d) reached", maxRetries)
			if latest, ok := story.LatestReview(); ok && latest.Feedback != "" {
				reason += ". Latest feedback: " + latest.Feedback
			}
			return s.circuitBreak(ctx, story, base, reason, domain.ActionContext{BlockedByMaxRetries: true})
		}

		switch {
		case !story.ImplementationComplete:
			return withKind(base, domain.ActionImplement, story.Priority+offsetImplementInProgress-score,
				"Implementation in progress"), true
		case !story.ReviewsComplete:
			return withKind(base, domain.ActionReview,
				story.Priority+offsetReview+offsetReviewPerRetry*story.RetryCount-score,
				"Implementation complete, awaiting review"), true
		default:
			return withKind(base, domain.ActionCreatePR, story.Priority+offsetCreatePR-score,
				"Reviews complete, ready for pull request"), true
		}

	case domain.StatusReady:
		switch {
		case !story.ResearchComplete:
			return withKind(base, domain.ActionResearch, story.Priority+offsetResearch-score, "Ready, research needed"), true
		case !story.PlanComplete:
			return withKind(base, domain.ActionPlan, story.Priority+offsetPlan-score, "Research complete, plan needed"), true
		default:
			return withKind(base, domain.ActionImplement, story.Priority+offsetImplementReady-score, "Plan complete, ready to implement"), true
		}

	case domain.StatusBacklog:
		return withKind(base, domain.ActionRefine, story.Priority+offsetRefine, "Backlog story needs refinement"), true
	}

	return domain.Action{}, false
}

// circuitBreak persists the story as blocked. When the save fails the story
// is surfaced as a low-priority review action instead of being dropped.
func (s *Scheduler) circuitBreak(ctx context.Context, story *domain.Story, base domain.Action, reason string, fallback domain.ActionContext) (domain.Action, bool) {
	original := story.Clone()

	if err := Block(ctx, s.repo, story, reason, s.now()); err != nil {
		s.log.Error().Err(err).Str("story_id", story.ID).Msg("failed to persist circuit break")
		*story = original

		a := base
		a.Kind = domain.ActionReview
		a.Priority = story.Priority + FallbackPriorityOffset
		a.Reason = "Manual intervention required: " + SanitizeReason(reason)
		a.Context = fallback
		return a, true
	}

	s.log.Warn().Str("story_id", story.ID).Str("reason", story.BlockedReason).Msg("circuit breaker tripped")
	if s.OnCircuitBreak != nil {
		s.OnCircuitBreak(*story)
	}
	return domain.Action{}, false
}

func withKind(a domain.Action, kind domain.ActionKind, priority int, reason string) domain.Action {
	a.Kind = kind
	a.Priority = priority
	a.Reason = reason
	return a
}

func formatLimit(n int) string {
	if n == domain.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}
