package runner

import (
	"fmt"

	"github.com/patrob/ai-sdlc-sub001/internal/agent"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
)

func (r *Runner) applyRefine(s *domain.Story, _ domain.Action, _ agent.Result) effect {
	s.Status = domain.StatusReady
	return effect{}
}

func (r *Runner) applyResearch(s *domain.Story, _ domain.Action, _ agent.Result) effect {
	s.ResearchComplete = true
	return effect{}
}

func (r *Runner) applyPlan(s *domain.Story, _ domain.Action, _ agent.Result) effect {
	s.PlanComplete = true
	return effect{}
}

func startImplementation(s *domain.Story) {
	s.Status = domain.StatusInProgress
}

func (r *Runner) applyImplement(s *domain.Story, _ domain.Action, _ agent.Result) effect {
	s.Status = domain.StatusInProgress
	s.ImplementationComplete = true
	return effect{}
}

func (r *Runner) applyCreatePR(s *domain.Story, _ domain.Action, res agent.Result) effect {
	if res.PRURL != "" {
		s.PRURL = res.PRURL
	}
	s.Status = domain.StatusDone
	return effect{}
}

// applyRework clears the flags from the target phase onward and hands the
// story back to that phase.
func (r *Runner) applyRework(s *domain.Story, a domain.Action, _ agent.Result) effect {
	target := a.Context.TargetPhase
	if target == "" {
		target = domain.PhaseImplement
	}

	switch target {
	case domain.PhaseResearch:
		s.ResearchComplete = false
		s.PlanComplete = false
		s.Status = domain.StatusReady
	case domain.PhasePlan:
		s.PlanComplete = false
		s.Status = domain.StatusReady
	default:
		s.Status = domain.StatusInProgress
	}
	s.ImplementationComplete = false
	s.ReviewsComplete = false
	s.RefinementCount++
	s.MarkReviewAddressed()
	return effect{repeat: true}
}

// applyReview records the review and applies its decision
func (r *Runner) applyReview(s *domain.Story, _ domain.Action, res agent.Result) effect {
	decision := res.Decision
	if decision == "" {
		decision = domain.DecisionFailed
	}
	s.AppendReview(domain.ReviewAttempt{
		Timestamp: r.now(),
		Decision:  decision,
		Severity:  res.Severity,
		Feedback:  res.Feedback,
		Blockers:  res.Issues,
	})

	log := r.log.With().Str("story_id", s.ID).Str("decision", string(decision)).Logger()

	switch decision {
	case domain.DecisionApproved:
		s.ReviewsComplete = true
		if r.cfg.Review.AutoCompleteOnApproval {
			s.ResearchComplete = true
			s.PlanComplete = true
			s.ImplementationComplete = true
			s.Status = domain.StatusDone
		}
		return effect{}

	case domain.DecisionRejected:
		maxRetries := s.EffectiveMaxRetries(r.cfg.Review.MaxRetries, r.cfg.Review.MaxRetriesUpperBound)
		if s.RetryCount < maxRetries {
			resetRPIV(s)
			log.Info().Int("retry", s.RetryCount).Msg("review rejected, restarting from plan")
			return effect{repeat: true}
		}
		log.Warn().Int("max_retries", maxRetries).Msg("review rejected at max retries")
		return effect{}

	case domain.DecisionRecovery:
		s.ImplementationRetryCount++
		s.TotalRecoveryAttempts++
		log.Info().Int("attempt", s.ImplementationRetryCount).Msg("review requested recovery")
		return effect{repeat: true}

	default:
		msg := firstNonEmpty(res.Feedback, res.Error, "no details reported")
		return effect{failure: fmt.Sprintf("review failed: %s", msg)}
	}
}

// resetRPIV restarts the plan, implement, review cycle. Research is kept.
func resetRPIV(s *domain.Story) {
	s.PlanComplete = false
	s.ImplementationComplete = false
	s.ReviewsComplete = false
	s.Status = domain.StatusReady
	s.RetryCount++
	s.TotalRecoveryAttempts++
	s.MarkReviewAddressed()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
