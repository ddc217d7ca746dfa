package domain

import (
	"math"
	"strings"
	"time"
)

// StoryStatus represents the lifecycle status of a story
type StoryStatus string

const (
	StatusBacklog    StoryStatus = "backlog"
	StatusReady      StoryStatus = "ready"
	StatusInProgress StoryStatus = "in-progress"
	StatusBlocked    StoryStatus = "blocked"
	StatusDone       StoryStatus = "done"
)

// AllStatuses returns every status in pipeline order
func AllStatuses() []StoryStatus {
	return []StoryStatus{
		StatusBacklog,
		StatusReady,
		StatusInProgress,
		StatusBlocked,
		StatusDone,
	}
}

// IsValid reports whether s is a known status
func (s StoryStatus) IsValid() bool {
	switch s {
	case StatusBacklog, StatusReady, StatusInProgress, StatusBlocked, StatusDone:
		return true
	}
	return false
}

// Unlimited disables a retry or refinement limit.
const Unlimited = math.MaxInt

// MaxReviewHistory is the number of review attempts retained per story.
const MaxReviewHistory = 10

// NormalizeLimit maps negative configured limits to Unlimited.
func NormalizeLimit(n int) int {
	if n < 0 {
		return Unlimited
	}
	return n
}

// Story is a unit of work moving through the pipeline.
type Story struct {
	ID       string      `yaml:"id" json:"id"`
	Title    string      `yaml:"title" json:"title"`
	Priority int         `yaml:"priority" json:"priority"`
	Status   StoryStatus `yaml:"status" json:"status"`

	ResearchComplete       bool `yaml:"research_complete" json:"researchComplete"`
	PlanComplete           bool `yaml:"plan_complete" json:"planComplete"`
	ImplementationComplete bool `yaml:"implementation_complete" json:"implementationComplete"`
	ReviewsComplete        bool `yaml:"reviews_complete" json:"reviewsComplete"`

	RetryCount               int `yaml:"retry_count" json:"retryCount"`
	RefinementCount          int `yaml:"refinement_count" json:"refinementCount"`
	ImplementationRetryCount int `yaml:"implementation_retry_count" json:"implementationRetryCount"`
	TotalRecoveryAttempts    int `yaml:"total_recovery_attempts" json:"totalRecoveryAttempts"`

	// Per-story overrides; nil means the configured default applies.
	MaxRetries            *int `yaml:"max_retries,omitempty" json:"maxRetries,omitempty"`
	MaxRefinementAttempts *int `yaml:"max_refinement_attempts,omitempty" json:"maxRefinementAttempts,omitempty"`

	Dependencies  []string        `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Labels        []string        `yaml:"labels,omitempty" json:"labels,omitempty"`
	ReviewHistory []ReviewAttempt `yaml:"review_history,omitempty" json:"reviewHistory,omitempty"`

	BlockedReason string     `yaml:"blocked_reason,omitempty" json:"blockedReason,omitempty"`
	BlockedAt     *time.Time `yaml:"blocked_at,omitempty" json:"blockedAt,omitempty"`

	Branch   string `yaml:"branch,omitempty" json:"branch,omitempty"`
	PRURL    string `yaml:"pr_url,omitempty" json:"prUrl,omitempty"`
	PRMerged bool   `yaml:"pr_merged,omitempty" json:"prMerged,omitempty"`

	CreatedAt time.Time `yaml:"created_at" json:"createdAt"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updatedAt"`

	Body string `yaml:"-" json:"body,omitempty"`

	// Ref locates the story in its repository. Set on load, never persisted.
	Ref string `yaml:"-" json:"-"`
}

// CompletionScore weights finished phases: later phases count more.
func (s Story) CompletionScore() int {
	score := 0
	if s.ResearchComplete {
		score += 10
	}
	if s.PlanComplete {
		score += 20
	}
	if s.ImplementationComplete {
		score += 30
	}
	if s.ReviewsComplete {
		score += 40
	}
	return score
}

// IsActionable returns true if the scheduler may emit work for the story
func (s Story) IsActionable() bool {
	return s.Status == StatusBacklog ||
		s.Status == StatusReady ||
		s.Status == StatusInProgress
}

// HasLabel reports whether the story carries the exact label
func (s Story) HasLabel(label string) bool {
	for _, l := range s.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// LatestReview returns the most recent review attempt, if any
func (s Story) LatestReview() (ReviewAttempt, bool) {
	if len(s.ReviewHistory) == 0 {
		return ReviewAttempt{}, false
	}
	return s.ReviewHistory[len(s.ReviewHistory)-1], true
}

// AppendReview records a review attempt, dropping the oldest entries beyond
// MaxReviewHistory.
func (s *Story) AppendReview(attempt ReviewAttempt) {
	s.ReviewHistory = append(s.ReviewHistory, attempt)
	if over := len(s.ReviewHistory) - MaxReviewHistory; over > 0 {
		s.ReviewHistory = append([]ReviewAttempt(nil), s.ReviewHistory[over:]...)
	}
}

// MarkReviewAddressed records that the latest review has been acted on, so
// the scheduler stops routing the story to rework for it.
func (s *Story) MarkReviewAddressed() {
	if n := len(s.ReviewHistory); n > 0 {
		s.ReviewHistory[n-1].Addressed = true
	}
}

// Block moves the story into the blocked state.
func (s *Story) Block(reason string, at time.Time) {
	s.Status = StatusBlocked
	s.BlockedReason = reason
	t := at
	s.BlockedAt = &t
}

// EffectiveMaxRetries resolves the retry limit for the story. A per-story
// override is capped at upperBound.
func (s Story) EffectiveMaxRetries(configured, upperBound int) int {
	if s.MaxRetries != nil {
		limit := NormalizeLimit(*s.MaxRetries)
		upperBound = NormalizeLimit(upperBound)
		if limit > upperBound {
			return upperBound
		}
		return limit
	}
	return NormalizeLimit(configured)
}

// EffectiveMaxRefinements resolves the refinement limit for the story.
func (s Story) EffectiveMaxRefinements(configured int) int {
	if s.MaxRefinementAttempts != nil {
		return NormalizeLimit(*s.MaxRefinementAttempts)
	}
	return NormalizeLimit(configured)
}

// Clone returns a deep copy so callers can mutate without aliasing slices
func (s Story) Clone() Story {
	c := s
	c.Dependencies = append([]string(nil), s.Dependencies...)
	c.Labels = append([]string(nil), s.Labels...)
	if s.ReviewHistory != nil {
		c.ReviewHistory = make([]ReviewAttempt, len(s.ReviewHistory))
		for i, r := range s.ReviewHistory {
			r.Blockers = append([]string(nil), r.Blockers...)
			c.ReviewHistory[i] = r
		}
	}
	if s.MaxRetries != nil {
		v := *s.MaxRetries
		c.MaxRetries = &v
	}
	if s.MaxRefinementAttempts != nil {
		v := *s.MaxRefinementAttempts
		c.MaxRefinementAttempts = &v
	}
	if s.BlockedAt != nil {
		v := *s.BlockedAt
		c.BlockedAt = &v
	}
	return c
}

// ReviewDecision is the outcome reported by a review agent
type ReviewDecision string

const (
	DecisionApproved ReviewDecision = "APPROVED"
	DecisionRejected ReviewDecision = "REJECTED"
	DecisionRecovery ReviewDecision = "RECOVERY"
	DecisionFailed   ReviewDecision = "FAILED"
)

// ParseDecision normalizes agent output to a ReviewDecision. Unknown values
// map to DecisionFailed.
func ParseDecision(s string) ReviewDecision {
	switch ReviewDecision(strings.ToUpper(strings.TrimSpace(s))) {
	case DecisionApproved:
		return DecisionApproved
	case DecisionRejected:
		return DecisionRejected
	case DecisionRecovery:
		return DecisionRecovery
	default:
		return DecisionFailed
	}
}

// ReviewAttempt is one entry of a story's review history
type ReviewAttempt struct {
	Timestamp time.Time      `yaml:"timestamp" json:"timestamp"`
	Decision  ReviewDecision `yaml:"decision" json:"decision"`
	Severity  string         `yaml:"severity,omitempty" json:"severity,omitempty"`
	Feedback  string         `yaml:"feedback,omitempty" json:"feedback,omitempty"`
	Blockers  []string       `yaml:"blockers,omitempty" json:"blockers,omitempty"`

	// Addressed is set once a reset or rework has acted on a rejection.
	Addressed bool `yaml:"addressed,omitempty" json:"addressed,omitempty"`
}

// Phase is a pipeline phase a rework can target
type Phase string

const (
	PhaseResearch  Phase = "research"
	PhasePlan      Phase = "plan"
	PhaseImplement Phase = "implement"
)
