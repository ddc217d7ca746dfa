package domain

import (
	"time"
)

// OutcomeStatus is the terminal state of one story within an epic run
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// FailureKind classifies why a story failed inside the phase executor
type FailureKind string

const (
	FailureSandbox          FailureKind = "sandbox"
	FailureSubprocess       FailureKind = "subprocess"
	FailurePostVerification FailureKind = "post-verification"
	FailureCheckTimeout     FailureKind = "check-timeout"
	FailureCheckFailure     FailureKind = "check-failure"
	FailureMerge            FailureKind = "merge"
)

// StoryOutcome records how a single story settled
type StoryOutcome struct {
	StoryID  string        `json:"storyId"`
	Status   OutcomeStatus `json:"status"`
	Kind     FailureKind   `json:"kind,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
	Merged   bool          `json:"merged,omitempty"`
}

// PhaseResult collects the outcomes of one execution phase
type PhaseResult struct {
	Index     int
	Succeeded []StoryOutcome
	Failed    []StoryOutcome
	Skipped   []StoryOutcome
	Duration  time.Duration
}

// Add files an outcome under its status
func (r *PhaseResult) Add(o StoryOutcome) {
	switch o.Status {
	case OutcomeSucceeded:
		r.Succeeded = append(r.Succeeded, o)
	case OutcomeFailed:
		r.Failed = append(r.Failed, o)
	default:
		r.Skipped = append(r.Skipped, o)
	}
}

// Total returns the number of stories that settled in the phase
func (r PhaseResult) Total() int {
	return len(r.Succeeded) + len(r.Failed) + len(r.Skipped)
}

// EpicSummary aggregates an epic run
type EpicSummary struct {
	Label            string         `json:"label"`
	TotalStories     int            `json:"totalStories"`
	Completed        int            `json:"completed"`
	Failed           int            `json:"failed"`
	Skipped          int            `json:"skipped"`
	Phases           int            `json:"phases"`
	Duration         time.Duration  `json:"duration"`
	CompletedStories []StoryOutcome `json:"completedStories,omitempty"`
	FailedStories    []StoryOutcome `json:"failedStories,omitempty"`
	SkippedStories   []StoryOutcome `json:"skippedStories,omitempty"`
}

// Merge folds a phase result into the summary
func (s *EpicSummary) Merge(r PhaseResult) {
	s.Completed += len(r.Succeeded)
	s.Failed += len(r.Failed)
	s.Skipped += len(r.Skipped)
	s.CompletedStories = append(s.CompletedStories, r.Succeeded...)
	s.FailedStories = append(s.FailedStories, r.Failed...)
	s.SkippedStories = append(s.SkippedStories, r.Skipped...)
}

// AddSkipped records a story skipped outside of phase execution
func (s *EpicSummary) AddSkipped(o StoryOutcome) {
	o.Status = OutcomeSkipped
	s.Skipped++
	s.SkippedStories = append(s.SkippedStories, o)
}

// Success returns true if no story failed
func (s EpicSummary) Success() bool {
	return s.Failed == 0
}

// SuccessRate returns the completed share of all stories (0-100)
func (s EpicSummary) SuccessRate() float64 {
	if s.TotalStories == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.TotalStories) * 100
}
