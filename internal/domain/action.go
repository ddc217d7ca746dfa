package domain

// ActionKind identifies a pipeline step the scheduler can recommend
type ActionKind string

const (
	ActionRefine    ActionKind = "refine"
	ActionResearch  ActionKind = "research"
	ActionPlan      ActionKind = "plan"
	ActionImplement ActionKind = "implement"
	ActionReview    ActionKind = "review"
	ActionRework    ActionKind = "rework"
	ActionCreatePR  ActionKind = "create_pr"
)

// AllActionKinds returns every action kind in pipeline order
func AllActionKinds() []ActionKind {
	return []ActionKind{
		ActionRefine,
		ActionResearch,
		ActionPlan,
		ActionImplement,
		ActionReview,
		ActionRework,
		ActionCreatePR,
	}
}

// IsValid reports whether k is a known action kind
func (k ActionKind) IsValid() bool {
	for _, known := range AllActionKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// ActionContext carries kind-specific details for an action
type ActionContext struct {
	TargetPhase    Phase  `json:"targetPhase,omitempty"`
	ReviewFeedback string `json:"reviewFeedback,omitempty"`
	Iteration      int    `json:"iteration,omitempty"`

	// Set on fallback actions emitted when a circuit break could not be persisted.
	BlockedByMaxRefinements bool `json:"blockedByMaxRefinements,omitempty"`
	BlockedByMaxRetries     bool `json:"blockedByMaxRetries,omitempty"`
}

// Action is a single recommended unit of work for one story
type Action struct {
	Kind     ActionKind    `json:"kind"`
	StoryID  string        `json:"storyId"`
	StoryRef string        `json:"storyRef"`
	Priority int           `json:"priority"`
	Reason   string        `json:"reason"`
	Context  ActionContext `json:"context"`
}

// ActionKey identifies an action for resume bookkeeping
type ActionKey struct {
	Kind     ActionKind
	StoryRef string
}

// Key returns the (kind, storyRef) identity of the action
func (a Action) Key() ActionKey {
	return ActionKey{Kind: a.Kind, StoryRef: a.StoryRef}
}
