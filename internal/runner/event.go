package runner

import (
	"time"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
)

// Event types
const (
	EventActionStarted  = "action_started"
	EventActionFinished = "action_finished"
	EventStoryBlocked   = "story_blocked"
	EventGateStopped    = "gate_stopped"
)

// Event reports runner progress to observers such as the daemon API
type Event struct {
	Type    string            `json:"type"`
	StoryID string            `json:"storyId"`
	Action  domain.ActionKind `json:"action,omitempty"`
	Success bool              `json:"success,omitempty"`
	Message string            `json:"message,omitempty"`
	Time    time.Time         `json:"time"`
}
