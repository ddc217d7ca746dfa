package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/storage"
)

// ErrNotBlocked is returned when unblocking a story that is not blocked.
var ErrNotBlocked = errors.New("story is not blocked")

// Block marks the story blocked with a sanitized reason and saves it. The
// story is mutated in place.
func Block(ctx context.Context, repo storage.Repository, story *domain.Story, reason string, at time.Time) error {
	story.Block(SanitizeReason(reason), at)
	if err := repo.Save(ctx, story); err != nil {
		return fmt.Errorf("failed to block story %s: %w", story.ID, err)
	}
	return nil
}

// UnblockOptions controls counter resets on unblock
type UnblockOptions struct {
	ResetRetries bool
}

// Unblock clears the blocked state and restores the status implied by the
// story's completion flags.
func Unblock(ctx context.Context, repo storage.Repository, id string, opts UnblockOptions) (domain.Story, error) {
	story, err := repo.Load(ctx, id)
	if err != nil {
		return domain.Story{}, err
	}
	if story.Status != domain.StatusBlocked {
		return domain.Story{}, fmt.Errorf("%w: %s is %s", ErrNotBlocked, id, story.Status)
	}

	story.BlockedReason = ""
	story.BlockedAt = nil
	if opts.ResetRetries {
		story.RetryCount = 0
		story.RefinementCount = 0
	}
	story.Status = UnblockedStatus(story)

	if err := repo.Save(ctx, &story); err != nil {
		return domain.Story{}, fmt.Errorf("failed to unblock story %s: %w", id, err)
	}
	return story, nil
}

// UnblockedStatus returns the status a blocked story resumes in
func UnblockedStatus(story domain.Story) domain.StoryStatus {
	switch {
	case story.ImplementationComplete:
		return domain.StatusInProgress
	case story.PlanComplete:
		return domain.StatusReady
	default:
		return domain.StatusBacklog
	}
}
