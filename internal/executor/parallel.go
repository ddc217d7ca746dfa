package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/util"
)

// Skip reasons
const (
	reasonDependencyFailed = "Dependency failed: "
	reasonAlreadyRunning   = "already running"
	reasonCancelled        = "cancelled"
)

// FailedSet holds the ids of stories that did not succeed. It is shared
// across phases and safe for concurrent use.
type FailedSet struct {
	ids *idSet
}

// NewFailedSet creates an empty set
func NewFailedSet() *FailedSet {
	return &FailedSet{ids: newIDSet()}
}

// Add records id as failed
func (f *FailedSet) Add(id string) {
	f.ids.add(id)
}

// Has reports whether id failed
func (f *FailedSet) Has(id string) bool {
	return f.ids.has(id)
}

// FirstOf returns the first of ids that failed
func (f *FailedSet) FirstOf(ids []string) (string, bool) {
	for _, id := range ids {
		if f.Has(id) {
			return id, true
		}
	}
	return "", false
}

// IDs returns the failed ids sorted
func (f *FailedSet) IDs() []string {
	return f.ids.list()
}

// idSet is a mutex-guarded string set
type idSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newIDSet() *idSet {
	return &idSet{ids: make(map[string]struct{})}
}

func (s *idSet) add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

// tryAdd adds id unless present and reports whether it did
func (s *idSet) tryAdd(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *idSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

func (s *idSet) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *idSet) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ExecutePhase runs stories with at most maxConcurrent active at once. Stories
// start in order; a freed slot is refilled as soon as any active story
// settles. Before a story starts its dependencies are checked against failed,
// which is updated as soon as a story fails or is skipped.
//
// Cancelling ctx stops new stories from starting. Active stories keep running
// for up to Options.ShutdownTimeout before they are cancelled too.
func (e *PhaseExecutor) ExecutePhase(ctx context.Context, stories []domain.Story, maxConcurrent int, failed *FailedSet) domain.PhaseResult {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if failed == nil {
		failed = NewFailedSet()
	}

	start := time.Now()
	var result domain.PhaseResult

	settle := func(o domain.StoryOutcome) {
		if o.Status != domain.OutcomeSucceeded {
			failed.Add(o.StoryID)
		}
		result.Add(o)
		if e.OnSettle != nil {
			e.OnSettle(o)
		}
	}

	runCtx, cancelRun := util.WithGrace(ctx, e.opts.ShutdownTimeout)
	defer cancelRun()
	stopNotice := context.AfterFunc(ctx, func() {
		e.log.Warn().Dur("timeout", e.opts.ShutdownTimeout).Msg("shutdown requested, waiting for active stories")
	})
	defer stopNotice()

	queue := append([]domain.Story(nil), stories...)
	done := make(chan domain.StoryOutcome)
	active := 0

	for len(queue) > 0 || active > 0 {
		for active < maxConcurrent && len(queue) > 0 {
			story := queue[0]
			queue = queue[1:]

			if ctx.Err() != nil {
				settle(skipped(story.ID, reasonCancelled))
				continue
			}
			if dep, ok := failed.FirstOf(story.Dependencies); ok {
				e.log.Info().Str("story_id", story.ID).Str("dependency", dep).Msg("skipping story")
				settle(skipped(story.ID, reasonDependencyFailed+dep))
				continue
			}
			if !e.active.tryAdd(story.ID) {
				// Not recorded as failed: the other run owns the outcome.
				o := skipped(story.ID, reasonAlreadyRunning)
				result.Add(o)
				if e.OnSettle != nil {
					e.OnSettle(o)
				}
				continue
			}

			active++
			go func(s domain.Story) {
				done <- e.executeStory(runCtx, s)
			}(story)
		}

		if active == 0 {
			break
		}

		o := <-done
		active--
		e.active.remove(o.StoryID)
		settle(o)
	}

	result.Duration = time.Since(start)
	e.log.Info().
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Int("skipped", len(result.Skipped)).
		Dur("duration", result.Duration).
		Msg("phase complete")
	return result
}

// IsRunning reports whether a story is currently executing
func (e *PhaseExecutor) IsRunning(id string) bool {
	return e.active.has(id)
}

func skipped(id, reason string) domain.StoryOutcome {
	return domain.StoryOutcome{StoryID: id, Status: domain.OutcomeSkipped, Reason: reason}
}
