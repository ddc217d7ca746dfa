package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
)

// ErrNotFound is returned when a story id is unknown to the repository.
var ErrNotFound = errors.New("story not found")

// Repository persists stories. Implementations must be safe for concurrent use.
type Repository interface {
	Load(ctx context.Context, id string) (domain.Story, error)
	Save(ctx context.Context, story *domain.Story) error
	FindByStatus(ctx context.Context, status domain.StoryStatus) ([]domain.Story, error)
	// FindByLabel returns stories with at least one label matching the glob pattern.
	FindByLabel(ctx context.Context, pattern string) ([]domain.Story, error)
	All(ctx context.Context) ([]domain.Story, error)
}

// ClosableRepository is a Repository holding resources that must be released
type ClosableRepository interface {
	Repository
	io.Closer
}

// Opener opens a repository rooted at a project directory. The phase executor
// uses it to read stories back out of a sandbox.
type Opener func(root string) (ClosableRepository, error)

// ActionRecord is one executed pipeline action or epic story run
type ActionRecord struct {
	ID         string
	WorkflowID string
	StoryID    string
	Kind       string
	Status     string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Error      string
	Output     []string // Loaded on demand
	CreatedAt  time.Time
}

// Action record statuses
const (
	RecordSucceeded = "succeeded"
	RecordFailed    = "failed"
	RecordSkipped   = "skipped"
)

// ActionFilter provides filtering options for listing records
type ActionFilter struct {
	StoryID     string     // Filter by story id (partial match)
	Kind        string     // Filter by action kind
	Status      string     // Filter by status
	WorkflowID  string     // Filter by workflow run
	StartAfter  *time.Time // Filter by start time
	StartBefore *time.Time // Filter by start time
	Limit       int        // Max results (default 100)
	Offset      int        // Pagination offset
}

// KindStats represents statistics for one action kind
type KindStats struct {
	Kind         string
	TotalCount   int
	SuccessCount int
	FailureCount int
	SkippedCount int
	SuccessRate  float64
	AvgDuration  time.Duration
	MinDuration  time.Duration
	MaxDuration  time.Duration
}

// Stats represents aggregate statistics
type Stats struct {
	TotalActions    int
	SuccessfulCount int
	FailedCount     int
	SkippedCount    int
	SuccessRate     float64
	AvgDuration     time.Duration
	TotalDuration   time.Duration
	KindStats       map[string]*KindStats
	ActionsByDay    map[string]int
	RecentActions   []*ActionRecord
}

// History records executed actions for reporting
type History interface {
	Close() error

	RecordAction(ctx context.Context, rec *ActionRecord) error
	GetAction(ctx context.Context, id string) (*ActionRecord, error)
	ListActions(ctx context.Context, filter *ActionFilter) ([]*ActionRecord, error)
	CountActions(ctx context.Context, filter *ActionFilter) (int, error)
	GetStats(ctx context.Context) (*Stats, error)
}

// MatchLabel reports whether any label matches the doublestar pattern. An
// invalid pattern falls back to exact comparison.
func MatchLabel(pattern string, labels []string) bool {
	for _, l := range labels {
		ok, err := doublestar.Match(pattern, l)
		if err != nil {
			ok = pattern == l
		}
		if ok {
			return true
		}
	}
	return false
}

// filterByLabel keeps stories with a label matching pattern
func filterByLabel(stories []domain.Story, pattern string) []domain.Story {
	var out []domain.Story
	for _, s := range stories {
		if MatchLabel(pattern, s.Labels) {
			out = append(out, s)
		}
	}
	return out
}

// filterByStatus keeps stories in the given status
func filterByStatus(stories []domain.Story, status domain.StoryStatus) []domain.Story {
	var out []domain.Story
	for _, s := range stories {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out
}
