// Package testutil provides test utilities and helpers for the ai-sdlc tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/parser"
	"github.com/patrob/ai-sdlc-sub001/internal/storage"
)

// NewTestConfig creates a Config rooted in a temp directory.
// The directory is automatically cleaned up when the test completes.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.New(t.TempDir())
	cfg.NotificationsEnabled = false
	cfg.Storage.History = false

	if err := os.MkdirAll(cfg.StoryDirPath(), 0755); err != nil {
		t.Fatalf("failed to create story dir: %v", err)
	}

	return cfg
}

// NewTestStorage creates an in-memory SQLite storage for testing.
// The storage is automatically closed when the test completes.
func NewTestStorage(t *testing.T) *storage.SQLiteStorage {
	t.Helper()

	s, err := storage.NewInMemoryStorage()
	if err != nil {
		t.Fatalf("failed to create in-memory storage: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// CreateTempFileInDir creates a file with given content in the specified directory.
func CreateTempFileInDir(t *testing.T, dir, filename, content string) string {
	t.Helper()

	path := filepath.Join(dir, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}

	return path
}

// StoryOption customizes a test story.
type StoryOption func(*domain.Story)

// NewStory creates a Story for testing with the given id and status.
func NewStory(id string, status domain.StoryStatus, opts ...StoryOption) domain.Story {
	s := domain.Story{
		ID:        id,
		Title:     "Test Story: " + id,
		Status:    status,
		Ref:       "mem:" + id,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithPriority sets the story priority.
func WithPriority(p int) StoryOption {
	return func(s *domain.Story) { s.Priority = p }
}

// WithDeps sets the story dependencies.
func WithDeps(ids ...string) StoryOption {
	return func(s *domain.Story) { s.Dependencies = ids }
}

// WithLabels sets the story labels.
func WithLabels(labels ...string) StoryOption {
	return func(s *domain.Story) { s.Labels = labels }
}

// WithFlags sets the four phase completion flags.
func WithFlags(research, plan, impl, reviews bool) StoryOption {
	return func(s *domain.Story) {
		s.ResearchComplete = research
		s.PlanComplete = plan
		s.ImplementationComplete = impl
		s.ReviewsComplete = reviews
	}
}

// WithReview appends a review attempt.
func WithReview(decision domain.ReviewDecision, feedback string, blockers ...string) StoryOption {
	return func(s *domain.Story) {
		s.AppendReview(domain.ReviewAttempt{
			Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			Decision:  decision,
			Feedback:  feedback,
			Blockers:  blockers,
		})
	}
}

// WithCreatedAt sets the creation time.
func WithCreatedAt(t time.Time) StoryOption {
	return func(s *domain.Story) { s.CreatedAt = t }
}

// MemoryRepository is an in-memory storage.Repository for tests.
type MemoryRepository struct {
	mu      sync.Mutex
	stories map[string]domain.Story
	order   []string

	// SaveErr, when set, is returned by Save without persisting.
	SaveErr error
	// Saves counts Save calls, successful or not.
	Saves int
}

// NewMemoryRepository creates a repository seeded with stories.
func NewMemoryRepository(stories ...domain.Story) *MemoryRepository {
	r := &MemoryRepository{stories: make(map[string]domain.Story)}
	for _, s := range stories {
		r.put(s)
	}
	return r
}

func (r *MemoryRepository) put(s domain.Story) {
	if s.Ref == "" {
		s.Ref = "mem:" + s.ID
	}
	if _, ok := r.stories[s.ID]; !ok {
		r.order = append(r.order, s.ID)
	}
	r.stories[s.ID] = s.Clone()
}

// Load returns a copy of the stored story.
func (r *MemoryRepository) Load(_ context.Context, id string) (domain.Story, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stories[id]
	if !ok {
		return domain.Story{}, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return s.Clone(), nil
}

// Save stores a copy of the story.
func (r *MemoryRepository) Save(_ context.Context, story *domain.Story) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Saves++
	if r.SaveErr != nil {
		return r.SaveErr
	}
	if story.Ref == "" {
		story.Ref = "mem:" + story.ID
	}
	r.put(*story)
	return nil
}

// FindByStatus returns stories in the given status.
func (r *MemoryRepository) FindByStatus(ctx context.Context, status domain.StoryStatus) ([]domain.Story, error) {
	all, _ := r.All(ctx)
	return parser.FilterStoriesByStatus(all, status), nil
}

// FindByLabel returns stories with a label matching the pattern.
func (r *MemoryRepository) FindByLabel(ctx context.Context, pattern string) ([]domain.Story, error) {
	all, _ := r.All(ctx)
	var out []domain.Story
	for _, s := range all {
		if storage.MatchLabel(pattern, s.Labels) {
			out = append(out, s)
		}
	}
	return out, nil
}

// All returns every story sorted by priority.
func (r *MemoryRepository) All(_ context.Context) ([]domain.Story, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Story, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.stories[id].Clone())
	}
	parser.SortByPriority(out)
	return out, nil
}

// Close is a no-op.
func (r *MemoryRepository) Close() error {
	return nil
}

// Get returns the stored story or fails the test.
func (r *MemoryRepository) Get(t *testing.T, id string) domain.Story {
	t.Helper()
	s, err := r.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("story %s: %v", id, err)
	}
	return s
}

// ErrSaveFailed is a canned persistence error.
var ErrSaveFailed = errors.New("disk full")

var _ storage.ClosableRepository = (*MemoryRepository)(nil)
