package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/parser"
)

// MarkdownRepository stores each story as a markdown file with YAML
// frontmatter under a single directory.
type MarkdownRepository struct {
	dir string
	log zerolog.Logger
	now func() time.Time

	mu sync.Mutex
}

// NewMarkdownRepository creates a repository over dir, creating it if needed
func NewMarkdownRepository(dir string, log zerolog.Logger) (*MarkdownRepository, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create story directory: %w", err)
	}
	return &MarkdownRepository{
		dir: dir,
		log: log,
		now: time.Now,
	}, nil
}

// Dir returns the story directory
func (r *MarkdownRepository) Dir() string {
	return r.dir
}

// Load reads a story by id
func (r *MarkdownRepository) Load(ctx context.Context, id string) (domain.Story, error) {
	if !parser.ValidID(id) {
		return domain.Story{}, fmt.Errorf("%w: %q", parser.ErrInvalidID, id)
	}

	story, err := r.readFile(r.pathFor(id))
	if err == nil && story.ID == id {
		return story, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return domain.Story{}, err
	}

	// File names are conventional, not authoritative.
	all, err := r.All(ctx)
	if err != nil {
		return domain.Story{}, err
	}
	for _, s := range all {
		if s.ID == id {
			return s, nil
		}
	}
	return domain.Story{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Save writes the story atomically, to its Ref when set
func (r *MarkdownRepository) Save(ctx context.Context, story *domain.Story) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := story.Ref
	if path == "" {
		if !parser.ValidID(story.ID) {
			return fmt.Errorf("%w: %q", parser.ErrInvalidID, story.ID)
		}
		path = r.pathFor(story.ID)
	}

	now := r.now()
	if story.CreatedAt.IsZero() {
		story.CreatedAt = now
	}
	story.UpdatedAt = now

	data, err := parser.RenderStory(*story)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to save story %s: %w", story.ID, err)
	}
	story.Ref = path
	return nil
}

// FindByStatus returns stories in the given status
func (r *MarkdownRepository) FindByStatus(ctx context.Context, status domain.StoryStatus) ([]domain.Story, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	return filterByStatus(all, status), nil
}

// FindByLabel returns stories with a label matching pattern
func (r *MarkdownRepository) FindByLabel(ctx context.Context, pattern string) ([]domain.Story, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	return filterByLabel(all, pattern), nil
}

// All returns every parseable story, sorted by priority. Unparseable files
// are logged and skipped.
func (r *MarkdownRepository) All(ctx context.Context) ([]domain.Story, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}

	stories := make([]domain.Story, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		story, err := r.readFile(path)
		if err != nil {
			r.log.Warn().Err(err).Str("path", path).Msg("skipping unreadable story")
			continue
		}
		stories = append(stories, story)
	}

	parser.SortByPriority(stories)
	return stories, nil
}

// Close is a no-op; files are not held open
func (r *MarkdownRepository) Close() error {
	return nil
}

func (r *MarkdownRepository) readFile(path string) (domain.Story, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Story{}, err
	}
	story, err := parser.ParseStory(data)
	if err != nil {
		return domain.Story{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	story.Ref = path
	return story, nil
}

func (r *MarkdownRepository) pathFor(id string) string {
	return filepath.Join(r.dir, id+".md")
}

// WriteFileAtomic writes data to a temp file in the target directory, syncs
// it, then renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

var _ ClosableRepository = (*MarkdownRepository)(nil)
