package parser

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("story: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be split from the body.
	ErrMalformedFrontMatter = errors.New("story: malformed frontmatter")
	// ErrInvalidID indicates a story id unsafe for use as a file name.
	ErrInvalidID = errors.New("story: invalid id")
)

// storyIDPattern matches ids like "S-12" or "auth-login"; no path separators.
var storyIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidID reports whether id can be used as a story file name
func ValidID(id string) bool {
	return storyIDPattern.MatchString(id) && id != "." && id != ".."
}

// ParseStory extracts the story metadata and body from a markdown document
// that starts with `---` YAML fences.
func ParseStory(content []byte) (domain.Story, error) {
	if len(content) == 0 {
		return domain.Story{}, ErrMissingFrontMatter
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return domain.Story{}, ErrMissingFrontMatter
	}

	rest := normalized[4:]
	var meta, body []byte
	if bytes.HasPrefix(rest, []byte("---\n")) {
		body = rest[4:]
	} else {
		parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
		if len(parts) < 2 {
			if !bytes.HasSuffix(rest, []byte("\n---")) {
				return domain.Story{}, ErrMalformedFrontMatter
			}
			parts = [][]byte{bytes.TrimSuffix(rest, []byte("\n---")), nil}
		}
		meta, body = parts[0], parts[1]
	}

	var story domain.Story
	if err := yaml.Unmarshal(meta, &story); err != nil {
		return domain.Story{}, fmt.Errorf("story: parse frontmatter: %w", err)
	}
	if story.ID == "" {
		return domain.Story{}, fmt.Errorf("%w: id is required", ErrMalformedFrontMatter)
	}
	if story.Status == "" {
		story.Status = domain.StatusBacklog
	}
	if !story.Status.IsValid() {
		return domain.Story{}, fmt.Errorf("%w: unknown status %q", ErrMalformedFrontMatter, story.Status)
	}

	story.Body = string(bytes.TrimLeft(body, "\n"))
	return story, nil
}

// RenderStory renders story metadata and body with YAML fences.
func RenderStory(story domain.Story) ([]byte, error) {
	if story.ID == "" {
		return nil, fmt.Errorf("story: metadata missing id")
	}

	data, err := yaml.Marshal(story)
	if err != nil {
		return nil, fmt.Errorf("story: encode frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.WriteString(story.Body)
	return buf.Bytes(), nil
}

// SortByPriority orders stories by priority, then creation time, then id
func SortByPriority(stories []domain.Story) {
	sort.SliceStable(stories, func(i, j int) bool {
		return Less(stories[i], stories[j])
	})
}

// Less is the canonical story ordering used for tie-breaks
func Less(a, b domain.Story) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// FilterStoriesByStatus returns stories with the given status
func FilterStoriesByStatus(stories []domain.Story, status domain.StoryStatus) []domain.Story {
	var filtered []domain.Story
	for _, s := range stories {
		if s.Status == status {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// CountByStatus returns counts of stories by status
func CountByStatus(stories []domain.Story) map[domain.StoryStatus]int {
	counts := make(map[domain.StoryStatus]int)
	for _, s := range stories {
		counts[s.Status]++
	}
	return counts
}
