// Package checkpoint persists which actions of a workflow run have completed
// so an interrupted run can resume without repeating them.
package checkpoint

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/storage"
)

// Version is the checkpoint format version
const Version = 1

// MaxAge is how old a checkpoint can be before resuming warns
const MaxAge = 48 * time.Hour

// ErrLocked is returned by Lock when another run holds the checkpoint
var ErrLocked = errors.New("checkpoint is locked by another run")

const schemaURL = "https://ai-sdlc.dev/schemas/workflow-state.json"

//go:embed schema.json
var schemaJSON string

// CompletedAction identifies an action that finished successfully
type CompletedAction struct {
	Kind        domain.ActionKind `json:"kind"`
	StoryID     string            `json:"storyId"`
	StoryRef    string            `json:"storyRef"`
	CompletedAt time.Time         `json:"completedAt"`
}

// Options are the run options a checkpoint was written under
type Options struct {
	Auto    bool   `json:"auto"`
	StoryID string `json:"storyId,omitempty"`
}

// Context carries run details needed to judge a resume
type Context struct {
	Options          Options `json:"options"`
	StoryContentHash string  `json:"storyContentHash,omitempty"`
}

// State is the persisted checkpoint
type State struct {
	Version          int               `json:"version"`
	WorkflowID       string            `json:"workflowId"`
	Timestamp        time.Time         `json:"timestamp"`
	CompletedActions []CompletedAction `json:"completedActions"`
	Context          Context           `json:"context"`
}

// NewState starts a checkpoint for a new workflow run
func NewState(opts Options, now time.Time) *State {
	return &State{
		Version:          Version,
		WorkflowID:       uuid.New().String(),
		Timestamp:        now,
		CompletedActions: []CompletedAction{},
		Context:          Context{Options: opts},
	}
}

// Complete records a finished action
func (s *State) Complete(a domain.Action, at time.Time) {
	if s.IsCompleted(a.Key()) {
		return
	}
	s.CompletedActions = append(s.CompletedActions, CompletedAction{
		Kind:        a.Kind,
		StoryID:     a.StoryID,
		StoryRef:    a.StoryRef,
		CompletedAt: at,
	})
	s.Timestamp = at
}

// Forget drops the completed actions of one story, used when a review resets
// its phases and the same actions must run again.
func (s *State) Forget(storyRef string) {
	kept := s.CompletedActions[:0]
	for _, c := range s.CompletedActions {
		if c.StoryRef != storyRef {
			kept = append(kept, c)
		}
	}
	s.CompletedActions = kept
}

// Clone returns a copy that does not share the completed list
func (s *State) Clone() *State {
	c := *s
	c.CompletedActions = append([]CompletedAction(nil), s.CompletedActions...)
	return &c
}

// IsCompleted reports whether an action with the key already finished
func (s *State) IsCompleted(key domain.ActionKey) bool {
	for _, c := range s.CompletedActions {
		if c.Kind == key.Kind && c.StoryRef == key.StoryRef {
			return true
		}
	}
	return false
}

// Store reads and writes the checkpoint file
type Store struct {
	path   string
	lock   *flock.Flock
	schema *jsonschema.Schema
	log    zerolog.Logger
}

// NewStore creates a store for the checkpoint at path
func NewStore(path string, log zerolog.Logger) (*Store, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint schema: %w", err)
	}
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add checkpoint schema resource: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile checkpoint schema: %w", err)
	}

	return &Store{
		path:   path,
		lock:   flock.New(path + ".lock"),
		schema: schema,
		log:    log.With().Str("component", "checkpoint").Logger(),
	}, nil
}

// Path returns the checkpoint file location
func (s *Store) Path() string {
	return s.path
}

// Lock takes the single-writer lock without blocking
func (s *Store) Lock() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock checkpoint: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Unlock releases the lock
func (s *Store) Unlock() error {
	return s.lock.Unlock()
}

// Save overwrites the checkpoint atomically
func (s *Store) Save(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := storage.WriteFileAtomic(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	s.log.Debug().
		Str("workflow_id", state.WorkflowID).
		Int("completed", len(state.CompletedActions)).
		Msg("checkpoint saved")
	return nil
}

// Load reads the checkpoint. It returns nil, nil when none exists.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint %s: %w", s.path, err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid checkpoint %s: %w", s.path, err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("invalid checkpoint %s: %w", s.path, err)
	}
	return &state, nil
}

// Delete removes the checkpoint. A missing file is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Fingerprint hashes the persisted content of a story. UpdatedAt and the
// repository location are excluded so a save without changes keeps the hash.
func Fingerprint(story domain.Story) string {
	c := story.Clone()
	c.UpdatedAt = time.Time{}
	c.Ref = ""
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Warning describes why resuming may be unsafe. Warnings never block a resume.
type Warning struct {
	Kind    string
	Message string
}

// Warning kinds
const (
	WarnStale          = "stale"
	WarnContentChanged = "content-changed"
)

// CheckResume compares a checkpoint against the current story. story may be
// nil when the run was not bound to one story.
func CheckResume(state *State, story *domain.Story, now time.Time) []Warning {
	if state == nil {
		return nil
	}

	var warnings []Warning
	if age := now.Sub(state.Timestamp); age > MaxAge {
		warnings = append(warnings, Warning{
			Kind:    WarnStale,
			Message: fmt.Sprintf("checkpoint is %s old", age.Round(time.Minute)),
		})
	}
	if story != nil && state.Context.StoryContentHash != "" && Fingerprint(*story) != state.Context.StoryContentHash {
		warnings = append(warnings, Warning{
			Kind:    WarnContentChanged,
			Message: fmt.Sprintf("story %s changed since the checkpoint was written", story.ID),
		})
	}
	return warnings
}

// FilterPending drops actions the checkpoint already completed
func FilterPending(actions []domain.Action, state *State) []domain.Action {
	if state == nil || len(state.CompletedActions) == 0 {
		return actions
	}
	out := make([]domain.Action, 0, len(actions))
	for _, a := range actions {
		if !state.IsCompleted(a.Key()) {
			out = append(out, a)
		}
	}
	return out
}
