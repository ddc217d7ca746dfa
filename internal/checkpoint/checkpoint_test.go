package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	tu "github.com/patrob/ai-sdlc-sub001/internal/testutil"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), ".ai-sdlc", "workflow-state.json"), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func action(kind domain.ActionKind, id string) domain.Action {
	return domain.Action{Kind: kind, StoryID: id, StoryRef: "mem:" + id}
}

func TestStore_SaveLoad(t *testing.T) {
	s := newTestStore(t)

	state, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, state)

	state = NewState(Options{Auto: true}, now)
	state.Complete(action(domain.ActionResearch, "S-1"), now)
	state.Context.StoryContentHash = Fingerprint(tu.NewStory("S-1", domain.StatusReady))
	require.NoError(t, s.Save(state))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, Version, loaded.Version)
	assert.Equal(t, state.WorkflowID, loaded.WorkflowID)
	assert.True(t, loaded.Context.Options.Auto)
	require.Len(t, loaded.CompletedActions, 1)
	assert.Equal(t, domain.ActionResearch, loaded.CompletedActions[0].Kind)
	assert.True(t, loaded.CompletedActions[0].CompletedAt.Equal(now))

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	require.NoError(t, s.Delete())
	require.NoError(t, s.Delete())
	state, err = s.Load()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStore_LoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "{"},
		{"wrong version", `{"version":2,"workflowId":"5f0c1c1e-8a55-4a39-9a57-0f1f6c6f4c11","timestamp":"2026-03-01T12:00:00Z","completedActions":[],"context":{"options":{}}}`},
		{"bad workflow id", `{"version":1,"workflowId":"nope","timestamp":"2026-03-01T12:00:00Z","completedActions":[],"context":{"options":{}}}`},
		{"unknown kind", `{"version":1,"workflowId":"5f0c1c1e-8a55-4a39-9a57-0f1f6c6f4c11","timestamp":"2026-03-01T12:00:00Z","completedActions":[{"kind":"deploy","storyId":"S-1","storyRef":"x","completedAt":"2026-03-01T12:00:00Z"}],"context":{"options":{}}}`},
		{"missing context", `{"version":1,"workflowId":"5f0c1c1e-8a55-4a39-9a57-0f1f6c6f4c11","timestamp":"2026-03-01T12:00:00Z","completedActions":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0755))
			require.NoError(t, os.WriteFile(s.Path(), []byte(tt.content), 0644))

			_, err := s.Load()
			assert.Error(t, err)
		})
	}
}

func TestStore_Lock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow-state.json")
	a, err := NewStore(path, zerolog.Nop())
	require.NoError(t, err)
	b, err := NewStore(path, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, a.Lock())
	assert.ErrorIs(t, b.Lock(), ErrLocked)

	require.NoError(t, a.Unlock())
	require.NoError(t, b.Lock())
	require.NoError(t, b.Unlock())
}

func TestState_CompleteAndForget(t *testing.T) {
	state := NewState(Options{}, now)
	state.Complete(action(domain.ActionPlan, "S-1"), now)
	state.Complete(action(domain.ActionPlan, "S-1"), now.Add(time.Minute))
	state.Complete(action(domain.ActionPlan, "S-2"), now)

	assert.Len(t, state.CompletedActions, 2)
	assert.True(t, state.IsCompleted(domain.ActionKey{Kind: domain.ActionPlan, StoryRef: "mem:S-1"}))
	assert.False(t, state.IsCompleted(domain.ActionKey{Kind: domain.ActionResearch, StoryRef: "mem:S-1"}))

	state.Forget("mem:S-1")
	assert.Len(t, state.CompletedActions, 1)
	assert.Equal(t, "S-2", state.CompletedActions[0].StoryID)
}

func TestFingerprint(t *testing.T) {
	story := tu.NewStory("S-1", domain.StatusReady)
	base := Fingerprint(story)
	assert.Len(t, base, 64)

	t.Run("ignores update time and ref", func(t *testing.T) {
		c := story.Clone()
		c.UpdatedAt = now
		c.Ref = "/elsewhere/S-1.md"
		assert.Equal(t, base, Fingerprint(c))
	})

	t.Run("changes with content", func(t *testing.T) {
		c := story.Clone()
		c.Body = "new acceptance criteria"
		assert.NotEqual(t, base, Fingerprint(c))
	})
}

func TestCheckResume(t *testing.T) {
	story := tu.NewStory("S-1", domain.StatusReady)
	state := NewState(Options{StoryID: "S-1"}, now)
	state.Context.StoryContentHash = Fingerprint(story)

	assert.Empty(t, CheckResume(nil, &story, now))
	assert.Empty(t, CheckResume(state, &story, now.Add(time.Hour)))

	warnings := CheckResume(state, &story, now.Add(49*time.Hour))
	require.Len(t, warnings, 1)
	assert.Equal(t, WarnStale, warnings[0].Kind)

	changed := story.Clone()
	changed.Title = "renamed"
	warnings = CheckResume(state, &changed, now)
	require.Len(t, warnings, 1)
	assert.Equal(t, WarnContentChanged, warnings[0].Kind)

	assert.Empty(t, CheckResume(state, nil, now))
}

func TestFilterPending(t *testing.T) {
	actions := []domain.Action{
		action(domain.ActionResearch, "S-1"),
		action(domain.ActionPlan, "S-2"),
		action(domain.ActionRefine, "S-3"),
	}

	assert.Equal(t, actions, FilterPending(actions, nil))

	state := NewState(Options{Auto: true}, now)
	state.Complete(action(domain.ActionResearch, "S-1"), now)
	state.Complete(action(domain.ActionPlan, "S-3"), now)

	pending := FilterPending(actions, state)
	require.Len(t, pending, 2)
	assert.Equal(t, "S-2", pending[0].StoryID)
	assert.Equal(t, "S-3", pending[1].StoryID)
}
