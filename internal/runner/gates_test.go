package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	tu "github.com/patrob/ai-sdlc-sub001/internal/testutil"
)

func TestCompileGates(t *testing.T) {
	gates, err := CompileGates(config.StageGatesConfig{
		RequireApprovalBeforeImplementation: true,
		RequireApprovalBeforePR:             true,
		Rules: []config.GateRule{
			{Name: "retries", When: "Retries > 1"},
		},
	})
	require.NoError(t, err)
	require.Len(t, gates, 3)
	assert.Equal(t, GateBeforeImplementation, gates[0].Name)
	assert.Equal(t, GateBeforePR, gates[1].Name)
	assert.Equal(t, "retries", gates[2].Name)
}

func TestCompileGates_InvalidRule(t *testing.T) {
	_, err := CompileGates(config.StageGatesConfig{
		Rules: []config.GateRule{{Name: "broken", When: "Priority +"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestGate_Blocks(t *testing.T) {
	story := tu.NewStory("S-1", domain.StatusReady, tu.WithPriority(5), tu.WithLabels("security"))

	tests := []struct {
		name   string
		rule   config.GateRule
		action domain.ActionKind
		want   bool
	}{
		{
			name:   "matching expression",
			rule:   config.GateRule{Name: "sec", When: `"security" in Labels`},
			action: domain.ActionPlan,
			want:   true,
		},
		{
			name:   "false expression",
			rule:   config.GateRule{Name: "prio", When: "Priority > 10"},
			action: domain.ActionPlan,
			want:   false,
		},
		{
			name:   "kind filter excludes action",
			rule:   config.GateRule{Name: "sec", Kinds: []domain.ActionKind{domain.ActionCreatePR}, When: "true"},
			action: domain.ActionPlan,
			want:   false,
		},
		{
			name:   "kind filter includes action",
			rule:   config.GateRule{Name: "sec", Kinds: []domain.ActionKind{domain.ActionCreatePR}, When: `Kind == "create_pr"`},
			action: domain.ActionCreatePR,
			want:   true,
		},
		{
			name:   "story id",
			rule:   config.GateRule{Name: "id", When: `StoryID startsWith "S-"`},
			action: domain.ActionResearch,
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gates, err := CompileGates(config.StageGatesConfig{Rules: []config.GateRule{tt.rule}})
			require.NoError(t, err)
			require.Len(t, gates, 1)

			blocked, err := gates[0].Blocks(domain.Action{Kind: tt.action, StoryID: story.ID}, story)
			require.NoError(t, err)
			assert.Equal(t, tt.want, blocked)
		})
	}
}

func TestGate_BuiltInBlocksOnlyItsKind(t *testing.T) {
	gates, err := CompileGates(config.StageGatesConfig{RequireApprovalBeforeImplementation: true})
	require.NoError(t, err)
	require.Len(t, gates, 1)

	story := tu.NewStory("S-1", domain.StatusReady)

	blocked, err := gates[0].Blocks(domain.Action{Kind: domain.ActionImplement}, story)
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = gates[0].Blocks(domain.Action{Kind: domain.ActionPlan}, story)
	require.NoError(t, err)
	assert.False(t, blocked)
}
