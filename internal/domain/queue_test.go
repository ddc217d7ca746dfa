package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueue(t *testing.T) {
	q := NewQueue()

	assert.NotNil(t, q.Items)
	assert.Len(t, q.Items, 0)
	assert.False(t, q.HasPending())
	assert.Nil(t, q.Running())
}

func TestQueue_Add(t *testing.T) {
	tests := []struct {
		name          string
		existing      []string
		add           string
		expectedAdded bool
		expectedCount int
	}{
		{
			name:          "add to empty queue",
			add:           "S-1",
			expectedAdded: true,
			expectedCount: 1,
		},
		{
			name:          "add to non-empty queue",
			existing:      []string{"S-1"},
			add:           "S-2",
			expectedAdded: true,
			expectedCount: 2,
		},
		{
			name:          "duplicate is rejected",
			existing:      []string{"S-1", "S-2"},
			add:           "S-1",
			expectedAdded: false,
			expectedCount: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue()
			for _, id := range tt.existing {
				q.Add(id, "test")
			}

			assert.Equal(t, tt.expectedAdded, q.Add(tt.add, "test"))
			assert.Len(t, q.Items, tt.expectedCount)
		})
	}
}

func TestQueue_NextPendingAndFinish(t *testing.T) {
	q := NewQueue()
	q.Add("S-1", "changed")
	q.Add("S-2", "changed")

	item := q.NextPending()
	require.NotNil(t, item)
	assert.Equal(t, "S-1", item.StoryID)
	assert.Equal(t, QueueRunning, item.Status)

	t.Run("running story cannot be re-queued", func(t *testing.T) {
		assert.False(t, q.Add("S-1", "again"))
	})

	q.Finish("S-1", nil)
	assert.Equal(t, 1, q.CompletedCount())
	assert.True(t, q.Add("S-1", "again"), "finished story can be queued again")

	item = q.NextPending()
	require.NotNil(t, item)
	assert.Equal(t, "S-2", item.StoryID)
	q.Finish("S-2", errors.New("boom"))
	assert.Equal(t, 1, q.FailedCount())
	assert.Equal(t, "boom", q.Items[1].Error)
}

func TestQueue_Clear(t *testing.T) {
	q := NewQueue()
	q.Add("S-1", "")
	q.Add("S-2", "")
	q.NextPending()

	q.Clear()

	require.Len(t, q.Items, 1)
	assert.Equal(t, "S-1", q.Items[0].StoryID)
	assert.Equal(t, 1, q.Items[0].Position)
}

func TestQueue_TrimHistory(t *testing.T) {
	q := NewQueue()
	q.historyLimit = 3

	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("S-%d", i)
		q.Add(id, "")
		q.NextPending()
		q.Finish(id, nil)
	}

	assert.Equal(t, 3, q.CompletedCount())
	assert.Equal(t, "S-3", q.Items[0].StoryID)
}

func TestQueue_EstimatedTimeRemaining(t *testing.T) {
	q := NewQueue()
	assert.Equal(t, time.Duration(0), q.EstimatedTimeRemaining())

	q.AvgDuration = time.Minute
	q.Add("S-1", "")
	q.Add("S-2", "")

	assert.Equal(t, 2*time.Minute, q.EstimatedTimeRemaining())
}
