package domain

import (
	"time"
)

// QueueItemStatus represents the state of a queued story run
type QueueItemStatus string

const (
	QueuePending   QueueItemStatus = "pending"
	QueueRunning   QueueItemStatus = "running"
	QueueCompleted QueueItemStatus = "completed"
	QueueFailed    QueueItemStatus = "failed"
)

// QueueItem is one story waiting for or undergoing a pipeline run
type QueueItem struct {
	StoryID   string          `json:"storyId"`
	Status    QueueItemStatus `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	Error     string          `json:"error,omitempty"`
	AddedAt   time.Time       `json:"addedAt"`
	StartedAt time.Time       `json:"startedAt,omitempty"`
	EndedAt   time.Time       `json:"endedAt,omitempty"`
	Position  int             `json:"position"`
}

// Queue orders story runs FIFO and refuses duplicates of a story that is
// already pending or running. It is not safe for concurrent use.
type Queue struct {
	Items []*QueueItem

	// Moving average of completed run durations, used for ETA.
	AvgDuration time.Duration

	// Finished items retained for status reporting.
	historyLimit int
}

// NewQueue creates a new empty queue
func NewQueue() *Queue {
	return &Queue{
		Items:        make([]*QueueItem, 0),
		historyLimit: 50,
	}
}

// Add enqueues a story. It returns false if the story is already pending or running.
func (q *Queue) Add(storyID, reason string) bool {
	if q.Contains(storyID) {
		return false
	}

	q.Items = append(q.Items, &QueueItem{
		StoryID: storyID,
		Status:  QueuePending,
		Reason:  reason,
		AddedAt: time.Now(),
	})
	q.updatePositions()
	return true
}

// Contains reports whether the story is pending or running
func (q *Queue) Contains(storyID string) bool {
	for _, item := range q.Items {
		if item.StoryID == storyID && (item.Status == QueuePending || item.Status == QueueRunning) {
			return true
		}
	}
	return false
}

// NextPending marks the oldest pending item running and returns it
func (q *Queue) NextPending() *QueueItem {
	for _, item := range q.Items {
		if item.Status == QueuePending {
			item.Status = QueueRunning
			item.StartedAt = time.Now()
			return item
		}
	}
	return nil
}

// Finish settles the running item for storyID
func (q *Queue) Finish(storyID string, err error) {
	for _, item := range q.Items {
		if item.StoryID != storyID || item.Status != QueueRunning {
			continue
		}
		item.EndedAt = time.Now()
		if err != nil {
			item.Status = QueueFailed
			item.Error = err.Error()
		} else {
			item.Status = QueueCompleted
		}
		q.updateAverage(item.EndedAt.Sub(item.StartedAt))
		break
	}
	q.trimHistory()
}

// Running returns the item currently executing, if any
func (q *Queue) Running() *QueueItem {
	for _, item := range q.Items {
		if item.Status == QueueRunning {
			return item
		}
	}
	return nil
}

// PendingCount returns the number of pending items
func (q *Queue) PendingCount() int {
	return q.count(QueuePending)
}

// CompletedCount returns the number of completed items
func (q *Queue) CompletedCount() int {
	return q.count(QueueCompleted)
}

// FailedCount returns the number of failed items
func (q *Queue) FailedCount() int {
	return q.count(QueueFailed)
}

// HasPending returns true if there are pending items
func (q *Queue) HasPending() bool {
	return q.PendingCount() > 0
}

// Clear drops pending items; running and finished items are kept
func (q *Queue) Clear() {
	kept := q.Items[:0]
	for _, item := range q.Items {
		if item.Status != QueuePending {
			kept = append(kept, item)
		}
	}
	q.Items = kept
	q.updatePositions()
}

// EstimatedTimeRemaining projects the time to drain pending items
func (q *Queue) EstimatedTimeRemaining() time.Duration {
	if q.AvgDuration == 0 {
		return 0
	}
	remaining := time.Duration(q.PendingCount()) * q.AvgDuration
	if running := q.Running(); running != nil {
		if elapsed := time.Since(running.StartedAt); elapsed < q.AvgDuration {
			remaining += q.AvgDuration - elapsed
		}
	}
	return remaining
}

// Snapshot returns copies of all items for reporting
func (q *Queue) Snapshot() []QueueItem {
	out := make([]QueueItem, len(q.Items))
	for i, item := range q.Items {
		out[i] = *item
	}
	return out
}

func (q *Queue) count(status QueueItemStatus) int {
	count := 0
	for _, item := range q.Items {
		if item.Status == status {
			count++
		}
	}
	return count
}

func (q *Queue) updateAverage(d time.Duration) {
	if q.AvgDuration == 0 {
		q.AvgDuration = d
		return
	}
	q.AvgDuration = (q.AvgDuration + d) / 2
}

// trimHistory drops the oldest finished items beyond historyLimit
func (q *Queue) trimHistory() {
	finished := q.CompletedCount() + q.FailedCount()
	if finished <= q.historyLimit {
		return
	}
	drop := finished - q.historyLimit
	kept := q.Items[:0]
	for _, item := range q.Items {
		if drop > 0 && (item.Status == QueueCompleted || item.Status == QueueFailed) {
			drop--
			continue
		}
		kept = append(kept, item)
	}
	q.Items = kept
	q.updatePositions()
}

// updatePositions updates the position field for all items
func (q *Queue) updatePositions() {
	for i, item := range q.Items {
		item.Position = i + 1
	}
}
