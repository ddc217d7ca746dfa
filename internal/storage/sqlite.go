package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/parser"
)

// SQLiteStorage implements Repository and History using SQLite
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// In-memory databases are per-connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStorage{db: db, now: time.Now}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// NewInMemoryStorage creates an in-memory SQLite storage (for testing)
func NewInMemoryStorage() (*SQLiteStorage, error) {
	return NewSQLiteStorage(":memory:")
}

func (s *SQLiteStorage) migrate() error {
	if _, err := s.db.Exec(initialMigration); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}
	return nil
}

const initialMigration = `
CREATE TABLE IF NOT EXISTS stories (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    data TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS story_labels (
    story_id TEXT NOT NULL,
    label TEXT NOT NULL,
    PRIMARY KEY (story_id, label),
    FOREIGN KEY (story_id) REFERENCES stories(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS actions (
    id TEXT PRIMARY KEY,
    workflow_id TEXT,
    story_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    start_time TEXT NOT NULL,
    end_time TEXT,
    duration_ms INTEGER DEFAULT 0,
    error TEXT,
    output_size INTEGER DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS action_outputs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    action_id TEXT NOT NULL,
    line_number INTEGER NOT NULL,
    content TEXT NOT NULL,
    FOREIGN KEY (action_id) REFERENCES actions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_stories_status ON stories(status);
CREATE INDEX IF NOT EXISTS idx_story_labels_label ON story_labels(label);
CREATE INDEX IF NOT EXISTS idx_actions_story_id ON actions(story_id);
CREATE INDEX IF NOT EXISTS idx_actions_kind ON actions(kind);
CREATE INDEX IF NOT EXISTS idx_actions_start_time ON actions(start_time DESC);
CREATE INDEX IF NOT EXISTS idx_action_outputs_action_id ON action_outputs(action_id);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

INSERT OR IGNORE INTO schema_version (version) VALUES (1);
`

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Load reads a story by id
func (s *SQLiteStorage) Load(ctx context.Context, id string) (domain.Story, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM stories WHERE id = ?`, id)

	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Story{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return domain.Story{}, fmt.Errorf("failed to load story: %w", err)
	}
	return decodeStory(data)
}

// Save upserts the story and its labels in one transaction
func (s *SQLiteStorage) Save(ctx context.Context, story *domain.Story) error {
	if !parser.ValidID(story.ID) {
		return fmt.Errorf("%w: %q", parser.ErrInvalidID, story.ID)
	}

	now := s.now()
	if story.CreatedAt.IsZero() {
		story.CreatedAt = now
	}
	story.UpdatedAt = now
	story.Ref = storyRef(story.ID)

	data, err := json.Marshal(story)
	if err != nil {
		return fmt.Errorf("failed to encode story: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stories (id, status, priority, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			data = excluded.data,
			updated_at = excluded.updated_at
	`,
		story.ID,
		string(story.Status),
		story.Priority,
		string(data),
		story.CreatedAt.Format(time.RFC3339Nano),
		story.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert story: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM story_labels WHERE story_id = ?`, story.ID); err != nil {
		return fmt.Errorf("failed to clear labels: %w", err)
	}
	for _, label := range story.Labels {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO story_labels (story_id, label) VALUES (?, ?)`, story.ID, label); err != nil {
			return fmt.Errorf("failed to insert label: %w", err)
		}
	}

	return tx.Commit()
}

// FindByStatus returns stories in the given status
func (s *SQLiteStorage) FindByStatus(ctx context.Context, status domain.StoryStatus) ([]domain.Story, error) {
	return s.queryStories(ctx, `SELECT data FROM stories WHERE status = ?`, string(status))
}

// FindByLabel returns stories with a label matching the glob pattern
func (s *SQLiteStorage) FindByLabel(ctx context.Context, pattern string) ([]domain.Story, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return filterByLabel(all, pattern), nil
}

// All returns every story, sorted by priority
func (s *SQLiteStorage) All(ctx context.Context) ([]domain.Story, error) {
	return s.queryStories(ctx, `SELECT data FROM stories`)
}

func (s *SQLiteStorage) queryStories(ctx context.Context, query string, args ...any) ([]domain.Story, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stories: %w", err)
	}
	defer rows.Close()

	var stories []domain.Story
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		story, err := decodeStory(data)
		if err != nil {
			return nil, err
		}
		stories = append(stories, story)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	parser.SortByPriority(stories)
	return stories, nil
}

func decodeStory(data string) (domain.Story, error) {
	var story domain.Story
	if err := json.Unmarshal([]byte(data), &story); err != nil {
		return domain.Story{}, fmt.Errorf("failed to decode story: %w", err)
	}
	story.Ref = storyRef(story.ID)
	return story, nil
}

func storyRef(id string) string {
	return "sqlite:" + id
}

// RecordAction saves an action record and the tail of its output
func (s *SQLiteStorage) RecordAction(ctx context.Context, rec *ActionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Duration == 0 && !rec.EndTime.IsZero() {
		rec.Duration = rec.EndTime.Sub(rec.StartTime)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO actions (id, workflow_id, story_id, kind, status, start_time, end_time, duration_ms, error, output_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		nullableString(rec.WorkflowID),
		rec.StoryID,
		rec.Kind,
		rec.Status,
		rec.StartTime.Format(time.RFC3339),
		nullableTime(rec.EndTime),
		rec.Duration.Milliseconds(),
		nullableString(rec.Error),
		len(rec.Output),
	)
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}

	// Keep only the tail to bound database growth.
	maxLines := 1000
	lines := rec.Output
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	if err := bulkInsertOutputs(ctx, tx, rec.ID, lines); err != nil {
		return fmt.Errorf("failed to insert output: %w", err)
	}

	return tx.Commit()
}

// GetAction returns one record with its output
func (s *SQLiteStorage) GetAction(ctx context.Context, id string) (*ActionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, story_id, kind, status, start_time, end_time, duration_ms, error, created_at
		FROM actions WHERE id = ?
	`, id)

	rec, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("action not found: %s", id)
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT content FROM action_outputs WHERE action_id = ? ORDER BY line_number`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get output: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		rec.Output = append(rec.Output, line)
	}
	return rec, rows.Err()
}

// ListActions returns records matching the filter, newest first
func (s *SQLiteStorage) ListActions(ctx context.Context, filter *ActionFilter) ([]*ActionRecord, error) {
	if filter == nil {
		filter = &ActionFilter{}
	}
	where, args := buildWhereClause(filter)

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, story_id, kind, status, start_time, end_time, duration_ms, error, created_at
		FROM actions`+where+`
		ORDER BY start_time DESC
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var records []*ActionRecord
	for rows.Next() {
		rec, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountActions returns the number of records matching the filter
func (s *SQLiteStorage) CountActions(ctx context.Context, filter *ActionFilter) (int, error) {
	if filter == nil {
		filter = &ActionFilter{}
	}
	where, args := buildWhereClause(filter)

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count actions: %w", err)
	}
	return count, nil
}

// GetStats aggregates the action history
func (s *SQLiteStorage) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		KindStats:    make(map[string]*KindStats),
		ActionsByDay: make(map[string]int),
	}

	var avgMs, totalMs float64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(SUM(duration_ms), 0)
		FROM actions
	`).Scan(&stats.TotalActions, &stats.SuccessfulCount, &stats.FailedCount, &stats.SkippedCount, &avgMs, &totalMs)
	if err != nil {
		return nil, fmt.Errorf("failed to get totals: %w", err)
	}
	stats.AvgDuration = time.Duration(avgMs) * time.Millisecond
	stats.TotalDuration = time.Duration(totalMs) * time.Millisecond
	if stats.TotalActions > 0 {
		stats.SuccessRate = float64(stats.SuccessfulCount) / float64(stats.TotalActions) * 100
	}

	kindRows, err := s.db.QueryContext(ctx, `
		SELECT
			kind,
			COUNT(*) as total,
			COALESCE(SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN status = 'succeeded' THEN duration_ms END), 0),
			COALESCE(MIN(CASE WHEN status = 'succeeded' THEN duration_ms END), 0),
			COALESCE(MAX(CASE WHEN status = 'succeeded' THEN duration_ms END), 0)
		FROM actions
		GROUP BY kind
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get kind stats: %w", err)
	}
	defer kindRows.Close()

	for kindRows.Next() {
		var ks KindStats
		var avg, minMs, maxMs float64
		if err := kindRows.Scan(&ks.Kind, &ks.TotalCount, &ks.SuccessCount, &ks.FailureCount, &ks.SkippedCount, &avg, &minMs, &maxMs); err != nil {
			return nil, err
		}
		ks.AvgDuration = time.Duration(avg) * time.Millisecond
		ks.MinDuration = time.Duration(minMs) * time.Millisecond
		ks.MaxDuration = time.Duration(maxMs) * time.Millisecond
		if ks.TotalCount > 0 {
			ks.SuccessRate = float64(ks.SuccessCount) / float64(ks.TotalCount) * 100
		}
		stats.KindStats[ks.Kind] = &ks
	}
	if err := kindRows.Err(); err != nil {
		return nil, err
	}

	dayRows, err := s.db.QueryContext(ctx, `
		SELECT date(created_at) as day, COUNT(*) as count
		FROM actions
		WHERE created_at >= datetime('now', '-30 days')
		GROUP BY day
		ORDER BY day DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get actions by day: %w", err)
	}
	defer dayRows.Close()

	for dayRows.Next() {
		var day string
		var count int
		if err := dayRows.Scan(&day, &count); err != nil {
			return nil, err
		}
		stats.ActionsByDay[day] = count
	}

	stats.RecentActions, err = s.ListActions(ctx, &ActionFilter{Limit: 10})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*ActionRecord, error) {
	var (
		rec                          ActionRecord
		workflowID, endTime, errText sql.NullString
		startTime, createdAt         string
		durationMs                   int64
	)
	if err := row.Scan(&rec.ID, &workflowID, &rec.StoryID, &rec.Kind, &rec.Status,
		&startTime, &endTime, &durationMs, &errText, &createdAt); err != nil {
		return nil, err
	}

	rec.WorkflowID = workflowID.String
	rec.Error = errText.String
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	rec.StartTime, _ = time.Parse(time.RFC3339, startTime)
	if endTime.Valid {
		rec.EndTime, _ = time.Parse(time.RFC3339, endTime.String)
	}
	rec.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
	return &rec, nil
}

// escapeLikeWildcards escapes SQL LIKE wildcards so user input matches literally
func escapeLikeWildcards(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func buildWhereClause(filter *ActionFilter) (string, []any) {
	var conditions []string
	var args []any

	if filter.StoryID != "" {
		conditions = append(conditions, `story_id LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLikeWildcards(filter.StoryID)+"%")
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.WorkflowID != "" {
		conditions = append(conditions, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.StartAfter != nil {
		conditions = append(conditions, "start_time >= ?")
		args = append(args, filter.StartAfter.Format(time.RFC3339))
	}
	if filter.StartBefore != nil {
		conditions = append(conditions, "start_time <= ?")
		args = append(args, filter.StartBefore.Format(time.RFC3339))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// bulkInsertOutputs inserts output lines in batches below SQLite's variable limit
func bulkInsertOutputs(ctx context.Context, tx *sql.Tx, actionID string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	const maxRowsPerBatch = 300

	for batchStart := 0; batchStart < len(lines); batchStart += maxRowsPerBatch {
		batchEnd := batchStart + maxRowsPerBatch
		if batchEnd > len(lines) {
			batchEnd = len(lines)
		}
		batch := lines[batchStart:batchEnd]

		var queryBuilder strings.Builder
		queryBuilder.WriteString("INSERT INTO action_outputs (action_id, line_number, content) VALUES ")

		args := make([]any, 0, len(batch)*3)
		for i, line := range batch {
			if i > 0 {
				queryBuilder.WriteString(",")
			}
			queryBuilder.WriteString("(?,?,?)")
			args = append(args, actionID, batchStart+i, line)
		}

		if _, err := tx.ExecContext(ctx, queryBuilder.String(), args...); err != nil {
			return err
		}
	}

	return nil
}

var (
	_ Repository = (*SQLiteStorage)(nil)
	_ History    = (*SQLiteStorage)(nil)
)
