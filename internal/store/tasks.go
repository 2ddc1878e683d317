package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"pharmwatch/internal/errs"
	"pharmwatch/internal/models"
)

// TaskRepo persists crawl task state and progress counters.
type TaskRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

const taskColumns = `id, name, keywords, status, total_keywords, completed_keywords,
	failed_keywords, total_items, last_error, started_at, completed_at, created_at`

// Create stores a new pending task for a keyword set.
func (r *TaskRepo) Create(ctx context.Context, name string, keywords []string) (*models.CrawlTask, error) {
	if len(keywords) == 0 {
		return nil, fmt.Errorf("%w: task needs at least one keyword", errs.ErrInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	kwJSON, err := json.Marshal(keywords)
	if err != nil {
		return nil, fmt.Errorf("encode keywords: %w", err)
	}

	var t models.CrawlTask
	err = sqlx.GetContext(ctx, r.db, &t, `
		INSERT INTO crawl_tasks (name, keywords, status, total_keywords)
		VALUES ($1, $2, 'pending', $3)
		RETURNING `+taskColumns,
		name, string(kwJSON), len(keywords))
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	t.Keywords = keywords
	return &t, nil
}

// Get returns one task, or nil when absent.
func (r *TaskRepo) Get(ctx context.Context, id int64) (*models.CrawlTask, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var t models.CrawlTask
	err := sqlx.GetContext(ctx, r.db, &t,
		`SELECT `+taskColumns+` FROM crawl_tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if err := json.Unmarshal([]byte(t.KeywordsJSON), &t.Keywords); err != nil {
		return nil, fmt.Errorf("decode task keywords: %w", err)
	}
	return &t, nil
}

// List returns tasks newest-first.
func (r *TaskRepo) List(ctx context.Context, limit int) ([]models.CrawlTask, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var tasks []models.CrawlTask
	err := sqlx.SelectContext(ctx, r.db, &tasks,
		`SELECT `+taskColumns+` FROM crawl_tasks ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	for i := range tasks {
		if err := json.Unmarshal([]byte(tasks[i].KeywordsJSON), &tasks[i].Keywords); err != nil {
			return nil, fmt.Errorf("decode task keywords: %w", err)
		}
	}
	return tasks, nil
}

// SetStatus transitions a task, stamping started_at / completed_at as
// appropriate. Transitions out of a terminal status are rejected.
func (r *TaskRepo) SetStatus(ctx context.Context, id int64, status models.TaskStatus, lastError string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var errCol sql.NullString
	if lastError != "" {
		errCol = sql.NullString{String: lastError, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE crawl_tasks SET
			status = $2,
			last_error = COALESCE($3, last_error),
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('succeeded','failed','cancelled') THEN now() ELSE completed_at END
		WHERE id = $1 AND status NOT IN ('succeeded','failed','cancelled')`,
		id, status, errCol)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: task %d is terminal or missing", errs.ErrInvalidInput, id)
	}
	return nil
}

// RecordKeyword bumps the progress counters after one keyword finishes.
func (r *TaskRepo) RecordKeyword(ctx context.Context, id int64, ok bool, items int, lastError string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var errCol sql.NullString
	if lastError != "" {
		errCol = sql.NullString{String: lastError, Valid: true}
	}
	okDelta, failDelta := 0, 1
	if ok {
		okDelta, failDelta = 1, 0
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE crawl_tasks SET
			completed_keywords = completed_keywords + $2,
			failed_keywords    = failed_keywords + $3,
			total_items        = total_items + $4,
			last_error         = COALESCE($5, last_error)
		WHERE id = $1`,
		id, okDelta, failDelta, items, errCol)
	if err != nil {
		return fmt.Errorf("record keyword result: %w", err)
	}
	return nil
}
