package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"pharmwatch/internal/errs"
	"pharmwatch/internal/models"
)

// WatchRepo persists the keyword watch list the scheduler re-crawls.
type WatchRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

const watchColumns = `id, keyword, category_hint, priority, enabled, added_at, last_crawled_at`

// Add inserts a watched keyword. Duplicate keywords are rejected as
// operator input errors.
func (r *WatchRepo) Add(ctx context.Context, keyword, categoryHint string, priority int) (*models.WatchListItem, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, fmt.Errorf("%w: empty keyword", errs.ErrInvalidInput)
	}
	if priority < 0 || priority > 2 {
		return nil, fmt.Errorf("%w: priority must be 0..2", errs.ErrInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var item models.WatchListItem
	err := sqlx.GetContext(ctx, r.db, &item, `
		INSERT INTO watch_list (keyword, category_hint, priority)
		VALUES ($1, $2, $3)
		RETURNING `+watchColumns,
		keyword, categoryHint, priority)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%w: keyword %q already watched", errs.ErrInvalidInput, keyword)
		}
		return nil, fmt.Errorf("insert watch item: %w", err)
	}
	return &item, nil
}

// List returns watched keywords, urgent first.
func (r *WatchRepo) List(ctx context.Context, enabledOnly bool) ([]models.WatchListItem, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + watchColumns + ` FROM watch_list`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY priority DESC, added_at ASC`

	var items []models.WatchListItem
	if err := sqlx.SelectContext(ctx, r.db, &items, query); err != nil {
		return nil, fmt.Errorf("list watch items: %w", err)
	}
	return items, nil
}

// SetEnabled toggles a watched keyword without losing its crawl history.
func (r *WatchRepo) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE watch_list SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("update watch item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: watch item %d not found", errs.ErrInvalidInput, id)
	}
	return nil
}

// Remove deletes a watched keyword.
func (r *WatchRepo) Remove(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM watch_list WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete watch item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: watch item %d not found", errs.ErrInvalidInput, id)
	}
	return nil
}

// MarkCrawled stamps last_crawled_at after a scheduler pass.
func (r *WatchRepo) MarkCrawled(ctx context.Context, keyword string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE watch_list SET last_crawled_at = $2 WHERE keyword = $1`,
		keyword, sql.NullTime{Time: at, Valid: true})
	if err != nil {
		return fmt.Errorf("mark crawled: %w", err)
	}
	return nil
}

// Due returns enabled keywords not crawled within the interval, urgent
// first, oldest-crawl first within a priority band.
func (r *WatchRepo) Due(ctx context.Context, olderThan time.Duration, limit int) ([]models.WatchListItem, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	var items []models.WatchListItem
	err := sqlx.SelectContext(ctx, r.db, &items, `
		SELECT `+watchColumns+` FROM watch_list
		WHERE enabled AND (last_crawled_at IS NULL OR last_crawled_at < now() - $1::interval)
		ORDER BY priority DESC, last_crawled_at ASC NULLS FIRST
		LIMIT $2`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("query due watch items: %w", err)
	}
	return items, nil
}
