package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"pharmwatch/internal/metrics"
	"pharmwatch/internal/models"
)

// Placeholder yuan amounts suppliers enter for out-of-stock items. They
// never participate in fence computation or comparisons.
var placeholderCents = map[models.Cents]bool{
	9999 * 100:   true,
	99999 * 100:  true,
	999999 * 100: true,
}

// IsPlaceholder reports whether a price is a known placeholder amount.
func IsPlaceholder(c models.Cents) bool { return placeholderCents[c] }

// Annotator recomputes outlier annotations for a drug's price history.
// Runs for the same drug are serialized with a keyed mutex so concurrent
// keyword crawls touching one identity cannot interleave their updates.
type Annotator struct {
	db      *sqlx.DB
	timeout time.Duration
	metrics *metrics.Set

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewAnnotator builds an annotator over the store's pool. m may be nil.
func NewAnnotator(s *Store, m *metrics.Set) *Annotator {
	return &Annotator{db: s.db, timeout: s.timeout, metrics: m, locks: make(map[int64]*sync.Mutex)}
}

func (a *Annotator) lockFor(drugID int64) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[drugID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[drugID] = l
	}
	return l
}

// Annotate reloads every price row for the drug and rewrites the
// annotations: placeholders first, then Tukey fences over the rest when
// at least five usable prices exist. Rows inside the fences are reset to
// normal so a drug can stop being an outlier as new data arrives.
func (a *Annotator) Annotate(ctx context.Context, drugID int64) error {
	l := a.lockFor(drugID)
	l.Lock()
	defer l.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type row struct {
		ID        int64        `db:"id"`
		Price     models.Cents `db:"price_cents"`
		IsOutlier int          `db:"is_outlier"`
	}
	var rows []row
	if err := sqlx.SelectContext(ctx, a.db, &rows,
		`SELECT id, price_cents, is_outlier FROM prices WHERE drug_id = $1`, drugID); err != nil {
		return fmt.Errorf("load prices: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	var usable []float64
	for _, r := range rows {
		if !IsPlaceholder(r.Price) {
			usable = append(usable, r.Price.Yuan())
		}
	}

	low, high, fenced := tukeyFences(usable)

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE prices SET is_outlier = $2, outlier_reason = $3 WHERE id = $1`)
	if err != nil {
		return fmt.Errorf("prepare annotation update: %w", err)
	}
	defer stmt.Close()

	annotated, previously := 0, 0
	for _, r := range rows {
		if r.IsOutlier != models.OutlierNormal {
			previously++
		}
		flag, reason := 0, any(nil)
		switch {
		case IsPlaceholder(r.Price):
			flag, reason = models.OutlierPlaceholder, "placeholder"
		case fenced && r.Price.Yuan() < low:
			flag, reason = models.OutlierLow, fmt.Sprintf("low (<%.2f)", low)
		case fenced && r.Price.Yuan() > high:
			flag, reason = models.OutlierHigh, fmt.Sprintf("high (>%.2f)", high)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, flag, reason); err != nil {
			return fmt.Errorf("update annotation: %w", err)
		}
		if flag != 0 {
			annotated++
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if a.metrics != nil {
		a.metrics.OutlierRows.Add(float64(annotated - previously))
	}
	log.Debug().Int64("drug_id", drugID).Int("rows", len(rows)).Int("flagged", annotated).Msg("outlier annotation refreshed")
	return nil
}

// tukeyFences returns the 1.5-IQR fences of the sample, with quartiles
// taken at the sorted indexes n/4 and 3n/4. Fences apply only when the
// sample has at least five values and the IQR is positive; small or flat
// samples cannot support an outlier judgement.
func tukeyFences(sample []float64) (low, high float64, ok bool) {
	if len(sample) < 5 {
		return 0, 0, false
	}
	sorted := append([]float64(nil), sample...)
	sort.Float64s(sorted)
	q1 := sorted[len(sorted)/4]
	q3 := sorted[3*len(sorted)/4]
	iqr := q3 - q1
	if iqr <= 0 {
		return 0, 0, false
	}
	return q1 - 1.5*iqr, q3 + 1.5*iqr, true
}
