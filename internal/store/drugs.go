package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"pharmwatch/internal/errs"
	"pharmwatch/internal/models"
)

// DrugRepo persists product identities and their append-only price history.
type DrugRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// OfferBatch is one normalized identity with its classification and the
// offers observed for it in a single crawl pass.
type OfferBatch struct {
	Drug      models.Drug // identity plus classification to persist
	Offers    []models.Offer
	CrawledAt time.Time
}

// SavedBatch maps a persisted drug id back to its input batch.
type SavedBatch struct {
	DrugID int64
	Batch  int // index into the SaveOffers input
}

// SaveResult summarizes a SaveOffers call.
type SaveResult struct {
	Saved          []SavedBatch
	InsertedPrices int
}

/// SaveOffers persists each identity batch in its own transaction: upsert
// the drug row, then append the deduplicated price rows. A failed batch
// is rolled back and reported without blocking the remaining batches.
func (r *DrugRepo) SaveOffers(ctx context.Context, batches []OfferBatch) (SaveResult, error) {
	var (
		res     SaveResult
		failure error
	)
	for i, batch := range batches {
		id, inserted, err := r.saveBatch(ctx, batch)
		if err != nil {
			failure = errors.Join(failure, &errs.PersistenceError{Op: "save offers", Err: err})
			log.Warn().Err(err).Str("name", batch.Drug.Name).Msg("offer batch rolled back")
			continue
		}
		res.Saved = append(res.Saved, SavedBatch{DrugID: id, Batch: i})
		res.InsertedPrices += inserted
	}
	return res, failure
}

func (r *DrugRepo) saveBatch(ctx context.Context, batch OfferBatch) (int64, int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	drugID, err := upsertDrugTx(ctx, tx, batch.Drug)
	if err != nil {
		return 0, 0, err
	}
	inserted, err := appendPricesTx(ctx, tx, drugID, batch.Offers, batch.CrawledAt)
	if err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return drugID, inserted, nil
}

// upsertDrugTx inserts the identity if new, otherwise refreshes it:
// upstream id fills in when previously unknown, the approval number is
// written only while NULL, and classification is replaced only by an
// equal-or-higher-confidence result.
func upsertDrugTx(ctx context.Context, tx *sqlx.Tx, d models.Drug) (int64, error) {
	if d.Name == "" {
		return 0, fmt.Errorf("drug name empty")
	}
	if !d.Category.Valid() {
		d.Category = models.CategoryUnknown
	}

	var id int64
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO drugs (upstream_id, name, specification, manufacturer,
			category, category_confidence, category_source, approval_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name, specification, manufacturer) DO NOTHING
		RETURNING id`,
		d.UpstreamID, d.Name, d.Specification, d.Manufacturer,
		d.Category, d.CategoryConfidence, d.CategorySource, d.ApprovalNumber).
		Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("insert drug: %w", err)
	}

	// Identity already exists; refresh the mutable columns.
	err = tx.QueryRowxContext(ctx, `
		UPDATE drugs SET
			upstream_id     = COALESCE(upstream_id, $4),
			approval_number = COALESCE(approval_number, $5),
			category            = CASE WHEN $6 >= category_confidence THEN $7 ELSE category END,
			category_source     = CASE WHEN $6 >= category_confidence THEN $8 ELSE category_source END,
			category_confidence = GREATEST(category_confidence, $6),
			updated_at = now()
		WHERE name = $1 AND specification = $2 AND manufacturer = $3
		RETURNING id`,
		d.Name, d.Specification, d.Manufacturer,
		d.UpstreamID, d.ApprovalNumber,
		d.CategoryConfidence, d.Category, d.CategorySource).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("refresh drug: %w", err)
	}
	return id, nil
}

// appendPricesTx inserts one row per distinct (supplier, price) pair in
// the batch. History is append-only: repeats across crawls are new rows.
func appendPricesTx(ctx context.Context, tx *sqlx.Tx, drugID int64, offers []models.Offer, crawledAt time.Time) (int, error) {
	if crawledAt.IsZero() {
		crawledAt = time.Now()
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO prices (drug_id, price_cents, supplier_name, supplier_id, source_url, crawled_at)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return 0, fmt.Errorf("prepare price insert: %w", err)
	}
	defer stmt.Close()

	seen := make(map[string]bool, len(offers))
	inserted := 0
	for _, o := range offers {
		if o.Price <= 0 {
			continue
		}
		dedup := o.SupplierKey() + "@" + o.Price.String()
		if seen[dedup] {
			continue
		}
		seen[dedup] = true

		var supplierID sql.NullInt64
		if o.SupplierID != 0 {
			supplierID = sql.NullInt64{Int64: o.SupplierID, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, drugID, int64(o.Price), o.SupplierName, supplierID, o.SourceURL, crawledAt); err != nil {
			return 0, fmt.Errorf("insert price: %w", err)
		}
		inserted++
	}
	return inserted, nil
}

// AddAlias records an alternate display name for an identity, as seen in
// aggregate rows whose name differs from the offer name. Duplicates are
// ignored.
func (r *DrugRepo) AddAlias(ctx context.Context, drugID int64, alias string) error {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO drug_aliases (drug_id, alias)
		VALUES ($1, $2)
		ON CONFLICT (drug_id, alias) DO NOTHING`, drugID, alias)
	if err != nil {
		return fmt.Errorf("insert alias: %w", err)
	}
	return nil
}

// Search matches the query as a substring across name, specification and
// aliases, ordered by most recent price activity.
func (r *DrugRepo) Search(ctx context.Context, query string, category models.Category, limit int) ([]models.Drug, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", errs.ErrInvalidInput)
	}
	if category != "" && !category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", errs.ErrInvalidInput, category)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	args := []any{"%" + query + "%"}
	catCond := ""
	if category != "" {
		args = append(args, category)
		catCond = "AND d.category = $2"
	}
	args = append(args, limit)

	var drugs []models.Drug
	err := sqlx.SelectContext(ctx, r.db, &drugs, fmt.Sprintf(`
		SELECT d.id, d.upstream_id, d.name, d.specification, d.manufacturer,
			d.category, d.category_confidence, d.category_source, d.approval_number,
			d.created_at, d.updated_at
		FROM drugs d
		LEFT JOIN LATERAL (
			SELECT MAX(crawled_at) AS last_price_at FROM prices p WHERE p.drug_id = d.id
		) act ON TRUE
		WHERE (d.name ILIKE $1 OR d.specification ILIKE $1
			OR EXISTS (SELECT 1 FROM drug_aliases a WHERE a.drug_id = d.id AND a.alias ILIKE $1))
			%s
		ORDER BY act.last_price_at DESC NULLS LAST
		LIMIT $%d`, catCond, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("search drugs: %w", err)
	}
	return drugs, nil
}

// ListFilter narrows List; zero values mean no constraint.
type ListFilter struct {
	Query    string
	Category models.Category
	Limit    int
	Offset   int
}

// List returns identities newest-first with optional name match and
// category filter.
func (r *DrugRepo) List(ctx context.Context, f ListFilter) ([]models.Drug, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	var (
		conds []string
		args  []any
	)
	if f.Query != "" {
		args = append(args, "%"+strings.TrimSpace(f.Query)+"%")
		conds = append(conds, fmt.Sprintf("name ILIKE $%d", len(args)))
	}
	if f.Category != "" {
		if !f.Category.Valid() {
			return nil, fmt.Errorf("%w: unknown category %q", errs.ErrInvalidInput, f.Category)
		}
		args = append(args, f.Category)
		conds = append(conds, fmt.Sprintf("category = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`
		SELECT id, upstream_id, name, specification, manufacturer,
			category, category_confidence, category_source, approval_number,
			created_at, updated_at
		FROM drugs %s
		ORDER BY updated_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	var drugs []models.Drug
	if err := sqlx.SelectContext(ctx, r.db, &drugs, query, args...); err != nil {
		return nil, fmt.Errorf("list drugs: %w", err)
	}
	return drugs, nil
}

// Get returns one identity by id, or nil when absent.
func (r *DrugRepo) Get(ctx context.Context, id int64) (*models.Drug, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var d models.Drug
	err := sqlx.GetContext(ctx, r.db, &d, `
		SELECT id, upstream_id, name, specification, manufacturer,
			category, category_confidence, category_source, approval_number,
			created_at, updated_at
		FROM drugs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get drug: %w", err)
	}
	return &d, nil
}

// Prices returns the price history for a drug, newest first, optionally
// bounded to rows at or after since. With includeOutliers false only
// normal rows are returned.
func (r *DrugRepo) Prices(ctx context.Context, drugID int64, since time.Time, limit int, includeOutliers bool) ([]models.PriceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	outlierCond := ""
	if !includeOutliers {
		outlierCond = "AND is_outlier = 0"
	}
	var recs []models.PriceRecord
	err := sqlx.SelectContext(ctx, r.db, &recs, fmt.Sprintf(`
		SELECT id, drug_id, price_cents, supplier_name, supplier_id,
			source_url, crawled_at, is_outlier, outlier_reason
		FROM prices
		WHERE drug_id = $1 AND crawled_at >= $2 %s
		ORDER BY crawled_at DESC, id DESC
		LIMIT $3`, outlierCond), drugID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query prices: %w", err)
	}
	return recs, nil
}

// LatestPerSupplier returns the most recent non-placeholder row per
// supplier for a drug. This is the comparison view: one current price
// per supplier.
func (r *DrugRepo) LatestPerSupplier(ctx context.Context, drugID int64) ([]models.PriceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var recs []models.PriceRecord
	err := sqlx.SelectContext(ctx, r.db, &recs, `
		SELECT DISTINCT ON (COALESCE(supplier_id::text, supplier_name))
			id, drug_id, price_cents, supplier_name, supplier_id,
			source_url, crawled_at, is_outlier, outlier_reason
		FROM prices
		WHERE drug_id = $1 AND is_outlier <> 2
		ORDER BY COALESCE(supplier_id::text, supplier_name), crawled_at DESC, id DESC`,
		drugID)
	if err != nil {
		return nil, fmt.Errorf("query latest per supplier: %w", err)
	}
	return recs, nil
}

// MinPriceBefore returns the lowest current supplier price strictly
// before the cutoff, skipping placeholder and outlier rows. ok is false
// when no usable row exists.
func (r *DrugRepo) MinPriceBefore(ctx context.Context, drugID int64, before time.Time) (models.Cents, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var cents sql.NullInt64
	err := r.db.QueryRowxContext(ctx, `
		SELECT MIN(price_cents) FROM (
			SELECT DISTINCT ON (COALESCE(supplier_id::text, supplier_name)) price_cents
			FROM prices
			WHERE drug_id = $1 AND crawled_at < $2 AND is_outlier = 0
			ORDER BY COALESCE(supplier_id::text, supplier_name), crawled_at DESC, id DESC
		) latest`, drugID, before).Scan(&cents)
	if err != nil {
		return 0, false, fmt.Errorf("query min price: %w", err)
	}
	if !cents.Valid {
		return 0, false, nil
	}
	return models.Cents(cents.Int64), true, nil
}

// SupplierSeenBefore reports whether the supplier already had any row for
// the drug strictly before the cutoff.
func (r *DrugRepo) SupplierSeenBefore(ctx context.Context, drugID int64, supplierID int64, supplierName string, before time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var exists bool
	err := r.db.QueryRowxContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM prices
			WHERE drug_id = $1 AND crawled_at < $4
			  AND ((supplier_id IS NOT NULL AND supplier_id = $2)
			    OR (supplier_id IS NULL AND $2 = 0 AND supplier_name = $3))
		)`, drugID, supplierID, supplierName, before).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query supplier seen: %w", err)
	}
	return exists, nil
}

// Statistics is the corpus-level summary for the operator dashboard.
type Statistics struct {
	Drugs            int64            `json:"drugs"`
	Prices           int64            `json:"prices"`
	Suppliers        int64            `json:"suppliers"`
	ByCategory       map[string]int64 `json:"by_category"`
	OutlierPrices    int64            `json:"outlier_prices"`
	LastCrawledAt    sql.NullTime     `json:"last_crawled_at"`
	PricesLast24h    int64            `json:"prices_last_24h"`
	WatchedKeywords  int64            `json:"watched_keywords"`
	AlertsLast7Days  int64            `json:"alerts_last_7_days"`
}

// Stats aggregates corpus counts in one round-trip per table.
func (r *DrugRepo) Stats(ctx context.Context) (Statistics, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var st Statistics
	st.ByCategory = make(map[string]int64)

	err := r.db.QueryRowxContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM drugs),
			(SELECT COUNT(*) FROM prices),
			(SELECT COUNT(DISTINCT COALESCE(supplier_id::text, supplier_name)) FROM prices),
			(SELECT COUNT(*) FROM prices WHERE is_outlier <> 0),
			(SELECT MAX(crawled_at) FROM prices),
			(SELECT COUNT(*) FROM prices WHERE crawled_at > now() - interval '24 hours'),
			(SELECT COUNT(*) FROM watch_list WHERE enabled),
			(SELECT COUNT(*) FROM alerts WHERE created_at > now() - interval '7 days')`).
		Scan(&st.Drugs, &st.Prices, &st.Suppliers, &st.OutlierPrices,
			&st.LastCrawledAt, &st.PricesLast24h, &st.WatchedKeywords, &st.AlertsLast7Days)
	if err != nil {
		return st, fmt.Errorf("query stats: %w", err)
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT category, COUNT(*) FROM drugs GROUP BY category`)
	if err != nil {
		return st, fmt.Errorf("query category counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cat string
			n   int64
		)
		if err := rows.Scan(&cat, &n); err != nil {
			return st, fmt.Errorf("scan category count: %w", err)
		}
		st.ByCategory[cat] = n
	}
	return st, rows.Err()
}
