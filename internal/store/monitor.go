package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"pharmwatch/internal/errs"
	"pharmwatch/internal/models"
)

// MonitorRepo persists monitor rules and the alerts they emit.
type MonitorRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// AddRule stores a rule for a drug. Threshold is a percentage and only
// meaningful for the price movement kinds.
func (r *MonitorRepo) AddRule(ctx context.Context, rule models.MonitorRule) (*models.MonitorRule, error) {
	switch rule.Kind {
	case models.RulePriceDrop, models.RulePriceRise:
		if rule.ThresholdPct <= 0 {
			return nil, fmt.Errorf("%w: %s rule needs a positive threshold", errs.ErrInvalidInput, rule.Kind)
		}
	case models.RuleNewSupplier:
		// threshold unused
	default:
		return nil, fmt.Errorf("%w: unknown rule kind %q", errs.ErrInvalidInput, rule.Kind)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO monitor_rules (drug_id, kind, threshold_pct, enabled)
		VALUES ($1, $2, $3, TRUE)
		RETURNING id`,
		rule.DrugID, rule.Kind, rule.ThresholdPct).Scan(&rule.ID)
	if err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}
	rule.Enabled = true
	return &rule, nil
}

// RulesForDrug returns the enabled rules watching a drug.
func (r *MonitorRepo) RulesForDrug(ctx context.Context, drugID int64) ([]models.MonitorRule, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rules []models.MonitorRule
	err := sqlx.SelectContext(ctx, r.db, &rules, `
		SELECT id, drug_id, kind, threshold_pct, enabled
		FROM monitor_rules WHERE drug_id = $1 AND enabled`, drugID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	return rules, nil
}

// DeleteRule removes a rule; its past alerts remain.
func (r *MonitorRepo) DeleteRule(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM monitor_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: rule %d not found", errs.ErrInvalidInput, id)
	}
	return nil
}

// InsertAlert records a fired rule.
func (r *MonitorRepo) InsertAlert(ctx context.Context, a models.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alerts (drug_id, rule_id, kind, message, price_cents)
		VALUES ($1, $2, $3, $4, $5)`,
		a.DrugID, a.RuleID, a.Kind, a.Message, int64(a.Price))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// Alerts returns recent alerts newest-first, optionally for one drug.
func (r *MonitorRepo) Alerts(ctx context.Context, drugID int64, limit int) ([]models.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var (
		alerts []models.Alert
		err    error
	)
	if drugID > 0 {
		err = sqlx.SelectContext(ctx, r.db, &alerts, `
			SELECT id, drug_id, rule_id, kind, message, price_cents, created_at
			FROM alerts WHERE drug_id = $1
			ORDER BY created_at DESC LIMIT $2`, drugID, limit)
	} else {
		err = sqlx.SelectContext(ctx, r.db, &alerts, `
			SELECT id, drug_id, rule_id, kind, message, price_cents, created_at
			FROM alerts ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	return alerts, nil
}
