// Package monitor evaluates price-movement and supplier-churn rules
// against freshly persisted offers and records alerts.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"pharmwatch/internal/models"
	"pharmwatch/internal/store"
)

// Evaluator runs the enabled rules for a drug after each crawl pass.
type Evaluator struct {
	drugs *store.DrugRepo
	rules *store.MonitorRepo
}

// NewEvaluator wires the evaluator over the store repositories.
func NewEvaluator(s *store.Store) *Evaluator {
	return &Evaluator{drugs: s.Drugs, rules: s.Monitor}
}

// Evaluate compares the new offers against the drug's state before the
// crawl cutoff and fires any matching rules. Evaluation failures are
// logged, never propagated: alerting must not fail a crawl.
func (e *Evaluator) Evaluate(ctx context.Context, drugID int64, offers []models.Offer, crawledAt time.Time) {
	rules, err := e.rules.RulesForDrug(ctx, drugID)
	if err != nil {
		log.Warn().Err(err).Int64("drug_id", drugID).Msg("rule lookup failed")
		return
	}
	if len(rules) == 0 {
		return
	}

	newMin, haveNew := minUsable(offers)
	prevMin, havePrev, err := e.drugs.MinPriceBefore(ctx, drugID, crawledAt)
	if err != nil {
		log.Warn().Err(err).Int64("drug_id", drugID).Msg("previous price lookup failed")
		return
	}

	for _, rule := range rules {
		switch rule.Kind {
		case models.RulePriceDrop, models.RulePriceRise:
			if !haveNew || !havePrev || prevMin == 0 {
				continue
			}
			change := (newMin.Yuan() - prevMin.Yuan()) / prevMin.Yuan() * 100
			fired := (rule.Kind == models.RulePriceDrop && change <= -rule.ThresholdPct) ||
				(rule.Kind == models.RulePriceRise && change >= rule.ThresholdPct)
			if !fired {
				continue
			}
			e.record(ctx, models.Alert{
				DrugID: drugID,
				RuleID: rule.ID,
				Kind:   rule.Kind,
				Price:  newMin,
				Message: fmt.Sprintf("lowest price moved %.1f%% (%s -> %s)",
					change, prevMin, newMin),
			})
		case models.RuleNewSupplier:
			// A supplier can appear twice in one batch (two pack sizes,
			// two prices); alert on it once.
			evaluated := make(map[string]bool, len(offers))
			for _, o := range offers {
				if evaluated[o.SupplierKey()] {
					continue
				}
				evaluated[o.SupplierKey()] = true
				seen, err := e.drugs.SupplierSeenBefore(ctx, drugID, o.SupplierID, o.SupplierName, crawledAt)
				if err != nil {
					log.Warn().Err(err).Int64("drug_id", drugID).Msg("supplier history lookup failed")
					continue
				}
				if seen {
					continue
				}
				e.record(ctx, models.Alert{
					DrugID:  drugID,
					RuleID:  rule.ID,
					Kind:    rule.Kind,
					Price:   o.Price,
					Message: fmt.Sprintf("new supplier %q at %s", o.SupplierName, o.Price),
				})
			}
		}
	}
}

func (e *Evaluator) record(ctx context.Context, a models.Alert) {
	if err := e.rules.InsertAlert(ctx, a); err != nil {
		log.Warn().Err(err).Int64("drug_id", a.DrugID).Msg("alert write failed")
		return
	}
	log.Info().Int64("drug_id", a.DrugID).Str("kind", string(a.Kind)).Str("message", a.Message).Msg("alert fired")
}

// minUsable returns the lowest non-placeholder offer price.
func minUsable(offers []models.Offer) (models.Cents, bool) {
	var (
		min   models.Cents
		found bool
	)
	for _, o := range offers {
		if o.Price <= 0 || store.IsPlaceholder(o.Price) {
			continue
		}
		if !found || o.Price < min {
			min, found = o.Price, true
		}
	}
	return min, found
}
