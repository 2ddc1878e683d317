package acquire

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"

	"pharmwatch/internal/classify"
	"pharmwatch/internal/errs"
	"pharmwatch/internal/metrics"
	"pharmwatch/internal/models"
	"pharmwatch/internal/normalize"
	"pharmwatch/internal/store"
)

// Detailer optionally enriches an identity with detail-page fields;
// satisfied by *browser.Harvester. Best-effort: failures are logged and
// the identity is saved without an approval number.
type Detailer interface {
	ExtractDetail(ctx context.Context, upstreamID int64) (approvalNumber string, err error)
}

// Annotator recomputes outlier flags after a write; satisfied by
// *store.Annotator.
type Annotator interface {
	Annotate(ctx context.Context, drugID int64) error
}

// Invalidator drops cached read views once a write has staled them;
// satisfied by *analytics.Service.
type Invalidator interface {
	InvalidateDrug(ctx context.Context, drugID int64)
}

// OfferWriter is the store surface the ingester writes through;
// satisfied by *store.DrugRepo.
type OfferWriter interface {
	SaveOffers(ctx context.Context, batches []store.OfferBatch) (store.SaveResult, error)
	AddAlias(ctx context.Context, drugID int64, alias string) error
}

// Alerter evaluates monitor rules over new offers; satisfied by
// *monitor.Evaluator.
type Alerter interface {
	Evaluate(ctx context.Context, drugID int64, offers []models.Offer, crawledAt time.Time)
}

// Ingester turns an acquisition result into classified, persisted,
// annotated rows.
type Ingester struct {
	drugs       OfferWriter
	annotator   Annotator
	alerter     Alerter
	detailer    Detailer
	invalidator Invalidator
	metrics     *metrics.Set
}

// NewIngester wires the persistence pipeline. detailer, alerter and
// invalidator may be nil.
func NewIngester(drugs OfferWriter, annotator Annotator, alerter Alerter, detailer Detailer, inv Invalidator, m *metrics.Set) *Ingester {
	return &Ingester{drugs: drugs, annotator: annotator, alerter: alerter, detailer: detailer, invalidator: inv, metrics: m}
}

// Ingest groups offers by normalized identity, classifies each identity,
// persists it, and refreshes annotations and alerts. Returns the number
// of price rows inserted.
func (in *Ingester) Ingest(ctx context.Context, res Result) (int, error) {
	crawledAt := time.Now()
	groups := groupOffers(res.Offers)
	if len(groups) == 0 {
		return 0, nil
	}

	batches := make([]store.OfferBatch, 0, len(groups))
	for _, g := range groups {
		batches = append(batches, store.OfferBatch{
			Drug:      in.identity(ctx, g),
			Offers:    g.offers,
			CrawledAt: crawledAt,
		})
	}

	saved, err := in.drugs.SaveOffers(ctx, batches)
	if in.metrics != nil {
		in.metrics.OffersPersisted.Add(float64(saved.InsertedPrices))
	}

	// Aggregate rows sometimes carry a marketing name differing from the
	// offer name; keep it as a searchable alias.
	aggNames := make(map[int64]string, len(res.Aggregates))
	for _, agg := range res.Aggregates {
		if agg.UpstreamID != 0 {
			aggNames[agg.UpstreamID] = normalize.Name(agg.Name)
		}
	}

	// Post-write passes run per drug; their failures never undo the save.
	for _, sb := range saved.Saved {
		batch := batches[sb.Batch]
		if alias := aggNames[batch.Drug.UpstreamID.Int64]; alias != "" && alias != batch.Drug.Name {
			if aerr := in.drugs.AddAlias(ctx, sb.DrugID, alias); aerr != nil {
				log.Warn().Err(aerr).Int64("drug_id", sb.DrugID).Msg("alias write failed")
			}
		}
		if in.annotator != nil {
			if aerr := in.annotator.Annotate(ctx, sb.DrugID); aerr != nil {
				log.Warn().Err(aerr).Int64("drug_id", sb.DrugID).Msg("outlier annotation failed")
			}
		}
		if in.alerter != nil {
			in.alerter.Evaluate(ctx, sb.DrugID, batch.Offers, crawledAt)
		}
		if in.invalidator != nil {
			in.invalidator.InvalidateDrug(ctx, sb.DrugID)
		}
	}
	return saved.InsertedPrices, err
}

// group is one normalized identity and its observed offers.
type group struct {
	key        normalize.Key
	upstreamID int64
	offers     []models.Offer
}

func groupOffers(offers []models.Offer) []group {
	index := make(map[normalize.Key]int)
	var groups []group
	for _, o := range offers {
		key, err := normalize.NewKey(o.Name, o.Specification, o.Manufacturer)
		if err != nil {
			log.Warn().Err(err).Msg("dropping unnormalizable offer")
			continue
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, group{key: key})
		}
		groups[i].offers = append(groups[i].offers, o)
		if groups[i].upstreamID == 0 && o.UpstreamID != 0 {
			groups[i].upstreamID = o.UpstreamID
		}
	}
	return groups
}

// identity builds the drug row for a group: classify from name and
// manufacturer, then try the detail page for an approval number when the
// keyword classification is not already certain.
func (in *Ingester) identity(ctx context.Context, g group) models.Drug {
	approval := ""
	result := classify.Classify(classify.Input{
		Name:         g.key.Name,
		Manufacturer: g.key.Manufacturer,
	})
	if result.Confidence < 1.0 && in.detailer != nil && g.upstreamID != 0 {
		got, err := in.detailer.ExtractDetail(ctx, g.upstreamID)
		switch {
		case err != nil:
			if !errs.IsCancelled(err) {
				log.Warn().Err(err).Int64("upstream_id", g.upstreamID).Msg("detail extraction failed")
			}
		case got != "":
			approval = got
			result = classify.Classify(classify.Input{
				Name:           g.key.Name,
				Manufacturer:   g.key.Manufacturer,
				ApprovalNumber: approval,
			})
		}
	}

	d := models.Drug{
		Name:               g.key.Name,
		Specification:      g.key.Specification,
		Manufacturer:       g.key.Manufacturer,
		Category:           result.Category,
		CategoryConfidence: result.Confidence,
		CategorySource:     result.Source,
	}
	if g.upstreamID != 0 {
		d.UpstreamID = sql.NullInt64{Int64: g.upstreamID, Valid: true}
	}
	if approval != "" {
		d.ApprovalNumber = sql.NullString{String: approval, Valid: true}
	}
	return d
}
