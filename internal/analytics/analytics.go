// Package analytics provides the read-side views over persisted price
// data: search, supplier comparison, history, purchase recommendation,
// and corpus statistics.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"pharmwatch/internal/cache"
	"pharmwatch/internal/errs"
	"pharmwatch/internal/models"
	"pharmwatch/internal/store"
)

const compareCacheTTL = 5 * time.Minute

// PriceReader is the store surface the read side consumes; satisfied by
// *store.DrugRepo.
type PriceReader interface {
	Get(ctx context.Context, id int64) (*models.Drug, error)
	Search(ctx context.Context, query string, category models.Category, limit int) ([]models.Drug, error)
	Prices(ctx context.Context, drugID int64, since time.Time, limit int, includeOutliers bool) ([]models.PriceRecord, error)
	LatestPerSupplier(ctx context.Context, drugID int64) ([]models.PriceRecord, error)
	Stats(ctx context.Context) (store.Statistics, error)
}

// Service computes analytics over the store, with a Redis cache in front
// of the comparison view.
type Service struct {
	drugs PriceReader
	cache *cache.Cache
}

// NewService wires the read side. cache may be disabled.
func NewService(drugs PriceReader, c *cache.Cache) *Service {
	if c == nil {
		c = cache.New("")
	}
	return &Service{drugs: drugs, cache: c}
}

// Search finds identities by substring across name, specification and
// aliases, most recent price activity first.
func (s *Service) Search(ctx context.Context, query string, category models.Category, limit int) ([]models.Drug, error) {
	return s.drugs.Search(ctx, query, category, limit)
}

// SupplierPrice is one supplier's current price within a comparison.
type SupplierPrice struct {
	SupplierName string       `json:"supplier_name"`
	SupplierID   int64        `json:"supplier_id,omitempty"`
	Price        models.Cents `json:"price"`
	CrawledAt    time.Time    `json:"crawled_at"`
	IsOutlier    int          `json:"is_outlier"`
	SourceURL    string       `json:"source_url,omitempty"`
}

// Comparison is the cross-supplier price view for one drug.
type Comparison struct {
	Drug      models.Drug     `json:"drug"`
	Suppliers []SupplierPrice `json:"suppliers"`
	Lowest    models.Cents    `json:"lowest"`
	Highest   models.Cents    `json:"highest"`
	DiffPct   float64         `json:"diff_pct"`
	Generated time.Time       `json:"generated_at"`
}

// Compare returns each supplier's latest price ascending, ties broken by
// most recent observation. Outlier rows appear only when includeOutliers
// is set; the lowest/highest summary spans exactly the rows returned.
func (s *Service) Compare(ctx context.Context, drugID int64, includeOutliers bool) (*Comparison, error) {
	cacheKey := fmt.Sprintf("compare:%d:%t", drugID, includeOutliers)
	if data, ok := s.cache.Get(ctx, cacheKey); ok {
		var cmp Comparison
		if err := json.Unmarshal(data, &cmp); err == nil {
			return &cmp, nil
		}
		log.Debug().Int64("drug_id", drugID).Msg("discarding malformed comparison cache entry")
	}

	drug, err := s.drugs.Get(ctx, drugID)
	if err != nil {
		return nil, err
	}
	if drug == nil {
		return nil, fmt.Errorf("%w: drug %d not found", errs.ErrInvalidInput, drugID)
	}

	latest, err := s.drugs.LatestPerSupplier(ctx, drugID)
	if err != nil {
		return nil, err
	}

	cmp := &Comparison{Drug: *drug, Generated: time.Now()}
	for _, rec := range latest {
		if rec.IsOutlier != models.OutlierNormal && !includeOutliers {
			continue
		}
		sp := SupplierPrice{
			SupplierName: rec.SupplierName,
			Price:        rec.Price,
			CrawledAt:    rec.CrawledAt,
			IsOutlier:    rec.IsOutlier,
			SourceURL:    rec.SourceURL,
		}
		if rec.SupplierID.Valid {
			sp.SupplierID = rec.SupplierID.Int64
		}
		cmp.Suppliers = append(cmp.Suppliers, sp)
		if cmp.Lowest == 0 || rec.Price < cmp.Lowest {
			cmp.Lowest = rec.Price
		}
		if rec.Price > cmp.Highest {
			cmp.Highest = rec.Price
		}
	}
	sort.Slice(cmp.Suppliers, func(i, j int) bool {
		if cmp.Suppliers[i].Price != cmp.Suppliers[j].Price {
			return cmp.Suppliers[i].Price < cmp.Suppliers[j].Price
		}
		return cmp.Suppliers[i].CrawledAt.After(cmp.Suppliers[j].CrawledAt)
	})
	if cmp.Lowest > 0 {
		cmp.DiffPct = (cmp.Highest.Yuan() - cmp.Lowest.Yuan()) / cmp.Lowest.Yuan() * 100
	}

	if data, err := json.Marshal(cmp); err == nil {
		s.cache.Set(ctx, cacheKey, data, compareCacheTTL)
	}
	return cmp, nil
}

// History returns the chronological price history for the last N days.
func (s *Service) History(ctx context.Context, drugID int64, days int, includeOutliers bool) ([]models.PriceRecord, error) {
	if days <= 0 || days > 3650 {
		days = 30
	}
	since := time.Now().AddDate(0, 0, -days)
	recs, err := s.drugs.Prices(ctx, drugID, since, 0, includeOutliers)
	if err != nil {
		return nil, err
	}
	// Store order is newest-first; history reads oldest-first.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// Allocation is one supplier line in a recommendation.
type Allocation struct {
	SupplierName string       `json:"supplier_name"`
	UnitPrice    models.Cents `json:"unit_price"`
	Quantity     int          `json:"quantity"`
	Subtotal     models.Cents `json:"subtotal"`
}

// Recommendation allocates a desired quantity across the cheapest
// suppliers within a budget.
type Recommendation struct {
	Drug        models.Drug  `json:"drug"`
	Allocations []Allocation `json:"allocations"`
	Quantity    int          `json:"quantity"`
	Allocated   int          `json:"allocated"`
	TotalCost   models.Cents `json:"total_cost"`
	MedianPrice models.Cents `json:"median_price"`
	Savings     models.Cents `json:"savings"` // versus buying everything at the median
}

// Recommend fills the quantity greedily from the cheapest supplier up,
// stopping when the quantity is met or the budget is exhausted. A zero
// budget means unconstrained.
func (s *Service) Recommend(ctx context.Context, drugID int64, quantity int, budget models.Cents) (*Recommendation, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", errs.ErrInvalidInput)
	}
	cmp, err := s.Compare(ctx, drugID, false)
	if err != nil {
		return nil, err
	}
	if len(cmp.Suppliers) == 0 {
		return nil, fmt.Errorf("%w: drug %d has no usable supplier prices", errs.ErrInvalidInput, drugID)
	}

	rec := &Recommendation{
		Drug:        cmp.Drug,
		Quantity:    quantity,
		MedianPrice: medianPrice(cmp.Suppliers),
	}
	remaining := quantity
	for _, sp := range cmp.Suppliers {
		if remaining == 0 {
			break
		}
		take := remaining
		if budget > 0 {
			affordable := int((budget - rec.TotalCost) / sp.Price)
			if affordable <= 0 {
				break
			}
			if affordable < take {
				take = affordable
			}
		}
		sub := sp.Price * models.Cents(take)
		rec.Allocations = append(rec.Allocations, Allocation{
			SupplierName: sp.SupplierName,
			UnitPrice:    sp.Price,
			Quantity:     take,
			Subtotal:     sub,
		})
		rec.TotalCost += sub
		rec.Allocated += take
		remaining -= take
	}
	rec.Savings = rec.MedianPrice*models.Cents(rec.Allocated) - rec.TotalCost
	if rec.Savings < 0 {
		rec.Savings = 0
	}
	return rec, nil
}

// Stats returns the corpus summary for the dashboard.
func (s *Service) Stats(ctx context.Context) (store.Statistics, error) {
	return s.drugs.Stats(ctx)
}

// InvalidateDrug clears cached views after a write touches the drug.
func (s *Service) InvalidateDrug(ctx context.Context, drugID int64) {
	s.cache.InvalidatePrefix(ctx, fmt.Sprintf("compare:%d:", drugID))
}

func medianPrice(sps []SupplierPrice) models.Cents {
	var usable []models.Cents
	for _, sp := range sps {
		if sp.IsOutlier == models.OutlierNormal {
			usable = append(usable, sp.Price)
		}
	}
	if len(usable) == 0 {
		return 0
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i] < usable[j] })
	mid := len(usable) / 2
	if len(usable)%2 == 1 {
		return usable[mid]
	}
	return (usable[mid-1] + usable[mid]) / 2
}
