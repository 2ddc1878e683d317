// Package acquire runs the hybrid acquisition flow for one keyword: the
// fast endpoint pass first, the browser pass when endpoint coverage is
// insufficient, then merge and deduplication.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"pharmwatch/internal/errs"
	"pharmwatch/internal/models"
	"pharmwatch/internal/normalize"
)

// Searcher is the endpoint surface the orchestrator needs; satisfied by
// *upstream.Client.
type Searcher interface {
	SearchAggregate(ctx context.Context, keyword string, page, pageSize int) ([]models.Aggregate, error)
	FacetSuppliers(ctx context.Context, keyword string) ([]models.Supplier, error)
	SupplierHotList(ctx context.Context, supplierID int64, page, pageSize int) ([]models.Offer, error)
}

// Harvester is the browser surface; satisfied by *browser.Harvester.
type Harvester interface {
	HarvestOffers(ctx context.Context, keyword string) ([]models.Offer, error)
}

// Config tunes the orchestrator.
type Config struct {
	MinProviders        int // fewer endpoint offers than this triggers the browser pass
	HotListPageSize     int
	MaxSuppliers        int // cap on per-keyword supplier fan-out
	SupplierConcurrency int // concurrent hot-list fetches
}

// Result is everything one keyword pass produced.
type Result struct {
	Keyword     string
	Aggregates  []models.Aggregate
	Suppliers   []models.Supplier
	Offers      []models.Offer
	UsedBrowser bool
	BrowserErr  error // set when the browser pass failed but endpoint data sufficed
}

// Method names the strategy that produced the offers: "endpoint" when
// the browser never ran, "browser" when it ran and the endpoint pass
// contributed nothing, "hybrid" otherwise.
func (r Result) Method() string {
	if !r.UsedBrowser {
		return "endpoint"
	}
	for _, o := range r.Offers {
		if o.Origin == "endpoint" {
			return "hybrid"
		}
	}
	return "browser"
}

// Orchestrator coordinates the two acquisition passes.
type Orchestrator struct {
	cfg      Config
	searcher Searcher
	browser  Harvester
}

// NewOrchestrator applies defaults and wires the two sources. A nil
// harvester disables the browser pass entirely.
func NewOrchestrator(cfg Config, searcher Searcher, browser Harvester) *Orchestrator {
	if cfg.MinProviders <= 0 {
		cfg.MinProviders = 5
	}
	if cfg.HotListPageSize <= 0 {
		cfg.HotListPageSize = 100
	}
	if cfg.MaxSuppliers <= 0 {
		cfg.MaxSuppliers = 100
	}
	if cfg.SupplierConcurrency <= 0 {
		cfg.SupplierConcurrency = 8
	}
	return &Orchestrator{cfg: cfg, searcher: searcher, browser: browser}
}

// Acquire runs the endpoint pass, decides whether the browser pass is
// needed, and merges the two offer sets. The keyword fails only when
// neither pass produced data.
func (o *Orchestrator) Acquire(ctx context.Context, keyword string, forceBrowser bool) (Result, error) {
	if keyword == "" {
		return Result{}, fmt.Errorf("%w: empty keyword", errs.ErrInvalidInput)
	}
	res := Result{Keyword: keyword}

	endpointOffers, err := o.endpointPass(ctx, keyword, &res)
	if err != nil {
		if errs.IsCancelled(err) || !errs.Recoverable(err) && !isProtocol(err) {
			return res, err
		}
		// Degraded endpoint pass; the browser pass may still save the keyword.
		log.Warn().Err(err).Str("keyword", keyword).Msg("endpoint pass degraded")
	}

	// Sufficiency is judged on offers actually produced, not on how many
	// suppliers the facet advertised: a broad facet can still yield a thin
	// hot-list harvest.
	needBrowser := forceBrowser || len(endpointOffers) < o.cfg.MinProviders
	var browserOffers []models.Offer
	if needBrowser && o.browser != nil {
		res.UsedBrowser = true
		browserOffers, err = o.browser.HarvestOffers(ctx, keyword)
		if err != nil {
			if errs.IsCancelled(err) {
				return res, err
			}
			res.BrowserErr = err
			log.Warn().Err(err).Str("keyword", keyword).Msg("browser pass failed, continuing with endpoint data")
		}
	}

	res.Offers = merge(endpointOffers, browserOffers)
	if len(res.Offers) == 0 && len(res.Aggregates) == 0 {
		if res.BrowserErr != nil {
			return res, res.BrowserErr
		}
		return res, fmt.Errorf("keyword %q: no offers from either pass", keyword)
	}
	return res, nil
}

// AcquireEndpoint runs the endpoint pass alone, never touching the
// browser. Used by the quick crawl mode.
func (o *Orchestrator) AcquireEndpoint(ctx context.Context, keyword string) (Result, error) {
	if keyword == "" {
		return Result{}, fmt.Errorf("%w: empty keyword", errs.ErrInvalidInput)
	}
	res := Result{Keyword: keyword}
	offers, err := o.endpointPass(ctx, keyword, &res)
	if err != nil {
		return res, err
	}
	res.Offers = merge(offers, nil)
	return res, nil
}

// endpointPass collects aggregates, the supplier facet, and per-supplier
// hot-list offers matching the keyword. Hot lists are fetched with a
// bounded worker pool since suppliers are independent.
func (o *Orchestrator) endpointPass(ctx context.Context, keyword string, res *Result) ([]models.Offer, error) {
	aggs, err := o.searcher.SearchAggregate(ctx, keyword, 1, 100)
	if err != nil {
		return nil, err
	}
	for _, agg := range aggs {
		if normalize.Matches(agg.Name, keyword) {
			res.Aggregates = append(res.Aggregates, agg)
		}
	}

	suppliers, err := o.searcher.FacetSuppliers(ctx, keyword)
	if err != nil {
		return nil, err
	}
	res.Suppliers = suppliers

	fanout := suppliers
	if len(fanout) > o.cfg.MaxSuppliers {
		fanout = fanout[:o.cfg.MaxSuppliers]
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		offers    []models.Offer
		cancelled error
	)
	sem := make(chan struct{}, o.cfg.SupplierConcurrency)
	for _, sup := range fanout {
		wg.Add(1)
		go func(sup models.Supplier) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			hot, err := o.searcher.SupplierHotList(ctx, sup.ID, 1, o.cfg.HotListPageSize)
			if err != nil {
				if errs.IsCancelled(err) {
					mu.Lock()
					if cancelled == nil {
						cancelled = err
					}
					mu.Unlock()
					return
				}
				log.Warn().Err(err).Int64("supplier_id", sup.ID).Msg("hot list fetch failed, skipping supplier")
				return
			}
			var matched []models.Offer
			for _, offer := range hot {
				if !normalize.Matches(offer.Name, keyword) {
					continue
				}
				offer.SupplierName = normalize.Supplier(sup.DisplayName())
				matched = append(matched, offer)
			}
			mu.Lock()
			offers = append(offers, matched...)
			mu.Unlock()
		}(sup)
	}
	wg.Wait()
	return offers, cancelled
}

// merge deduplicates across the two passes on the full observation key.
// The endpoint offer wins a tie because it carries structured ids, but a
// duplicate still contributes any field the kept offer is missing.
func merge(endpoint, browser []models.Offer) []models.Offer {
	index := make(map[string]int, len(endpoint)+len(browser))
	out := make([]models.Offer, 0, len(endpoint)+len(browser))
	for _, set := range [][]models.Offer{endpoint, browser} {
		for _, o := range set {
			key := dedupKey(o)
			if i, ok := index[key]; ok {
				out[i] = fillMissing(out[i], o)
				continue
			}
			index[key] = len(out)
			out = append(out, o)
		}
	}
	return out
}

// fillMissing copies fields the kept offer lacks from its duplicate.
func fillMissing(kept, dup models.Offer) models.Offer {
	if kept.UpstreamID == 0 {
		kept.UpstreamID = dup.UpstreamID
	}
	if kept.SourceURL == "" {
		kept.SourceURL = dup.SourceURL
	}
	return kept
}

func dedupKey(o models.Offer) string {
	return normalize.Name(o.Name) + "|" + normalize.Specification(o.Specification) + "|" +
		o.Manufacturer + "|" + o.SupplierKey() + "|" + o.Price.String()
}

func isProtocol(err error) bool {
	var pe *errs.UpstreamProtocolError
	return errors.As(err, &pe)
}
