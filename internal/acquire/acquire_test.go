package acquire

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmwatch/internal/errs"
	"pharmwatch/internal/models"
)

type stubSearcher struct {
	aggregates []models.Aggregate
	suppliers  []models.Supplier
	hotLists   map[int64][]models.Offer
	hotErr     error
	facetErr   error
}

func (s *stubSearcher) SearchAggregate(_ context.Context, _ string, _, _ int) ([]models.Aggregate, error) {
	return s.aggregates, nil
}

func (s *stubSearcher) FacetSuppliers(_ context.Context, _ string) ([]models.Supplier, error) {
	return s.suppliers, s.facetErr
}

func (s *stubSearcher) SupplierHotList(_ context.Context, id int64, _, _ int) ([]models.Offer, error) {
	if s.hotErr != nil {
		return nil, s.hotErr
	}
	return s.hotLists[id], nil
}

type stubHarvester struct {
	offers []models.Offer
	err    error
	calls  int
}

func (h *stubHarvester) HarvestOffers(_ context.Context, _ string) ([]models.Offer, error) {
	h.calls++
	return h.offers, h.err
}

func suppliers(n int) []models.Supplier {
	out := make([]models.Supplier, n)
	for i := range out {
		out[i] = models.Supplier{ID: int64(i + 1), Name: fmt.Sprintf("药房%d", i+1)}
	}
	return out
}

func offer(supplierID int64, price models.Cents) models.Offer {
	return models.Offer{
		Name:         "片仔癀3g*1粒",
		SupplierID:   supplierID,
		SupplierName: fmt.Sprintf("药房%d", supplierID),
		Price:        price,
		Origin:       "endpoint",
	}
}

func TestAcquireSkipsBrowserWhenCoverageSufficient(t *testing.T) {
	searcher := &stubSearcher{
		suppliers: suppliers(6),
		hotLists: map[int64][]models.Offer{
			1: {offer(1, 12500)},
			2: {offer(2, 12800)},
			3: {offer(3, 12900)},
			4: {offer(4, 13000)},
			5: {offer(5, 13100)},
		},
	}
	harvester := &stubHarvester{}
	orch := NewOrchestrator(Config{MinProviders: 5}, searcher, harvester)

	res, err := orch.Acquire(context.Background(), "片仔癀", false)
	require.NoError(t, err)
	assert.Zero(t, harvester.calls, "browser must not run when endpoint coverage suffices")
	assert.False(t, res.UsedBrowser)
	assert.Len(t, res.Offers, 5)
}

func TestAcquireFallsBackWhenOffersThinDespiteBroadFacet(t *testing.T) {
	// The facet advertises plenty of suppliers, but their hot lists only
	// yield two matching offers. That is thin coverage.
	searcher := &stubSearcher{
		suppliers: suppliers(6),
		hotLists: map[int64][]models.Offer{
			1: {offer(1, 12500)},
			2: {offer(2, 12800)},
		},
	}
	harvester := &stubHarvester{offers: []models.Offer{
		{Name: "片仔癀3g*1粒", SupplierName: "浏览器药房", Price: 13000, Origin: "browser"},
	}}
	orch := NewOrchestrator(Config{MinProviders: 5}, searcher, harvester)

	res, err := orch.Acquire(context.Background(), "片仔癀", false)
	require.NoError(t, err)
	assert.Equal(t, 1, harvester.calls, "two offers from six suppliers is not sufficient")
	assert.True(t, res.UsedBrowser)
	assert.Len(t, res.Offers, 3)
}

func TestAcquireFallsBackToBrowserOnThinCoverage(t *testing.T) {
	searcher := &stubSearcher{
		suppliers: suppliers(2),
		hotLists: map[int64][]models.Offer{
			1: {offer(1, 12500)},
		},
	}
	harvester := &stubHarvester{offers: []models.Offer{
		{Name: "片仔癀3g*1粒", SupplierName: "浏览器药房", Price: 13000, Origin: "browser"},
	}}
	orch := NewOrchestrator(Config{MinProviders: 5}, searcher, harvester)

	res, err := orch.Acquire(context.Background(), "片仔癀", false)
	require.NoError(t, err)
	assert.Equal(t, 1, harvester.calls)
	assert.True(t, res.UsedBrowser)
	assert.Len(t, res.Offers, 2)
}

func TestAcquireForceBrowser(t *testing.T) {
	searcher := &stubSearcher{
		suppliers: suppliers(8),
		hotLists:  map[int64][]models.Offer{1: {offer(1, 12500)}},
	}
	harvester := &stubHarvester{}
	orch := NewOrchestrator(Config{MinProviders: 5}, searcher, harvester)

	res, err := orch.Acquire(context.Background(), "片仔癀", true)
	require.NoError(t, err)
	assert.Equal(t, 1, harvester.calls)
	assert.True(t, res.UsedBrowser)
}

func TestAcquireDedupPrefersEndpointObservation(t *testing.T) {
	endpointOffer := offer(1, 12500)
	browserDup := models.Offer{
		Name:         endpointOffer.Name,
		SupplierID:   1,
		SupplierName: endpointOffer.SupplierName,
		Price:        12500,
		Origin:       "browser",
	}
	searcher := &stubSearcher{
		suppliers: suppliers(1),
		hotLists:  map[int64][]models.Offer{1: {endpointOffer}},
	}
	harvester := &stubHarvester{offers: []models.Offer{browserDup}}
	orch := NewOrchestrator(Config{MinProviders: 5}, searcher, harvester)

	res, err := orch.Acquire(context.Background(), "片仔癀", false)
	require.NoError(t, err)
	require.Len(t, res.Offers, 1)
	assert.Equal(t, "endpoint", res.Offers[0].Origin)
}

func TestAcquireBrowserFailureDegradesGracefully(t *testing.T) {
	searcher := &stubSearcher{
		suppliers: suppliers(1),
		hotLists:  map[int64][]models.Offer{1: {offer(1, 12500)}},
	}
	harvester := &stubHarvester{err: &errs.BrowserHarvestError{Reason: "layout changed"}}
	orch := NewOrchestrator(Config{MinProviders: 5}, searcher, harvester)

	res, err := orch.Acquire(context.Background(), "片仔癀", false)
	require.NoError(t, err, "endpoint data must survive a browser failure")
	assert.Error(t, res.BrowserErr)
	assert.Len(t, res.Offers, 1)
}

func TestAcquireFailsWhenBothPassesEmpty(t *testing.T) {
	searcher := &stubSearcher{}
	harvester := &stubHarvester{err: &errs.BrowserHarvestError{Reason: "timeout"}}
	orch := NewOrchestrator(Config{MinProviders: 5}, searcher, harvester)

	_, err := orch.Acquire(context.Background(), "无此药品", false)
	require.Error(t, err)
}

func TestAcquireRejectsEmptyKeyword(t *testing.T) {
	orch := NewOrchestrator(Config{}, &stubSearcher{}, nil)
	_, err := orch.Acquire(context.Background(), "", false)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestAcquireEndpointNeverTouchesBrowser(t *testing.T) {
	searcher := &stubSearcher{
		suppliers: suppliers(1),
		hotLists:  map[int64][]models.Offer{1: {offer(1, 12500)}},
	}
	harvester := &stubHarvester{}
	orch := NewOrchestrator(Config{}, searcher, harvester)

	res, err := orch.AcquireEndpoint(context.Background(), "片仔癀")
	require.NoError(t, err)
	assert.Zero(t, harvester.calls)
	assert.False(t, res.UsedBrowser)
	assert.Len(t, res.Offers, 1)
}

func TestMergeKeepsDistinctPrices(t *testing.T) {
	a := offer(1, 12500)
	b := offer(1, 12600) // same supplier, different price: both kept
	merged := merge([]models.Offer{a}, []models.Offer{b})
	assert.Len(t, merged, 2)
}

func TestMergeFillsMissingFieldsFromDuplicate(t *testing.T) {
	endpoint := offer(1, 12500)
	browserDup := endpoint
	browserDup.Origin = "browser"
	browserDup.UpstreamID = 101
	browserDup.SourceURL = "https://example.com/#/wholesale/9"

	merged := merge([]models.Offer{endpoint}, []models.Offer{browserDup})
	require.Len(t, merged, 1)
	assert.Equal(t, "endpoint", merged[0].Origin)
	assert.Equal(t, int64(101), merged[0].UpstreamID)
	assert.Equal(t, browserDup.SourceURL, merged[0].SourceURL)
}

func TestAcquireFiltersUnrelatedAggregates(t *testing.T) {
	searcher := &stubSearcher{
		aggregates: []models.Aggregate{
			{UpstreamID: 1, Name: "片仔癀3g*1粒"},
			{UpstreamID: 2, Name: "阿莫西林胶囊"},
		},
		suppliers: suppliers(1),
		hotLists:  map[int64][]models.Offer{1: {offer(1, 12500)}},
	}
	orch := NewOrchestrator(Config{MinProviders: 1}, searcher, nil)

	res, err := orch.Acquire(context.Background(), "片仔癀", false)
	require.NoError(t, err)
	require.Len(t, res.Aggregates, 1, "aggregates not matching the keyword are dropped")
	assert.Equal(t, int64(1), res.Aggregates[0].UpstreamID)
}

func TestResultMethod(t *testing.T) {
	endpointOnly := Result{Offers: []models.Offer{offer(1, 12500)}}
	assert.Equal(t, "endpoint", endpointOnly.Method())

	hybrid := Result{UsedBrowser: true, Offers: []models.Offer{
		offer(1, 12500),
		{Name: "片仔癀3g*1粒", SupplierName: "浏览器药房", Price: 13000, Origin: "browser"},
	}}
	assert.Equal(t, "hybrid", hybrid.Method())

	browserOnly := Result{UsedBrowser: true, Offers: []models.Offer{
		{Name: "片仔癀3g*1粒", SupplierName: "浏览器药房", Price: 13000, Origin: "browser"},
	}}
	assert.Equal(t, "browser", browserOnly.Method())
}
