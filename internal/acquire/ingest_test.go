package acquire

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmwatch/internal/models"
	"pharmwatch/internal/store"
)

type fakeWriter struct {
	batches []store.OfferBatch
	result  store.SaveResult
	aliases map[int64][]string
}

func (f *fakeWriter) SaveOffers(_ context.Context, batches []store.OfferBatch) (store.SaveResult, error) {
	f.batches = batches
	return f.result, nil
}

func (f *fakeWriter) AddAlias(_ context.Context, drugID int64, alias string) error {
	if f.aliases == nil {
		f.aliases = make(map[int64][]string)
	}
	f.aliases[drugID] = append(f.aliases[drugID], alias)
	return nil
}

type postWriteRecorder struct {
	annotated   []int64
	invalidated []int64
}

func (r *postWriteRecorder) Annotate(_ context.Context, drugID int64) error {
	r.annotated = append(r.annotated, drugID)
	return nil
}

func (r *postWriteRecorder) InvalidateDrug(_ context.Context, drugID int64) {
	r.invalidated = append(r.invalidated, drugID)
}

func TestIngestGroupsAndRunsPostWritePasses(t *testing.T) {
	writer := &fakeWriter{result: store.SaveResult{
		Saved:          []store.SavedBatch{{DrugID: 11, Batch: 0}, {DrugID: 12, Batch: 1}},
		InsertedPrices: 3,
	}}
	rec := &postWriteRecorder{}
	ing := NewIngester(writer, rec, nil, nil, rec, nil)

	res := Result{
		Keyword: "片仔癀",
		Offers: []models.Offer{
			{Name: "片仔癀", Specification: "3g*1粒", Manufacturer: "漳州片仔癀药业", Price: 12500, SupplierID: 1, SupplierName: "药房甲"},
			{Name: "片仔癀", Specification: "3g*1粒", Manufacturer: "漳州片仔癀药业", Price: 12800, SupplierID: 2, SupplierName: "药房乙"},
			{Name: "阿莫西林胶囊", Specification: "0.25g*24粒", Manufacturer: "华北制药", Price: 890, SupplierID: 1, SupplierName: "药房甲"},
		},
	}

	inserted, err := ing.Ingest(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)

	require.Len(t, writer.batches, 2, "offers group by normalized identity")
	assert.Len(t, writer.batches[0].Offers, 2)
	assert.Len(t, writer.batches[1].Offers, 1)

	assert.Equal(t, []int64{11, 12}, rec.annotated)
	assert.Equal(t, []int64{11, 12}, rec.invalidated, "stale comparison views are dropped per saved drug")
}

func TestIngestRecordsAggregateAliases(t *testing.T) {
	writer := &fakeWriter{result: store.SaveResult{
		Saved: []store.SavedBatch{{DrugID: 11, Batch: 0}},
	}}
	ing := NewIngester(writer, nil, nil, nil, nil, nil)

	res := Result{
		Keyword: "片仔癀",
		Aggregates: []models.Aggregate{
			{UpstreamID: 101, Name: "特价 片仔癀锭剂"},
		},
		Offers: []models.Offer{
			{Name: "片仔癀", Specification: "3g*1粒", Manufacturer: "漳州片仔癀药业", Price: 12500, SupplierID: 1, SupplierName: "药房甲", UpstreamID: 101},
		},
	}

	_, err := ing.Ingest(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, []string{"片仔癀锭剂"}, writer.aliases[11], "marketing name kept as alias")
}

func TestIngestSkipsUnnormalizableOffers(t *testing.T) {
	writer := &fakeWriter{}
	ing := NewIngester(writer, nil, nil, nil, nil, nil)

	inserted, err := ing.Ingest(context.Background(), Result{Offers: []models.Offer{
		{Name: "特价", Price: 100, SupplierName: "药房甲"}, // empty after cleaning
	}})
	require.NoError(t, err)
	assert.Zero(t, inserted)
	assert.Nil(t, writer.batches, "nothing persisted when no offer normalizes")
}
