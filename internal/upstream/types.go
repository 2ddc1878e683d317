package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"pharmwatch/internal/models"
)

// Known upstream endpoints. The wholesale API versions its paths; these
// are the documented ones and no others are probed.
const (
	searchAggregatePath = "/wholesale-drug/sales/getRegularSearchPurchaseListForPc/v5430"
	facetSuppliersPath  = "/wholesale-drug/sales/facetWholesaleListByProvider/v4270"
	supplierHotPath     = "/wholesale-drug/sales/getHotWholesalesForProvider/v4230"
)

// envelope is the status/data wrapper around every upstream payload.
type envelope struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// code normalizes the status, which arrives as a string or a number.
func (e *envelope) code() string {
	return string(bytes.Trim(e.Code, `"`))
}

// ok reports a success status. "40001" is the upstream's quirky
// success-with-message code.
func (e *envelope) ok() bool {
	switch e.code() {
	case "0", "40001":
		return true
	}
	return false
}

// tokenExpired recognizes the token-expired payload shape.
func (e *envelope) tokenExpired() bool {
	return e.code() == "40020"
}

// yuan decodes a price that the upstream serializes either as a JSON
// number or as a string, with or without a currency sign.
type yuan models.Cents

func (y *yuan) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*y = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*y = 0
			return nil
		}
		c, err := models.ParseYuan(s)
		if err != nil {
			return err
		}
		*y = yuan(c)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*y = yuan(models.FromYuan(f))
	return nil
}

// aggFields are the aggregate columns of the search endpoint.
type aggFields struct {
	DrugID        int64  `json:"drugId"`
	DrugName      string `json:"drugName"`
	Specification string `json:"specification"`
	Factory       string `json:"factory"`
	MinPrice      yuan   `json:"minprice"`
	MaxPrice      yuan   `json:"maxprice"`
	WholesaleNum  int    `json:"wholesaleNum"`
}

// aggRow tolerates both row shapes the endpoint produces: the fields
// inline, or nested under a "drug" key.
type aggRow struct {
	Nested *aggFields `json:"drug"`
	aggFields
}

func (r aggRow) fields() aggFields {
	if r.Nested != nil {
		return *r.Nested
	}
	return r.aggFields
}

func (r aggRow) toAggregate() models.Aggregate {
	f := r.fields()
	return models.Aggregate{
		UpstreamID:    f.DrugID,
		Name:          f.DrugName,
		Specification: f.Specification,
		Manufacturer:  f.Factory,
		MinPrice:      models.Cents(f.MinPrice),
		MaxPrice:      models.Cents(f.MaxPrice),
		SupplierCount: f.WholesaleNum,
	}
}

// providerRow is one supplier facet entry; it carries no prices.
type providerRow struct {
	PID          int64  `json:"pid"`
	Name         string `json:"name"`
	Abbreviation string `json:"abbreviation"`
}

type facetData struct {
	Providers []providerRow `json:"providers"`
}

// hotRow is one offer from a supplier's hot list.
type hotRow struct {
	DrugName      string `json:"drugname"`
	Price         yuan   `json:"price"`
	Specification string `json:"specification"`
	Manufacturer  string `json:"manufacturer"`
	WholesaleID   int64  `json:"wholesaleid"`
	DrugID        int64  `json:"drugId"`
}

// listOrWrapped decodes data that is either a bare JSON array or an
// object holding the array under "list".
func listOrWrapped[T any](raw json.RawMessage) ([]T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var direct []T
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct, nil
	}
	var wrapped struct {
		List []T `json:"list"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode list payload: %w", err)
	}
	return wrapped.List, nil
}
