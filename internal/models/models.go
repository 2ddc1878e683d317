package models

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cents is a fixed-point price in hundredths of a yuan. Prices are stored
// and compared as integers to avoid binary-float drift; the two-decimal
// string form only appears at API boundaries.
type Cents int64

// ParseYuan parses a price string as reported by the upstream ("12.5",
// "¥12.50", "￥9999") into Cents.
func ParseYuan(s string) (Cents, error) {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "¥￥ ")
	if s == "" {
		return 0, fmt.Errorf("empty price")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	if f < 0 {
		return 0, fmt.Errorf("negative price %q", s)
	}
	return FromYuan(f), nil
}

// FromYuan converts a float yuan amount to Cents, rounding half away from zero.
func FromYuan(f float64) Cents {
	return Cents(f*100 + 0.5)
}

// Yuan returns the price as a float for statistics; persistence never uses it.
func (c Cents) Yuan() float64 { return float64(c) / 100 }

// String renders with exactly two fractional digits, e.g. "12.50".
func (c Cents) String() string {
	return fmt.Sprintf("%d.%02d", c/100, c%100)
}

// Category is the product classification assigned by the classifier.
type Category string

const (
	CategoryDrug          Category = "drug"
	CategoryCosmetic      Category = "cosmetic"
	CategoryMedicalDevice Category = "medical_device"
	CategoryHealthProduct Category = "health_product"
	CategoryUnknown       Category = "unknown"
)

// Valid reports whether c is a member of the closed category set.
func (c Category) Valid() bool {
	switch c {
	case CategoryDrug, CategoryCosmetic, CategoryMedicalDevice, CategoryHealthProduct, CategoryUnknown:
		return true
	}
	return false
}

// Outlier annotation values carried by PriceRecord.IsOutlier.
const (
	OutlierNormal      = 0
	OutlierHigh        = 1
	OutlierLow         = -1
	OutlierPlaceholder = 2
)

// Drug is one sellable product identity. The tuple
// (name, specification, manufacturer) is unique after normalization.
type Drug struct {
	ID                 int64          `db:"id" json:"id"`
	UpstreamID         sql.NullInt64  `db:"upstream_id" json:"upstream_id,omitempty"`
	Name               string         `db:"name" json:"name"`
	Specification      string         `db:"specification" json:"specification"`
	Manufacturer       string         `db:"manufacturer" json:"manufacturer"`
	Category           Category       `db:"category" json:"category"`
	CategoryConfidence float64        `db:"category_confidence" json:"category_confidence"`
	CategorySource     string         `db:"category_source" json:"category_source"`
	ApprovalNumber     sql.NullString `db:"approval_number" json:"approval_number,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
}

// PriceRecord is one observed supplier offer at one instant. Rows are
// append-only; the annotator only ever touches IsOutlier and OutlierReason.
type PriceRecord struct {
	ID            int64          `db:"id" json:"id"`
	DrugID        int64          `db:"drug_id" json:"drug_id"`
	Price         Cents          `db:"price_cents" json:"price"`
	SupplierName  string         `db:"supplier_name" json:"supplier_name"`
	SupplierID    sql.NullInt64  `db:"supplier_id" json:"supplier_id,omitempty"`
	SourceURL     string         `db:"source_url" json:"source_url"`
	CrawledAt     time.Time      `db:"crawled_at" json:"crawled_at"`
	IsOutlier     int            `db:"is_outlier" json:"is_outlier"`
	OutlierReason sql.NullString `db:"outlier_reason" json:"outlier_reason,omitempty"`
}

// Offer is an acquisition-layer observation before normalization and
// persistence. Origin records which pass produced it.
type Offer struct {
	Name          string `json:"name"`
	Specification string `json:"specification"`
	Manufacturer  string `json:"manufacturer"`
	Price         Cents  `json:"price"`
	SupplierID    int64  `json:"supplier_id,omitempty"` // 0 when the upstream reported none
	SupplierName  string `json:"supplier_name"`
	UpstreamID    int64  `json:"upstream_id,omitempty"`
	SourceURL     string `json:"source_url"`
	Origin        string `json:"origin"` // "endpoint" or "browser"
}

// SupplierKey identifies the offering supplier: the upstream id when known,
// otherwise the normalized name. Name-only suppliers are treated as distinct.
func (o Offer) SupplierKey() string {
	if o.SupplierID != 0 {
		return "id:" + strconv.FormatInt(o.SupplierID, 10)
	}
	return "name:" + o.SupplierName
}

// Aggregate is a product summary row from the upstream search endpoint:
// min/max price and supplier count, no per-supplier prices.
type Aggregate struct {
	UpstreamID    int64  `json:"upstream_id"`
	Name          string `json:"name"`
	Specification string `json:"specification"`
	Manufacturer  string `json:"manufacturer"`
	MinPrice      Cents  `json:"min_price"`
	MaxPrice      Cents  `json:"max_price"`
	SupplierCount int    `json:"supplier_count"`
}

// Supplier is a facet row for a keyword; it never carries prices.
type Supplier struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Abbreviation string `json:"abbreviation"`
}

// DisplayName prefers the short abbreviation the marketplace shows on cards.
func (s Supplier) DisplayName() string {
	if s.Abbreviation != "" {
		return s.Abbreviation
	}
	return s.Name
}

// WatchListItem is a keyword the scheduler re-crawls periodically.
type WatchListItem struct {
	ID            int64        `db:"id" json:"id"`
	Keyword       string       `db:"keyword" json:"keyword"`
	CategoryHint  string       `db:"category_hint" json:"category_hint,omitempty"`
	Priority      int          `db:"priority" json:"priority"` // 0 normal, 1 important, 2 urgent
	Enabled       bool         `db:"enabled" json:"enabled"`
	AddedAt       time.Time    `db:"added_at" json:"added_at"`
	LastCrawledAt sql.NullTime `db:"last_crawled_at" json:"last_crawled_at,omitempty"`
}

// TaskStatus is the crawl task lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// CrawlTask drives a keyword set through the acquisition layer.
type CrawlTask struct {
	ID                int64          `db:"id" json:"id"`
	Name              string         `db:"name" json:"name"`
	Keywords          []string       `db:"-" json:"keywords"`
	KeywordsJSON      string         `db:"keywords" json:"-"`
	Status            TaskStatus     `db:"status" json:"status"`
	TotalKeywords     int            `db:"total_keywords" json:"total_keywords"`
	CompletedKeywords int            `db:"completed_keywords" json:"completed_keywords"`
	FailedKeywords    int            `db:"failed_keywords" json:"failed_keywords"`
	TotalItems        int            `db:"total_items" json:"total_items"`
	LastError         sql.NullString `db:"last_error" json:"last_error,omitempty"`
	StartedAt         sql.NullTime   `db:"started_at" json:"started_at,omitempty"`
	CompletedAt       sql.NullTime   `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
}

// Progress is the completed fraction in percent, rounded to one decimal.
func (t CrawlTask) Progress() float64 {
	if t.TotalKeywords == 0 {
		return 0
	}
	done := t.CompletedKeywords + t.FailedKeywords
	return float64(int(float64(done)/float64(t.TotalKeywords)*1000+0.5)) / 10
}

// RuleKind is the monitor rule trigger type.
type RuleKind string

const (
	RulePriceDrop   RuleKind = "price_drop"
	RulePriceRise   RuleKind = "price_rise"
	RuleNewSupplier RuleKind = "new_supplier"
)

// MonitorRule watches a drug for price movement or supplier churn.
type MonitorRule struct {
	ID           int64    `db:"id" json:"id"`
	DrugID       int64    `db:"drug_id" json:"drug_id"`
	Kind         RuleKind `db:"kind" json:"kind"`
	ThresholdPct float64  `db:"threshold_pct" json:"threshold_pct"`
	Enabled      bool     `db:"enabled" json:"enabled"`
}

// Alert is emitted by rule evaluation over new price rows; immutable once created.
type Alert struct {
	ID        int64     `db:"id" json:"id"`
	DrugID    int64     `db:"drug_id" json:"drug_id"`
	RuleID    int64     `db:"rule_id" json:"rule_id"`
	Kind      RuleKind  `db:"kind" json:"kind"`
	Message   string    `db:"message" json:"message"`
	Price     Cents     `db:"price_cents" json:"price"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ProgressEvent is one scheduler progress record pushed to the operator console.
type ProgressEvent struct {
	TaskID  int64  `json:"task_id"`
	Keyword string `json:"keyword"`
	Phase   string `json:"phase"` // "endpoint", "browser", "persist", "done"
	OK      bool   `json:"ok"`
	Items   int    `json:"items"`
}
