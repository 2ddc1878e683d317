// Package classify assigns a product category from name, manufacturer and
// detail-page signals. The rule ladder is evaluated top down and the
// first match wins; provenance is recorded so callers can re-classify
// later without losing the audit trail.
package classify

import (
	"regexp"
	"strings"

	"pharmwatch/internal/models"
)

// Result is a classification with its confidence and signal source.
type Result struct {
	Category   models.Category `json:"category"`
	Confidence float64         `json:"confidence"`
	Source     string          `json:"source"` // "api", "keyword:*", "browser", "manual", "default"
}

// Input carries the available signals for one product.
type Input struct {
	Name           string
	Manufacturer   string
	ApprovalNumber string // detail-page signal; overrides everything below the RX marker
}

// Approval-number prefixes, the regulator-issued ground truth.
var approvalRules = []struct {
	re       *regexp.Regexp
	category models.Category
}{
	{regexp.MustCompile(`国药准字[HZSJB]\d{8}`), models.CategoryDrug},
	{regexp.MustCompile(`国械注[准进]`), models.CategoryMedicalDevice},
	{regexp.MustCompile(`卫妆准字|国妆特字`), models.CategoryCosmetic},
	{regexp.MustCompile(`国食健字|卫食健字`), models.CategoryHealthProduct},
}

// Closed high-confidence keyword lists.
var (
	cosmeticKeywords = []string{
		"珍珠霜", "珍珠膏", "面霜", "乳液", "精华液", "洗面奶", "面膜", "眼霜", "皇后牌",
	}
	deviceKeywords = []string{
		"医用口罩", "外科口罩", "血糖仪", "血压计", "体温计", "雾化器", "注射器", "绷带", "纱布",
	}
	dosageForms = []string{
		"片", "胶囊", "颗粒", "糖浆", "注射液", "口服液", "软膏", "乳膏", "滴眼液",
		"滴剂", "丸", "散", "栓剂", "喷雾剂", "混悬剂", "贴剂",
	}
	healthKeywords = []string{
		"保健", "营养", "维生素", "钙片", "鱼油", "蛋白粉", "益生菌",
	}
)

// ByApproval maps an approval number to its category. Returns false when
// the number matches no known prefix.
func ByApproval(approval string) (models.Category, bool) {
	for _, r := range approvalRules {
		if r.re.MatchString(approval) {
			return r.category, true
		}
	}
	return models.CategoryUnknown, false
}

// Classify is total over its input: it always returns a category in the
// closed set with a confidence in [0,1].
func Classify(in Input) Result {
	name := strings.ToLower(in.Name)
	mfr := strings.ToLower(in.Manufacturer)

	// 1. Prescription / OTC marker, half or full width parens.
	if hasMarker(name, "rx") {
		return Result{models.CategoryDrug, 1.00, "keyword:rx"}
	}
	if hasMarker(name, "otc") {
		return Result{models.CategoryDrug, 1.00, "keyword:otc"}
	}

	// 2. Regulator-issued approval number overrides every keyword rule.
	if in.ApprovalNumber != "" {
		if cat, ok := ByApproval(in.ApprovalNumber); ok {
			return Result{cat, 1.00, "browser"}
		}
	}

	// 3. Manufacturer line of business.
	if strings.Contains(mfr, "化妆品") {
		return Result{models.CategoryCosmetic, 0.95, "keyword:manufacturer"}
	}
	if strings.Contains(mfr, "医疗器械") {
		return Result{models.CategoryMedicalDevice, 0.95, "keyword:manufacturer"}
	}

	// 4. High-confidence product keywords. Checked before dosage forms so
	// "珍珠霜" beats the 片 inside "片仔癀".
	for _, kw := range cosmeticKeywords {
		if strings.Contains(name, kw) {
			return Result{models.CategoryCosmetic, 0.90, "keyword:" + kw}
		}
	}
	for _, kw := range deviceKeywords {
		if strings.Contains(name, kw) {
			return Result{models.CategoryMedicalDevice, 0.90, "keyword:" + kw}
		}
	}

	// 5. Pharmaceutical dosage forms.
	for _, form := range dosageForms {
		if strings.Contains(name, form) {
			return Result{models.CategoryDrug, 0.85, "keyword:" + form}
		}
	}

	// 6. Health-product markers.
	for _, kw := range healthKeywords {
		if strings.Contains(name, kw) {
			return Result{models.CategoryHealthProduct, 0.80, "keyword:" + kw}
		}
	}

	return Result{models.CategoryDrug, 0.50, "default"}
}

// hasMarker matches "(rx)" in half- or full-width parentheses, or the
// bare marker as a word.
func hasMarker(name, marker string) bool {
	return strings.Contains(name, "("+marker+")") ||
		strings.Contains(name, "（"+marker+"）") ||
		strings.Contains(name, "("+marker+"）") ||
		strings.Contains(name, "（"+marker+")")
}
