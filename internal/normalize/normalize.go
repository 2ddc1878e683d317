// Package normalize implements the pure string operations that derive a
// stable drug identity from raw marketplace text. Every function is
// deterministic and idempotent: normalize(normalize(x)) == normalize(x).
package normalize

import (
	"regexp"
	"strings"

	"pharmwatch/internal/errs"
)

// Key is the drug identity tuple. The persistence layer enforces
// uniqueness over it.
type Key struct {
	Name          string
	Specification string
	Manufacturer  string
}

// Promotional decorations the upstream prepends to listing names. Order
// matters only for the regex forms; plain prefixes are checked one by one.
var (
	freeShippingRe = regexp.MustCompile(`^\d+免邮\s*`)
	bracketTagRe   = regexp.MustCompile(`^\[[^\]]*\]\s*`)
	promoPrefixes  = []string{"特价", "限时", "秒杀", "促销", "热卖", "爆款", "新品", "推荐"}
	multiplySignRe = regexp.MustCompile(`[×xX]`)
	spaceRunRe     = regexp.MustCompile(`\s+`)
)

// Unit variants folded to the canonical set {mg, g, ml, L} plus μg.
// Longer variants first so e.g. 毫克 is not left half-replaced.
var unitReplacer = strings.NewReplacer(
	"毫克", "mg",
	"微克", "μg",
	"毫升", "ml",
	"千克", "kg",
	"克", "g",
	"升", "L",
	"MG", "mg",
	"Mg", "mg",
	"ML", "ml",
	"mL", "ml",
	"UG", "μg",
	"ug", "μg",
	"mcg", "μg",
)

// Name cleans a product or manufacturer name: width fold, whitespace
// collapse, promotional prefix strip, bracket unification. The trailing
// (RX)/(OTC) marker is retained because it informs classification.
func Name(s string) string {
	s = foldWidth(s)
	s = strings.TrimSpace(s)

	// Decorations stack ("[金牌]特价秒杀..."), so strip until the string
	// settles.
	for {
		prev := s
		// "1盒包邮 片仔癀3g*1粒(RX)" -> "片仔癀3g*1粒(RX)"
		if i := strings.Index(s, "包邮"); i >= 0 {
			s = strings.TrimSpace(s[i+len("包邮"):])
		}
		s = freeShippingRe.ReplaceAllString(s, "")
		s = bracketTagRe.ReplaceAllString(s, "")
		for _, p := range promoPrefixes {
			if rest, ok := strings.CutPrefix(s, p); ok {
				s = strings.TrimSpace(rest)
			}
		}
		if s == prev {
			break
		}
	}

	s = spaceRunRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Specification canonicalizes a packaging string like "3克×1粒" to
// "3g*1粒": width fold, unit canonicalization, unified multiply sign, and
// no internal whitespace. The A*Bpiece pack structure is preserved.
func Specification(s string) string {
	s = foldWidth(s)
	s = strings.TrimSpace(s)
	s = unitReplacer.Replace(s)
	s = multiplySignRe.ReplaceAllString(s, "*")
	s = spaceRunRe.ReplaceAllString(s, "")
	return s
}

// Supplier cleans a supplier display name, which carries the same
// promotional decorations as product names.
func Supplier(s string) string {
	s = foldWidth(s)
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "]"); i >= 0 {
		s = strings.TrimSpace(s[i+1:])
	}
	s = freeShippingRe.ReplaceAllString(s, "")
	s = spaceRunRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NewKey derives the identity tuple for one observation. An empty name
// after cleaning is unrecoverable and the record is dropped by the caller.
func NewKey(name, specification, manufacturer string) (Key, error) {
	k := Key{
		Name:          Name(name),
		Specification: Specification(specification),
		Manufacturer:  Name(manufacturer),
	}
	if k.Name == "" {
		return Key{}, &errs.NormalizationError{Input: name, Reason: "empty name after cleaning"}
	}
	return k, nil
}

// Matches reports whether haystack contains needle after casefold and
// whitespace collapse; the orchestrator uses it to keep only offers and
// aggregates relevant to the searched keyword.
func Matches(haystack, needle string) bool {
	h := collapse(haystack)
	n := collapse(needle)
	if n == "" {
		return false
	}
	return strings.Contains(h, n)
}

func collapse(s string) string {
	s = foldWidth(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), "")
}

// foldWidth maps full-width ASCII and the ideographic space to their
// half-width forms, then unifies full-width parens left by the fold.
func foldWidth(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == 0x3000:
			b.WriteRune(' ')
		case r >= 0xFF01 && r <= 0xFF5E:
			b.WriteRune(r - 0xFEE0)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
