package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmwatch/internal/errs"
)

func TestNameStripsPromotionalDecorations(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1盒包邮 片仔癀3g*1粒(RX)", "片仔癀3g*1粒(RX)"},
		{"2免邮 阿莫西林胶囊", "阿莫西林胶囊"},
		{"[限时活动] 阿莫西林胶囊", "阿莫西林胶囊"},
		{"特价 阿莫西林胶囊", "阿莫西林胶囊"},
		{"秒杀阿莫西林胶囊", "阿莫西林胶囊"},
		{"特价秒杀阿莫西林胶囊", "阿莫西林胶囊"},
		{"秒杀特价阿莫西林胶囊", "阿莫西林胶囊"},
		{"[金牌][自营]阿莫西林胶囊", "阿莫西林胶囊"},
		{"[金牌]特价 秒杀阿莫西林胶囊", "阿莫西林胶囊"},
		{"阿莫西林胶囊", "阿莫西林胶囊"},
		{"  阿莫西林   胶囊  ", "阿莫西林 胶囊"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Name(tc.in), "input %q", tc.in)
	}
}

func TestNameFoldsFullWidth(t *testing.T) {
	// Full-width parens and digits fold to ASCII; ideographic space folds
	// to a plain space.
	assert.Equal(t, "片仔癀(RX)", Name("片仔癀（RX）"))
	assert.Equal(t, "维生素C 100片", Name("维生素Ｃ　１００片"))
}

func TestNameRetainsRxOtcMarker(t *testing.T) {
	assert.Contains(t, Name("包邮 片仔癀(RX)"), "(RX)")
	assert.Contains(t, Name("特价 感冒灵(OTC)"), "(OTC)")
}

func TestNameIdempotent(t *testing.T) {
	inputs := []string{
		"1盒包邮 片仔癀3g*1粒(RX)",
		"[促销]特价 阿莫西林胶囊",
		"特价秒杀阿莫西林胶囊",
		"[金牌][自营]阿莫西林胶囊",
		"维生素Ｃ　１００片",
		"plain english name",
	}
	for _, in := range inputs {
		once := Name(in)
		assert.Equal(t, once, Name(once), "Name not idempotent for %q", in)
	}
}

func TestSpecificationCanonical(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"3克×1粒", "3g*1粒"},
		{"0.25克x24片", "0.25g*24片"},
		{"100毫克*20片", "100mg*20片"},
		{"10毫升 × 6支", "10ml*6支"},
		{"500 MG", "500mg"},
		{"50ug", "50μg"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Specification(tc.in), "input %q", tc.in)
	}
}

func TestSpecificationIdempotent(t *testing.T) {
	for _, in := range []string{"3克×1粒", "100毫克*20片", "１０毫升×６支"} {
		once := Specification(in)
		assert.Equal(t, once, Specification(once))
	}
}

func TestSupplierStripsBracketTag(t *testing.T) {
	assert.Equal(t, "康德乐大药房", Supplier("[金牌]康德乐大药房"))
	assert.Equal(t, "康德乐大药房", Supplier("  康德乐大药房  "))
}

func TestNewKeyRejectsEmptyName(t *testing.T) {
	_, err := NewKey("  特价 ", "3g*1粒", "厂家")
	require.Error(t, err)
	var nerr *errs.NormalizationError
	require.ErrorAs(t, err, &nerr)
}

func TestNewKeyNormalizesAllParts(t *testing.T) {
	k, err := NewKey("包邮 片仔癀（RX）", "3克×1粒", " 漳州片仔癀药业 ")
	require.NoError(t, err)
	assert.Equal(t, "片仔癀(RX)", k.Name)
	assert.Equal(t, "3g*1粒", k.Specification)
	assert.Equal(t, "漳州片仔癀药业", k.Manufacturer)
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches("片仔癀3g*1粒(RX)", "片仔癀"))
	assert.True(t, Matches("Vitamin C 100", "vitamin c"))
	assert.True(t, Matches("维生素Ｃ片", "维生素C"))
	assert.False(t, Matches("阿莫西林胶囊", "片仔癀"))
	assert.False(t, Matches("anything", ""))
}
