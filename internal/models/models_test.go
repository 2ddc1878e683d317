package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseYuan(t *testing.T) {
	cases := map[string]Cents{
		"12.5":    1250,
		"12.50":   1250,
		"¥12.50":  1250,
		"￥9999":   999900,
		" 0.01 ":  1,
		"125":     12500,
	}
	for in, want := range cases {
		got, err := ParseYuan(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "¥", "abc", "-5"} {
		_, err := ParseYuan(in)
		assert.Error(t, err, in)
	}
}

func TestFromYuanRounds(t *testing.T) {
	assert.Equal(t, Cents(1250), FromYuan(12.5))
	assert.Equal(t, Cents(1), FromYuan(0.005))
	assert.Equal(t, Cents(999900), FromYuan(9999))
}

func TestCentsString(t *testing.T) {
	assert.Equal(t, "12.50", Cents(1250).String())
	assert.Equal(t, "0.01", Cents(1).String())
	assert.Equal(t, "0.00", Cents(0).String())
	assert.Equal(t, "9999.00", Cents(999900).String())
}

func TestSupplierKey(t *testing.T) {
	assert.Equal(t, "id:42", Offer{SupplierID: 42, SupplierName: "药房甲"}.SupplierKey())
	assert.Equal(t, "name:药房甲", Offer{SupplierName: "药房甲"}.SupplierKey())
}

func TestSupplierDisplayName(t *testing.T) {
	assert.Equal(t, "简称", Supplier{Name: "全名公司", Abbreviation: "简称"}.DisplayName())
	assert.Equal(t, "全名公司", Supplier{Name: "全名公司"}.DisplayName())
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskRunning.Terminal())
	assert.False(t, TaskPaused.Terminal())
	assert.True(t, TaskSucceeded.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
}

func TestTaskProgress(t *testing.T) {
	assert.Equal(t, 0.0, CrawlTask{}.Progress())
	tk := CrawlTask{TotalKeywords: 3, CompletedKeywords: 1, FailedKeywords: 1}
	assert.Equal(t, 66.7, tk.Progress())
	done := CrawlTask{TotalKeywords: 4, CompletedKeywords: 4}
	assert.Equal(t, 100.0, done.Progress())
}

func TestCategoryValid(t *testing.T) {
	for _, c := range []Category{CategoryDrug, CategoryCosmetic, CategoryMedicalDevice, CategoryHealthProduct, CategoryUnknown} {
		assert.True(t, c.Valid(), c)
	}
	assert.False(t, Category("snack").Valid())
}
