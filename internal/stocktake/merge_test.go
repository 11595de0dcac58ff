package stocktake

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stocktake/internal/catalog"
	"github.com/odyssey-erp/stocktake/internal/countstore"
)

func closing(v int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromInt(v))
}

func TestMergeCarriesOverAndStagesNew(t *testing.T) {
	rows := []catalog.Row{
		{ProductCode: "A", ProductName: "Apple", Unit: "box"},
		{ProductCode: "B", ProductName: "Banana"},
	}
	prior := []countstore.Record{
		{ProductCode: "A", ClassGroup: "G1", Vendor: "V1", Spec: "1kg", CountUnit: "kg", ClosingCount: closing(7)},
		{ProductCode: "Z", ClassGroup: "G9", ClosingCount: closing(3)},
	}

	res := Merge(rows, prior, MergeOptions{ReferenceDate: "2024-03-16"})

	require.Len(t, res.Staged, 2)
	require.Equal(t, 1, res.CarriedOver)
	a := res.Staged[0]
	require.Equal(t, "A", a.ProductCode)
	require.Equal(t, "G1", a.ClassGroup)
	require.Equal(t, "V1", a.Vendor)
	require.Equal(t, "1kg", a.Spec)
	require.Equal(t, "box", a.CountUnit)
	require.True(t, a.OpeningCount.Equal(decimal.NewFromInt(7)))
	require.False(t, a.ClosingCount.Valid)
	require.True(t, a.Purchases.IsZero())
	require.Equal(t, "2024-03-16", a.CountDate)

	b := res.Staged[1]
	require.Equal(t, PendingClassGroup, b.ClassGroup)
	require.Equal(t, UnassignedVendor, b.Vendor)
	require.True(t, b.OpeningCount.IsZero())

	require.Len(t, res.NeedingSetup, 1)
	require.Equal(t, "B", res.NeedingSetup[0].ProductCode)
}

func TestMergeCompletenessAndNovelty(t *testing.T) {
	rows := []catalog.Row{{ProductCode: "1"}, {ProductCode: "2"}, {ProductCode: "3"}}
	prior := []countstore.Record{{ProductCode: "2", ClassGroup: "X"}}

	res := Merge(rows, prior, MergeOptions{})

	codes := make(map[string]bool)
	for _, rec := range res.Staged {
		codes[rec.ProductCode] = true
	}
	require.Equal(t, map[string]bool{"1": true, "2": true, "3": true}, codes)
	for _, rec := range res.NeedingSetup {
		require.NotEqual(t, "2", rec.ProductCode)
	}
	require.Len(t, res.NeedingSetup, 2)
}

func TestMergeEmptyCatalog(t *testing.T) {
	res := Merge(nil, []countstore.Record{{ProductCode: "A"}}, MergeOptions{})
	require.Empty(t, res.Staged)
	require.Empty(t, res.NeedingSetup)
}

func TestMergeFirstTimeCountMarksEverythingNew(t *testing.T) {
	rows := []catalog.Row{{ProductCode: "A"}, {ProductCode: "B"}}
	res := Merge(rows, nil, MergeOptions{})
	require.Len(t, res.NeedingSetup, 2)
	require.Zero(t, res.CarriedOver)
}

func TestMergeDuplicateCodesLastRowWins(t *testing.T) {
	rows := []catalog.Row{
		{ProductCode: "A", ProductName: "first"},
		{ProductCode: "A", ProductName: "second"},
	}
	res := Merge(rows, nil, MergeOptions{})
	require.Len(t, res.Staged, 1)
	require.Equal(t, "second", res.Staged[0].ProductName)
}

func TestMergeVendorPrefixAndDiscontinuation(t *testing.T) {
	rows := []catalog.Row{
		{ProductCode: "TEA-01", ProductName: "Oolong"},
		{ProductCode: "X1", ProductName: "MILK powder"},
		{ProductCode: "X2", ProductName: "Sugar (停用)"},
	}
	opts := MergeOptions{
		Vendors:              NewVendorRules(map[string]string{"TEA": "Tea House", "TEA-0": "Tea House 0", "MILK": "Dairy Co"}),
		DiscontinuedKeywords: []string{"停用"},
	}
	res := Merge(rows, nil, opts)
	byCode := make(map[string]countstore.Record)
	for _, rec := range res.Staged {
		byCode[rec.ProductCode] = rec
	}
	require.Equal(t, "Tea House 0", byCode["TEA-01"].Vendor)
	require.Equal(t, "Dairy Co", byCode["X1"].Vendor)
	require.Equal(t, UnassignedVendor, byCode["X2"].Vendor)
	require.True(t, byCode["X2"].Disabled)
	require.False(t, byCode["X1"].Disabled)
}

func TestMergeNormalizesFullWidthCodes(t *testing.T) {
	rows := []catalog.Row{{ProductCode: "ＡＢ１２ ", ProductName: "Item"}, {ProductCode: "  "}}
	prior := []countstore.Record{{ProductCode: "AB12", ClassGroup: "G", ClosingCount: closing(2)}}

	res := Merge(rows, prior, MergeOptions{})
	require.Len(t, res.Staged, 1)
	require.Equal(t, "AB12", res.Staged[0].ProductCode)
	require.Equal(t, 1, res.CarriedOver)
}

func TestMergeKeepsCatalogNameSpelling(t *testing.T) {
	rows := []catalog.Row{{ProductCode: "C9", ProductName: " ＭＩＬＫ（全脂）停用 "}}
	opts := MergeOptions{
		Vendors:              NewVendorRules(map[string]string{"MILK": "Dairy Co"}),
		DiscontinuedKeywords: []string{"停用"},
	}

	res := Merge(rows, nil, opts)
	require.Len(t, res.Staged, 1)
	rec := res.Staged[0]
	require.Equal(t, "ＭＩＬＫ（全脂）停用", rec.ProductName)
	require.Equal(t, "Dairy Co", rec.Vendor)
	require.True(t, rec.Disabled)
}

func TestMergeBlankPriorClassStaysPending(t *testing.T) {
	rows := []catalog.Row{{ProductCode: "A"}}
	prior := []countstore.Record{{ProductCode: "A", ClassGroup: " "}}
	res := Merge(rows, prior, MergeOptions{})
	require.Len(t, res.NeedingSetup, 1)
}
