package stocktake

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"github.com/odyssey-erp/stocktake/internal/catalog"
	"github.com/odyssey-erp/stocktake/internal/countstore"
)

// VendorRule assigns Vendor to products whose code or name starts with Prefix.
type VendorRule struct {
	Prefix string
	Vendor string
}

// VendorRules is ordered longest prefix first.
type VendorRules []VendorRule

// NewVendorRules builds rules from a prefix to vendor map.
func NewVendorRules(prefixes map[string]string) VendorRules {
	rules := make(VendorRules, 0, len(prefixes))
	for prefix, vendor := range prefixes {
		prefix = normalize(prefix)
		if prefix == "" || strings.TrimSpace(vendor) == "" {
			continue
		}
		rules = append(rules, VendorRule{Prefix: prefix, Vendor: strings.TrimSpace(vendor)})
	}
	sort.Slice(rules, func(i, j int) bool {
		if len(rules[i].Prefix) != len(rules[j].Prefix) {
			return len(rules[i].Prefix) > len(rules[j].Prefix)
		}
		return rules[i].Prefix < rules[j].Prefix
	})
	return rules
}

// Match tries the product code first and then the name.
func (r VendorRules) Match(code, name string) (string, bool) {
	for _, candidate := range []string{code, name} {
		if candidate == "" {
			continue
		}
		for _, rule := range r {
			if strings.HasPrefix(candidate, rule.Prefix) {
				return rule.Vendor, true
			}
		}
	}
	return "", false
}

// MergeOptions parameterizes Merge.
type MergeOptions struct {
	// ReferenceDate is written to countDate of every merged record.
	ReferenceDate        string
	Vendors              VendorRules
	DiscontinuedKeywords []string
}

// MergeResult is the staged set and the subset still needing classification.
type MergeResult struct {
	Staged       []countstore.Record
	NeedingSetup []countstore.Record
	CarriedOver  int
}

// Merge reconciles catalog rows against the prior period's records. Codes
// found in prior are carried over with their opening count set to the prior
// closing count. Everything else is new and pending classification. Prior
// records absent from the catalog are dropped. Output is ordered by code.
func Merge(rows []catalog.Row, prior []countstore.Record, opts MergeOptions) MergeResult {
	priorByCode := make(map[string]countstore.Record, len(prior))
	for _, rec := range prior {
		priorByCode[rec.ProductCode] = rec
	}
	keywords := make([]string, 0, len(opts.DiscontinuedKeywords))
	for _, kw := range opts.DiscontinuedKeywords {
		if kw = normalize(kw); kw != "" {
			keywords = append(keywords, kw)
		}
	}

	latest := make(map[string]catalog.Row, len(rows))
	for _, row := range rows {
		row.ProductCode = normalize(row.ProductCode)
		if row.ProductCode == "" {
			continue
		}
		row.ProductName = strings.TrimSpace(row.ProductName)
		row.Spec = strings.TrimSpace(row.Spec)
		row.Unit = strings.TrimSpace(row.Unit)
		latest[row.ProductCode] = row
	}

	var result MergeResult
	result.Staged = make([]countstore.Record, 0, len(latest))
	for code, row := range latest {
		folded := normalize(row.ProductName)
		discontinued := containsAny(folded, keywords)
		prev, carried := priorByCode[code]
		var rec countstore.Record
		if carried {
			rec = carryOver(row, prev, discontinued)
			result.CarriedOver++
		} else {
			rec = newRecord(row, folded, opts.Vendors, discontinued)
		}
		rec.CountDate = opts.ReferenceDate
		rec.SchemaVersion = countstore.RecordSchemaVersion
		result.Staged = append(result.Staged, rec)
	}

	sortByCode(result.Staged)
	for _, rec := range result.Staged {
		if isPending(rec) {
			result.NeedingSetup = append(result.NeedingSetup, rec)
		}
	}
	return result
}

func carryOver(row catalog.Row, prev countstore.Record, discontinued bool) countstore.Record {
	opening := decimal.Zero
	if prev.ClosingCount.Valid {
		opening = prev.ClosingCount.Decimal
	}
	classGroup := strings.TrimSpace(prev.ClassGroup)
	if classGroup == "" {
		classGroup = PendingClassGroup
	}
	rec := countstore.Record{
		ProductCode:  row.ProductCode,
		ProductName:  firstNonEmpty(row.ProductName, prev.ProductName),
		Spec:         firstNonEmpty(prev.Spec, row.Spec),
		CountUnit:    firstNonEmpty(row.Unit, prev.CountUnit),
		PurchaseUnit: firstNonEmpty(row.Unit, prev.PurchaseUnit),
		Vendor:       prev.Vendor,
		ClassGroup:   classGroup,
		Disabled:     prev.Disabled || discontinued,
		ExpiryDate:   prev.ExpiryDate,
		OpeningCount: opening,
	}
	return rec
}

// newRecord matches vendor rules against foldedName; the stored name keeps
// the catalog's own spelling.
func newRecord(row catalog.Row, foldedName string, vendors VendorRules, discontinued bool) countstore.Record {
	vendor, ok := vendors.Match(row.ProductCode, foldedName)
	if !ok {
		vendor = UnassignedVendor
	}
	return countstore.Record{
		ProductCode:  row.ProductCode,
		ProductName:  row.ProductName,
		Spec:         row.Spec,
		CountUnit:    row.Unit,
		PurchaseUnit: row.Unit,
		Vendor:       vendor,
		ClassGroup:   PendingClassGroup,
		Disabled:     discontinued,
		OpeningCount: decimal.Zero,
	}
}

func isPending(rec countstore.Record) bool {
	group := strings.TrimSpace(rec.ClassGroup)
	return group == "" || group == PendingClassGroup
}

func sortByCode(records []countstore.Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].ProductCode < records[j].ProductCode
	})
}

// normalize folds full-width forms so codes, names and keywords compare
// reliably. Only product codes are stored folded.
func normalize(s string) string {
	return strings.TrimSpace(width.Narrow.String(norm.NFKC.String(s)))
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
