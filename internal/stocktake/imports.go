package stocktake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stocktake/internal/countstore"
)

// Direction selects the transfer field an import writes.
type Direction string

const (
	TransferIn  Direction = "in"
	TransferOut Direction = "out"
)

// QuantityRow is one line of a purchase or transfer export. Quantity is kept
// raw so a malformed value skips its row instead of the whole batch. Both
// JSON numbers and numeric strings are accepted.
type QuantityRow struct {
	ProductCode string          `json:"productCode"`
	Quantity    json.RawMessage `json:"quantity"`
}

// NewQuantityRow builds a row from a decimal quantity.
func NewQuantityRow(code string, qty decimal.Decimal) QuantityRow {
	return QuantityRow{ProductCode: code, Quantity: json.RawMessage(`"` + qty.String() + `"`)}
}

var errMissingQuantity = errors.New("quantity is required")

// ParseQuantity decodes the raw quantity of the row.
func (r QuantityRow) ParseQuantity() (decimal.Decimal, error) {
	raw := bytes.TrimSpace(r.Quantity)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Zero, errMissingQuantity
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return decimal.Zero, err
		}
		raw = []byte(strings.TrimSpace(text))
	}
	return decimal.NewFromString(string(raw))
}

// ImportReport summarizes a batch import.
type ImportReport struct {
	Field        string   `json:"field"`
	Rows         int      `json:"rows"`
	Applied      int      `json:"applied"`
	Skipped      int      `json:"skipped"`
	Unknown      int      `json:"unknown"`
	UnknownCodes []string `json:"unknownCodes"`
	Records      int      `json:"records"`
}

// BatchImportPurchases replaces purchasesThisPeriod of every record with the
// per-code sums of rows and marks purchase data as loaded.
func (s *Service) BatchImportPurchases(ctx context.Context, rawStore string, rows []QuantityRow) (ImportReport, error) {
	return s.importQuantities(ctx, rawStore, rows, FieldPurchases)
}

// BatchImportTransfers replaces transferIn or transferOut of every record
// with the per-code sums of rows.
func (s *Service) BatchImportTransfers(ctx context.Context, rawStore string, rows []QuantityRow, dir Direction) (ImportReport, error) {
	switch dir {
	case TransferIn:
		return s.importQuantities(ctx, rawStore, rows, FieldTransferIn)
	case TransferOut:
		return s.importQuantities(ctx, rawStore, rows, FieldTransferOut)
	default:
		return ImportReport{}, validationf("unknown transfer direction %q", dir)
	}
}

// importQuantities computes every new value before issuing a single atomic
// bulk write, so a failed import leaves the previous figures in place.
func (s *Service) importQuantities(ctx context.Context, rawStore string, rows []QuantityRow, field string) (ImportReport, error) {
	id, p, now, err := s.active(rawStore)
	if err != nil {
		return ImportReport{}, err
	}
	store := s.stores.Store(p.Key(id), countstore.Permanent)
	records, err := store.FindAll(ctx)
	if err != nil {
		return ImportReport{}, fmt.Errorf("stocktake: read records: %w", err)
	}
	if len(records) == 0 {
		return ImportReport{}, notFoundf("no established count for %s", p)
	}

	known := make(map[string]struct{}, len(records))
	for _, rec := range records {
		known[rec.ProductCode] = struct{}{}
	}
	report := ImportReport{Field: field, Rows: len(rows), UnknownCodes: []string{}, Records: len(records)}
	sums := make(map[string]decimal.Decimal)
	unknown := make(map[string]struct{})
	var invalid []string
	for _, row := range rows {
		code := normalize(row.ProductCode)
		if code == "" {
			report.Skipped++
			continue
		}
		qty, err := row.ParseQuantity()
		if err != nil {
			report.Skipped++
			invalid = append(invalid, code)
			continue
		}
		if _, ok := known[code]; !ok {
			report.Unknown++
			unknown[code] = struct{}{}
			continue
		}
		sums[code] = sums[code].Add(qty)
		report.Applied++
	}
	for code := range unknown {
		report.UnknownCodes = append(report.UnknownCodes, code)
	}
	sort.Strings(report.UnknownCodes)

	ops := make([]countstore.WriteOp, 0, len(records))
	for _, rec := range records {
		value := sums[rec.ProductCode]
		patch := countstore.Patch{
			LastUpdatedAt:    &now,
			LastUpdatedField: countstore.Ptr(field),
		}
		switch field {
		case FieldPurchases:
			patch.Purchases = &value
			patch.PurchaseDataLoaded = countstore.Ptr(true)
		case FieldTransferIn:
			patch.TransferIn = &value
		case FieldTransferOut:
			patch.TransferOut = &value
		}
		next := rec
		patch.Apply(&next)
		if next.PurchaseDataLoaded {
			patch.ComputedUsage = usageOf(next)
		}
		ops = append(ops, countstore.WriteOp{ProductCode: rec.ProductCode, Patch: patch})
	}
	if err := store.BulkWrite(ctx, ops); err != nil {
		return ImportReport{}, fmt.Errorf("stocktake: import %s: %w", field, err)
	}

	s.logger.Info("quantities imported",
		slog.String("store", id),
		slog.String("field", field),
		slog.Int("rows", report.Rows),
		slog.Int("applied", report.Applied),
		slog.Int("skipped", report.Skipped),
		slog.Int("unknown", report.Unknown))
	if len(invalid) > 0 {
		s.logger.Warn("import rows with malformed quantity skipped",
			slog.String("store", id),
			slog.String("codes", strings.Join(invalid, ",")))
	}
	if report.Unknown > 0 {
		s.logger.Warn("import rows reference unknown products",
			slog.String("store", id),
			slog.String("codes", strings.Join(report.UnknownCodes, ",")))
	}
	s.events.Publish(id, EventRecordsReloaded, map[string]any{"field": field, "count": len(ops)})
	return report, nil
}
