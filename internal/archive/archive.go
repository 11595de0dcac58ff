// Package archive exports a finished period count before it is removed from
// the live store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/odyssey-erp/stocktake/internal/countstore"
)

const sheetName = "count"

// Snapshot is the full record set of one period store.
type Snapshot struct {
	StoreID   string              `json:"storeId"`
	Period    string              `json:"period"`
	StoreName string              `json:"storeName"`
	CreatedAt time.Time           `json:"createdAt"`
	Records   []countstore.Record `json:"records"`
}

// Receipt describes where a snapshot was written.
type Receipt struct {
	Location string   `json:"location"`
	Objects  []string `json:"objects"`
	Bytes    int64    `json:"bytes"`
}

// Sink persists snapshots. A nil error means the snapshot is durable.
type Sink interface {
	Put(ctx context.Context, snap Snapshot) (Receipt, error)
}

// artifact is one encoded file of a snapshot.
type artifact struct {
	name        string
	contentType string
	body        []byte
}

// encode renders a snapshot as gzip JSON and as an XLSX workbook.
func encode(snap Snapshot) ([]artifact, error) {
	base := fmt.Sprintf("%s-%s", snap.StoreName, snap.CreatedAt.UTC().Format("20060102T150405Z"))

	var js bytes.Buffer
	if err := EncodeJSON(&js, snap); err != nil {
		return nil, err
	}
	var xlsx bytes.Buffer
	if err := EncodeXLSX(&xlsx, snap); err != nil {
		return nil, err
	}
	return []artifact{
		{name: base + ".json.gz", contentType: "application/gzip", body: js.Bytes()},
		{name: base + ".xlsx", contentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", body: xlsx.Bytes()},
	}, nil
}

// EncodeJSON writes snap as gzip-compressed JSON.
func EncodeJSON(w io.Writer, snap Snapshot) error {
	zw := gzip.NewWriter(w)
	if err := json.NewEncoder(zw).Encode(snap); err != nil {
		_ = zw.Close()
		return fmt.Errorf("archive: encode json: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("archive: gzip: %w", err)
	}
	return nil
}

// DecodeJSON reads a snapshot written by EncodeJSON.
func DecodeJSON(r io.Reader) (Snapshot, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("archive: gunzip: %w", err)
	}
	defer zr.Close()
	var snap Snapshot
	if err := json.NewDecoder(zr).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("archive: decode json: %w", err)
	}
	return snap, nil
}

var sheetHeader = []any{
	"productCode", "productName", "spec", "countUnit", "purchaseUnit", "vendor", "classGroup",
	"disabled", "expiryDate", "openingCount", "closingCount", "purchasesThisPeriod",
	"transferIn", "transferOut", "computedUsage", "countDate", "countCompleted",
}

// EncodeXLSX writes snap as a single-sheet workbook, one row per record.
func EncodeXLSX(w io.Writer, snap Snapshot) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("archive: xlsx sheet: %w", err)
	}
	if err := f.SetSheetRow(sheetName, "A1", &sheetHeader); err != nil {
		return fmt.Errorf("archive: xlsx header: %w", err)
	}
	for i, rec := range snap.Records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("archive: xlsx cell: %w", err)
		}
		row := []any{
			rec.ProductCode, rec.ProductName, rec.Spec, rec.CountUnit, rec.PurchaseUnit,
			rec.Vendor, rec.ClassGroup, rec.Disabled, rec.ExpiryDate,
			rec.OpeningCount.InexactFloat64(), nullable(rec.ClosingCount),
			rec.Purchases.InexactFloat64(), rec.TransferIn.InexactFloat64(),
			rec.TransferOut.InexactFloat64(), nullable(rec.ComputedUsage),
			rec.CountDate, rec.CountCompleted,
		}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("archive: xlsx row %s: %w", rec.ProductCode, err)
		}
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("archive: xlsx write: %w", err)
	}
	return nil
}

func nullable(d decimal.NullDecimal) any {
	if !d.Valid {
		return ""
	}
	return d.Decimal.InexactFloat64()
}
