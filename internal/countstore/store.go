// Package countstore maps (period, store) pairs to logical record stores and
// exposes the operations the stocktake engine runs against them.
package countstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RecordSchemaVersion is stamped on every record written by this module.
const RecordSchemaVersion = 2

var (
	// ErrNotFound indicates a product code missing from a logical store.
	ErrNotFound = errors.New("countstore: record not found")
	// ErrDuplicate indicates a product code inserted twice into one logical store.
	ErrDuplicate = errors.New("countstore: duplicate product code")
)

// Kind selects the permanent or the staging variant of a period store.
type Kind string

const (
	// Permanent is the authoritative record set of a period.
	Permanent Kind = ""
	// Staging holds records of an in-progress cycle awaiting classification.
	Staging Kind = "_tmp"
)

// Key identifies the logical store of one store in one period.
type Key struct {
	Year    int
	Month   int
	StoreID string
}

// StoreName derives the deterministic logical store name, e.g. 202403taipei.
func (k Key) StoreName() string {
	return fmt.Sprintf("%04d%02d%s", k.Year, k.Month, k.StoreID)
}

// Name derives the logical store name for the given kind.
func (k Key) Name(kind Kind) string {
	return k.StoreName() + string(kind)
}

// Record is one product row of a period count.
type Record struct {
	ProductCode        string              `db:"product_code" json:"productCode"`
	ProductName        string              `db:"product_name" json:"productName"`
	Spec               string              `db:"spec" json:"spec"`
	CountUnit          string              `db:"count_unit" json:"countUnit"`
	PurchaseUnit       string              `db:"purchase_unit" json:"purchaseUnit"`
	Vendor             string              `db:"vendor" json:"vendor"`
	ClassGroup         string              `db:"class_group" json:"classGroup"`
	Disabled           bool                `db:"disabled" json:"disabled"`
	ExpiryDate         string              `db:"expiry_date" json:"expiryDate"`
	OpeningCount       decimal.Decimal     `db:"opening_count" json:"openingCount"`
	ClosingCount       decimal.NullDecimal `db:"closing_count" json:"closingCount"`
	Purchases          decimal.Decimal     `db:"purchases" json:"purchasesThisPeriod"`
	TransferIn         decimal.Decimal     `db:"transfer_in" json:"transferIn"`
	TransferOut        decimal.Decimal     `db:"transfer_out" json:"transferOut"`
	ComputedUsage      decimal.NullDecimal `db:"computed_usage" json:"computedUsage"`
	CountDate          string              `db:"count_date" json:"countDate"`
	PurchaseDataLoaded bool                `db:"purchase_data_loaded" json:"purchaseDataLoaded"`
	CountCompleted     bool                `db:"count_completed" json:"countCompleted"`
	LastUpdatedAt      *time.Time          `db:"last_updated_at" json:"lastUpdatedAt,omitempty"`
	LastUpdatedField   string              `db:"last_updated_field" json:"lastUpdatedField,omitempty"`
	SchemaVersion      int                 `db:"schema_version" json:"schemaVersion"`
}

// Usage computes purchases + opening + transfer in - transfer out - closing.
// It reports false while no closing count has been submitted.
func (r Record) Usage() (decimal.Decimal, bool) {
	if !r.ClosingCount.Valid {
		return decimal.Zero, false
	}
	return r.Purchases.
		Add(r.OpeningCount).
		Add(r.TransferIn).
		Sub(r.TransferOut).
		Sub(r.ClosingCount.Decimal), true
}

// Patch lists the fields a targeted update sets. Nil fields are left untouched.
type Patch struct {
	ProductName        *string
	Spec               *string
	CountUnit          *string
	PurchaseUnit       *string
	Vendor             *string
	ClassGroup         *string
	Disabled           *bool
	ExpiryDate         *string
	ClosingCount       *decimal.NullDecimal
	Purchases          *decimal.Decimal
	TransferIn         *decimal.Decimal
	TransferOut        *decimal.Decimal
	ComputedUsage      *decimal.NullDecimal
	CountDate          *string
	PurchaseDataLoaded *bool
	CountCompleted     *bool
	LastUpdatedAt      *time.Time
	LastUpdatedField   *string
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// IsEmpty reports whether the patch sets nothing.
func (p Patch) IsEmpty() bool {
	return len(p.Columns()) == 0
}

// Apply writes the patch onto r.
func (p Patch) Apply(r *Record) {
	setIf(&r.ProductName, p.ProductName)
	setIf(&r.Spec, p.Spec)
	setIf(&r.CountUnit, p.CountUnit)
	setIf(&r.PurchaseUnit, p.PurchaseUnit)
	setIf(&r.Vendor, p.Vendor)
	setIf(&r.ClassGroup, p.ClassGroup)
	setIf(&r.Disabled, p.Disabled)
	setIf(&r.ExpiryDate, p.ExpiryDate)
	setIf(&r.ClosingCount, p.ClosingCount)
	setIf(&r.Purchases, p.Purchases)
	setIf(&r.TransferIn, p.TransferIn)
	setIf(&r.TransferOut, p.TransferOut)
	setIf(&r.ComputedUsage, p.ComputedUsage)
	setIf(&r.CountDate, p.CountDate)
	setIf(&r.PurchaseDataLoaded, p.PurchaseDataLoaded)
	setIf(&r.CountCompleted, p.CountCompleted)
	if p.LastUpdatedAt != nil {
		at := *p.LastUpdatedAt
		r.LastUpdatedAt = &at
	}
	setIf(&r.LastUpdatedField, p.LastUpdatedField)
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Columns maps the set fields to their column names.
func (p Patch) Columns() map[string]any {
	cols := make(map[string]any)
	addIf(cols, "product_name", p.ProductName)
	addIf(cols, "spec", p.Spec)
	addIf(cols, "count_unit", p.CountUnit)
	addIf(cols, "purchase_unit", p.PurchaseUnit)
	addIf(cols, "vendor", p.Vendor)
	addIf(cols, "class_group", p.ClassGroup)
	addIf(cols, "disabled", p.Disabled)
	addIf(cols, "expiry_date", p.ExpiryDate)
	addIf(cols, "closing_count", p.ClosingCount)
	addIf(cols, "purchases", p.Purchases)
	addIf(cols, "transfer_in", p.TransferIn)
	addIf(cols, "transfer_out", p.TransferOut)
	addIf(cols, "computed_usage", p.ComputedUsage)
	addIf(cols, "count_date", p.CountDate)
	addIf(cols, "purchase_data_loaded", p.PurchaseDataLoaded)
	addIf(cols, "count_completed", p.CountCompleted)
	addIf(cols, "last_updated_at", p.LastUpdatedAt)
	addIf(cols, "last_updated_field", p.LastUpdatedField)
	return cols
}

func addIf[T any](cols map[string]any, name string, v *T) {
	if v != nil {
		cols[name] = *v
	}
}

// WriteOp is one targeted update inside a bulk write.
type WriteOp struct {
	ProductCode string
	Patch       Patch
}

// Store is a single logical record store. A store that was never written
// behaves as an empty one.
type Store interface {
	Name() string
	Exists(ctx context.Context) (bool, error)
	Count(ctx context.Context) (int, error)
	// FindAll returns every record ordered by product code.
	FindAll(ctx context.Context) ([]Record, error)
	FindByCode(ctx context.Context, code string) (Record, error)
	// InsertMany creates the store when needed and inserts records in one write.
	InsertMany(ctx context.Context, records []Record) error
	UpdateOne(ctx context.Context, code string, patch Patch) (Record, error)
	// BulkWrite applies all ops atomically; an unknown code aborts the whole write.
	BulkWrite(ctx context.Context, ops []WriteOp) error
	// ReplaceAll clears the store and inserts records atomically.
	ReplaceAll(ctx context.Context, records []Record) error
	DeleteAll(ctx context.Context) error
	DropIfExists(ctx context.Context) error
}

// Accessor hands out logical stores. It is the only place store names are built.
type Accessor interface {
	Store(key Key, kind Kind) Store
}
