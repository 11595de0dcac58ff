// Package catalog fetches the external product catalog a count cycle is
// built from.
package catalog

import (
	"context"
	"errors"
	"time"
)

// ErrUpstream wraps every failure to obtain catalog rows.
var ErrUpstream = errors.New("catalog: upstream unavailable")

// Row is one product listed by the catalog.
type Row struct {
	VendorTag   string `json:"vendorTag"`
	ProductCode string `json:"productCode"`
	ProductName string `json:"productName"`
	Spec        string `json:"spec"`
	Unit        string `json:"unit"`
}

// Source produces the catalog for a store as of a date.
type Source interface {
	Fetch(ctx context.Context, storeID string, asOf time.Time) ([]Row, error)
}

// Static serves a fixed catalog.
type Static []Row

// Fetch implements Source.
func (s Static) Fetch(ctx context.Context, _ string, _ time.Time) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(ErrUpstream, err)
	}
	out := make([]Row, len(s))
	copy(out, s)
	return out, nil
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, storeID string, asOf time.Time) ([]Row, error)

// Fetch implements Source.
func (f SourceFunc) Fetch(ctx context.Context, storeID string, asOf time.Time) ([]Row, error) {
	return f(ctx, storeID, asOf)
}
