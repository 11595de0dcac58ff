package stocktake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stocktake/internal/countstore"
	"github.com/odyssey-erp/stocktake/internal/period"
)

// Field names recorded in lastUpdatedField.
const (
	FieldClosingCount = "closingCount"
	FieldDisabled     = "disabled"
	FieldExpiryDate   = "expiryDate"
	FieldVendor       = "vendor"
	FieldClassGroup   = "classGroup"
	FieldPurchases    = "purchasesThisPeriod"
	FieldTransferIn   = "transferIn"
	FieldTransferOut  = "transferOut"
	FieldCompleted    = "countCompleted"
)

// Edit identifies who changes which record. SessionID is optional; when set,
// the session's edit-lock on the record is released after the write.
type Edit struct {
	StoreID     string
	ProductCode string
	SessionID   string
}

// ClassificationUpdate sets any subset of the descriptive fields of a record.
type ClassificationUpdate struct {
	Vendor     *string `json:"vendor,omitempty"`
	ClassGroup *string `json:"classGroup,omitempty"`
	Disabled   *bool   `json:"disabled,omitempty"`
	ExpiryDate *string `json:"expiryDate,omitempty"`
}

// ReclassifyResult reports a batch class group change.
type ReclassifyResult struct {
	Updated int      `json:"updated"`
	Unknown []string `json:"unknown"`
}

// UpdateClosingCount stores the physical count of a product. Repeating the
// same value leaves the record unchanged apart from its audit timestamp.
func (s *Service) UpdateClosingCount(ctx context.Context, edit Edit, value decimal.Decimal) (countstore.Record, error) {
	if value.IsNegative() {
		return countstore.Record{}, validationf("closing count must not be negative")
	}
	now := s.now()
	patch := countstore.Patch{
		ClosingCount: countstore.Ptr(decimal.NewNullDecimal(value)),
		CountDate:    countstore.Ptr(period.ReferenceDate(now)),
	}
	return s.updateRecord(ctx, edit, patch, []string{FieldClosingCount})
}

// UpdateClassification applies vendor, class group, disabled flag and expiry
// date changes in one write.
func (s *Service) UpdateClassification(ctx context.Context, edit Edit, update ClassificationUpdate) (countstore.Record, error) {
	var (
		patch  countstore.Patch
		fields []string
	)
	if update.Vendor != nil {
		vendor := strings.TrimSpace(*update.Vendor)
		if vendor == "" {
			vendor = UnassignedVendor
		}
		patch.Vendor = &vendor
		fields = append(fields, FieldVendor)
	}
	if update.ClassGroup != nil {
		group := strings.TrimSpace(*update.ClassGroup)
		if group == "" || group == PendingClassGroup {
			return countstore.Record{}, validationf("class group must name a real group")
		}
		patch.ClassGroup = &group
		fields = append(fields, FieldClassGroup)
	}
	if update.Disabled != nil {
		patch.Disabled = update.Disabled
		fields = append(fields, FieldDisabled)
	}
	if update.ExpiryDate != nil {
		expiry := strings.TrimSpace(*update.ExpiryDate)
		patch.ExpiryDate = &expiry
		fields = append(fields, FieldExpiryDate)
	}
	if len(fields) == 0 {
		return countstore.Record{}, validationf("no field to update")
	}
	return s.updateRecord(ctx, edit, patch, fields)
}

// SetDisabled flags a product as discontinued or active.
func (s *Service) SetDisabled(ctx context.Context, edit Edit, disabled bool) (countstore.Record, error) {
	return s.UpdateClassification(ctx, edit, ClassificationUpdate{Disabled: &disabled})
}

// SetExpiryDate records the shelf-life note of a product.
func (s *Service) SetExpiryDate(ctx context.Context, edit Edit, expiry string) (countstore.Record, error) {
	return s.UpdateClassification(ctx, edit, ClassificationUpdate{ExpiryDate: &expiry})
}

// SetVendor reassigns the vendor of a product.
func (s *Service) SetVendor(ctx context.Context, edit Edit, vendor string) (countstore.Record, error) {
	return s.UpdateClassification(ctx, edit, ClassificationUpdate{Vendor: &vendor})
}

// SetClassGroup reassigns the class group of a product.
func (s *Service) SetClassGroup(ctx context.Context, edit Edit, group string) (countstore.Record, error) {
	return s.UpdateClassification(ctx, edit, ClassificationUpdate{ClassGroup: &group})
}

// updateRecord writes patch onto an existing permanent record, refreshes the
// derived usage and notifies the store room. Usage anomalies are only raised
// when the closing count itself changed.
func (s *Service) updateRecord(ctx context.Context, edit Edit, patch countstore.Patch, fields []string) (countstore.Record, error) {
	id, p, now, err := s.active(edit.StoreID)
	if err != nil {
		return countstore.Record{}, err
	}
	code := strings.TrimSpace(edit.ProductCode)
	if code == "" {
		return countstore.Record{}, validationf("product code is required")
	}

	store := s.stores.Store(p.Key(id), countstore.Permanent)
	existing, err := store.FindByCode(ctx, code)
	if errors.Is(err, countstore.ErrNotFound) {
		return countstore.Record{}, notFoundf("product %s not in %s count", code, p)
	}
	if err != nil {
		return countstore.Record{}, fmt.Errorf("stocktake: read %s: %w", code, err)
	}

	patch.LastUpdatedAt = &now
	patch.LastUpdatedField = countstore.Ptr(strings.Join(fields, ","))
	if existing.PurchaseDataLoaded {
		next := existing
		patch.Apply(&next)
		patch.ComputedUsage = usageOf(next)
	}

	updated, err := store.UpdateOne(ctx, code, patch)
	if errors.Is(err, countstore.ErrNotFound) {
		return countstore.Record{}, notFoundf("product %s not in %s count", code, p)
	}
	if err != nil {
		return countstore.Record{}, fmt.Errorf("stocktake: update %s: %w", code, err)
	}

	if updated.PurchaseDataLoaded && slices.Contains(fields, FieldClosingCount) {
		s.checkUsage(id, updated)
	}
	s.events.Publish(id, EventRecordUpdated, updated)
	if edit.SessionID != "" {
		s.locks.ReleaseHeldBy(id, code, edit.SessionID)
	}
	s.logger.Debug("record updated",
		slog.String("store", id),
		slog.String("product_code", code),
		slog.String("fields", strings.Join(fields, ",")))
	return updated, nil
}

// BatchReclassify moves every listed product into group in one write.
// Unknown codes are reported, not fatal.
func (s *Service) BatchReclassify(ctx context.Context, rawStore string, codes []string, group string) (ReclassifyResult, error) {
	id, p, now, err := s.active(rawStore)
	if err != nil {
		return ReclassifyResult{}, err
	}
	group = strings.TrimSpace(group)
	if group == "" || group == PendingClassGroup {
		return ReclassifyResult{}, validationf("class group must name a real group")
	}
	store := s.stores.Store(p.Key(id), countstore.Permanent)
	records, err := store.FindAll(ctx)
	if err != nil {
		return ReclassifyResult{}, fmt.Errorf("stocktake: read records: %w", err)
	}
	known := make(map[string]struct{}, len(records))
	for _, rec := range records {
		known[rec.ProductCode] = struct{}{}
	}

	out := ReclassifyResult{Unknown: []string{}}
	seen := make(map[string]struct{}, len(codes))
	ops := make([]countstore.WriteOp, 0, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if _, dup := seen[code]; dup || code == "" {
			continue
		}
		seen[code] = struct{}{}
		if _, ok := known[code]; !ok {
			out.Unknown = append(out.Unknown, code)
			continue
		}
		ops = append(ops, countstore.WriteOp{ProductCode: code, Patch: countstore.Patch{
			ClassGroup:       &group,
			LastUpdatedAt:    &now,
			LastUpdatedField: countstore.Ptr(FieldClassGroup),
		}})
	}
	if err := store.BulkWrite(ctx, ops); err != nil {
		return ReclassifyResult{}, fmt.Errorf("stocktake: reclassify: %w", err)
	}
	out.Updated = len(ops)
	if out.Updated > 0 {
		s.events.Publish(id, EventRecordsReloaded, map[string]any{"field": FieldClassGroup, "count": out.Updated})
	}
	return out, nil
}

// MarkCountCompleted flags every record of the active period as counted.
func (s *Service) MarkCountCompleted(ctx context.Context, rawStore string) (int, error) {
	id, p, now, err := s.active(rawStore)
	if err != nil {
		return 0, err
	}
	store := s.stores.Store(p.Key(id), countstore.Permanent)
	records, err := store.FindAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("stocktake: read records: %w", err)
	}
	if len(records) == 0 {
		return 0, notFoundf("no established count for %s", p)
	}
	ops := make([]countstore.WriteOp, 0, len(records))
	for _, rec := range records {
		ops = append(ops, countstore.WriteOp{ProductCode: rec.ProductCode, Patch: countstore.Patch{
			CountCompleted:   countstore.Ptr(true),
			LastUpdatedAt:    &now,
			LastUpdatedField: countstore.Ptr(FieldCompleted),
		}})
	}
	if err := store.BulkWrite(ctx, ops); err != nil {
		return 0, fmt.Errorf("stocktake: mark completed: %w", err)
	}
	s.events.Publish(id, EventRecordsReloaded, map[string]any{"field": FieldCompleted, "count": len(ops)})
	return len(ops), nil
}

// ListRecords returns the permanent records of the active period.
func (s *Service) ListRecords(ctx context.Context, rawStore string) ([]countstore.Record, error) {
	id, p, _, err := s.active(rawStore)
	if err != nil {
		return nil, err
	}
	records, err := s.stores.Store(p.Key(id), countstore.Permanent).FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("stocktake: read records: %w", err)
	}
	return records, nil
}

// checkUsage publishes an advisory warning for implausible usage.
func (s *Service) checkUsage(storeID string, rec countstore.Record) {
	usage, ok := rec.Usage()
	if !ok {
		return
	}
	var (
		event   string
		message string
	)
	switch {
	case usage.IsNegative():
		event, message = EventUsageNegative, "usage is negative, check the counted quantity"
	case s.cfg.HighUsageThreshold.IsPositive() && usage.GreaterThan(s.cfg.HighUsageThreshold):
		event, message = EventUsageHigh, "usage is unusually high, check the counted quantity"
	default:
		return
	}
	s.metrics.RecordAnomaly(event)
	s.logger.Warn("usage anomaly",
		slog.String("store", storeID),
		slog.String("product_code", rec.ProductCode),
		slog.String("usage", usage.String()),
		slog.String("kind", event))
	s.events.Publish(storeID, event, AnomalyWarning{
		ProductCode: rec.ProductCode,
		ProductName: rec.ProductName,
		Usage:       usage.String(),
		Message:     message,
	})
}

// usageOf returns the usage cache value for rec, null without a closing count.
func usageOf(rec countstore.Record) *decimal.NullDecimal {
	usage, ok := rec.Usage()
	if !ok {
		return &decimal.NullDecimal{}
	}
	return countstore.Ptr(decimal.NewNullDecimal(usage))
}
