package stocktake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odyssey-erp/stocktake/internal/archive"
	"github.com/odyssey-erp/stocktake/internal/countstore"
	"github.com/odyssey-erp/stocktake/internal/period"
)

// BeginResult reports the outcome of BeginCycle.
type BeginResult struct {
	Period       string              `json:"period"`
	State        CycleState          `json:"state"`
	Staged       int                 `json:"staged"`
	CarriedOver  int                 `json:"carriedOver"`
	NeedingSetup []countstore.Record `json:"needingSetup"`
}

// Completion is an operator's classification of one pending record.
type Completion struct {
	ProductCode string `json:"productCode"`
	ClassGroup  string `json:"classGroup"`
	Vendor      string `json:"vendor"`
	Disabled    *bool  `json:"disabled,omitempty"`
}

// CompleteResult reports the outcome of CompleteSetup.
type CompleteResult struct {
	Period   string     `json:"period"`
	State    CycleState `json:"state"`
	Applied  int        `json:"applied"`
	Skipped  int        `json:"skipped"`
	Promoted int        `json:"promoted"`
}

// CycleStatus describes where a store is in the current cycle.
type CycleStatus struct {
	StoreID string     `json:"storeId"`
	Period  string     `json:"period"`
	State   CycleState `json:"state"`
	Records int        `json:"records"`
	Pending int        `json:"pending"`
}

// ArchiveResult reports where an archived cycle went.
type ArchiveResult struct {
	Period  string          `json:"period"`
	Records int             `json:"records"`
	Receipt archive.Receipt `json:"receipt"`
}

// BeginCycle starts the count of the active period: the catalog is merged
// against the prior period and staged. Without pending items the staged set
// is promoted right away. An empty catalog writes nothing and leaves the
// cycle NOT_STARTED.
func (s *Service) BeginCycle(ctx context.Context, rawStore string) (BeginResult, error) {
	id, p, now, err := s.active(rawStore)
	if err != nil {
		return BeginResult{}, err
	}
	key := p.Key(id)

	var out BeginResult
	err = s.exclusive(ctx, key, func() error {
		permanent := s.stores.Store(key, countstore.Permanent)
		n, err := permanent.Count(ctx)
		if err != nil {
			return fmt.Errorf("stocktake: count %s: %w", key.StoreName(), err)
		}
		if n > 0 {
			return conflictf("count for %s already established; clear it before starting again", p)
		}

		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.CatalogTimeout)
		rows, err := s.catalog.Fetch(fetchCtx, id, now)
		cancel()
		if err != nil {
			upstream := &Error{Kind: ErrUpstream, Message: "catalog source unavailable, try again later"}
			return fmt.Errorf("stocktake: fetch catalog: %w: %w", upstream, err)
		}

		prior, err := s.stores.Store(p.PriorKey(id), countstore.Permanent).FindAll(ctx)
		if err != nil {
			return fmt.Errorf("stocktake: read prior period: %w", err)
		}

		merged := Merge(rows, prior, MergeOptions{
			ReferenceDate:        period.ReferenceDate(now),
			Vendors:              s.cfg.Vendors,
			DiscontinuedKeywords: s.cfg.DiscontinuedKeywords,
		})

		staging := s.stores.Store(key, countstore.Staging)
		if err := staging.DropIfExists(ctx); err != nil {
			return fmt.Errorf("stocktake: drop old staging: %w", err)
		}
		if len(merged.Staged) == 0 {
			// Nothing reported for the store yet; a later begin may retry.
			out = BeginResult{Period: p.String(), State: StateNotStarted, NeedingSetup: []countstore.Record{}}
			return nil
		}
		if err := staging.InsertMany(ctx, merged.Staged); err != nil {
			return fmt.Errorf("stocktake: stage records: %w", err)
		}

		out = BeginResult{
			Period:       p.String(),
			State:        StateStaging,
			Staged:       len(merged.Staged),
			CarriedOver:  merged.CarriedOver,
			NeedingSetup: merged.NeedingSetup,
		}
		if out.NeedingSetup == nil {
			out.NeedingSetup = []countstore.Record{}
		}
		if len(merged.NeedingSetup) == 0 {
			if _, err := s.promote(ctx, key); err != nil {
				return err
			}
			out.State = StatePromoted
		}
		return nil
	})
	s.metrics.RecordCycle("begin", string(StatusOf(err)))
	if err != nil {
		return BeginResult{}, err
	}

	s.logger.Info("cycle begun",
		slog.String("store", id),
		slog.String("period", out.Period),
		slog.Int("staged", out.Staged),
		slog.Int("carried_over", out.CarriedOver),
		slog.Int("needing_setup", len(out.NeedingSetup)),
		slog.String("state", string(out.State)))
	s.publishState(id, p, out.State)
	return out, nil
}

// CompleteSetup applies classifications to the staged set and promotes it.
// Completions missing a code or class group, or naming an unknown code, are
// skipped. Promotion is refused while anything is still pending.
func (s *Service) CompleteSetup(ctx context.Context, rawStore string, completions []Completion) (CompleteResult, error) {
	id, p, _, err := s.active(rawStore)
	if err != nil {
		return CompleteResult{}, err
	}
	key := p.Key(id)
	logger := s.logger.With(slog.String("store", id), slog.String("period", p.String()))

	out := CompleteResult{Period: p.String(), State: StateStaging}
	err = s.exclusive(ctx, key, func() error {
		staging := s.stores.Store(key, countstore.Staging)
		exists, err := staging.Exists(ctx)
		if err != nil {
			return fmt.Errorf("stocktake: check staging: %w", err)
		}
		if !exists {
			return notFoundf("no staged cycle for %s", p)
		}

		for _, c := range completions {
			code := strings.TrimSpace(c.ProductCode)
			group := strings.TrimSpace(c.ClassGroup)
			if code == "" || group == "" || group == PendingClassGroup {
				logger.Warn("completion skipped: code and class group required", slog.String("product_code", code))
				out.Skipped++
				continue
			}
			patch := countstore.Patch{ClassGroup: &group}
			if vendor := strings.TrimSpace(c.Vendor); vendor != "" {
				patch.Vendor = &vendor
			}
			patch.Disabled = c.Disabled
			if _, err := staging.UpdateOne(ctx, code, patch); err != nil {
				if errors.Is(err, countstore.ErrNotFound) {
					logger.Warn("completion skipped: unknown product", slog.String("product_code", code))
					out.Skipped++
					continue
				}
				return fmt.Errorf("stocktake: apply completion %s: %w", code, err)
			}
			out.Applied++
		}

		promoted, err := s.promote(ctx, key)
		if err != nil {
			return err
		}
		out.Promoted = promoted
		out.State = StatePromoted
		return nil
	})
	s.metrics.RecordCycle("complete", string(StatusOf(err)))
	if err != nil {
		return out, err
	}

	logger.Info("setup completed",
		slog.Int("applied", out.Applied),
		slog.Int("skipped", out.Skipped),
		slog.Int("promoted", out.Promoted))
	s.publishState(id, p, StatePromoted)
	return out, nil
}

// promote moves the staged set into the permanent store. It must run under
// the cycle lock.
func (s *Service) promote(ctx context.Context, key countstore.Key) (int, error) {
	staging := s.stores.Store(key, countstore.Staging)
	records, err := staging.FindAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("stocktake: read staging: %w", err)
	}
	records = dedupeByCode(records)

	var pending []string
	for i := range records {
		if records[i].Vendor == "" {
			records[i].Vendor = UnassignedVendor
		}
		if isPending(records[i]) {
			pending = append(pending, records[i].ProductCode)
		}
	}
	if len(pending) > 0 {
		return 0, fmt.Errorf("stocktake: promote %s: %w", key.StoreName(), &PendingError{Codes: pending})
	}

	if err := s.stores.Store(key, countstore.Permanent).ReplaceAll(ctx, records); err != nil {
		return 0, fmt.Errorf("stocktake: promote %s: %w", key.StoreName(), err)
	}
	if err := staging.DropIfExists(ctx); err != nil {
		return 0, fmt.Errorf("stocktake: drop staging: %w", err)
	}
	return len(records), nil
}

// CycleStatus reports the state of the active period.
func (s *Service) CycleStatus(ctx context.Context, rawStore string) (CycleStatus, error) {
	id, p, _, err := s.active(rawStore)
	if err != nil {
		return CycleStatus{}, err
	}
	key := p.Key(id)
	out := CycleStatus{StoreID: id, Period: p.String(), State: StateNotStarted}

	staging := s.stores.Store(key, countstore.Staging)
	exists, err := staging.Exists(ctx)
	if err != nil {
		return CycleStatus{}, fmt.Errorf("stocktake: check staging: %w", err)
	}
	if exists {
		records, err := staging.FindAll(ctx)
		if err != nil {
			return CycleStatus{}, fmt.Errorf("stocktake: read staging: %w", err)
		}
		out.Records = len(records)
		out.Pending = len(pendingOf(records))
		out.State = StateStagingComplete
		if out.Pending > 0 {
			out.State = StateStaging
		}
		return out, nil
	}

	permanent := s.stores.Store(key, countstore.Permanent)
	exists, err = permanent.Exists(ctx)
	if err != nil {
		return CycleStatus{}, fmt.Errorf("stocktake: check permanent: %w", err)
	}
	if exists {
		n, err := permanent.Count(ctx)
		if err != nil {
			return CycleStatus{}, fmt.Errorf("stocktake: count permanent: %w", err)
		}
		// An empty permanent store does not block BeginCycle, so it is not
		// an established count either.
		if n > 0 {
			out.Records = n
			out.State = StatePromoted
		}
	}
	return out, nil
}

// PendingItems lists the staged records still awaiting classification.
func (s *Service) PendingItems(ctx context.Context, rawStore string) ([]countstore.Record, error) {
	id, p, _, err := s.active(rawStore)
	if err != nil {
		return nil, err
	}
	staging := s.stores.Store(p.Key(id), countstore.Staging)
	exists, err := staging.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("stocktake: check staging: %w", err)
	}
	if !exists {
		return nil, notFoundf("no staged cycle for %s", p)
	}
	records, err := staging.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("stocktake: read staging: %w", err)
	}
	return pendingOf(records), nil
}

// ArchiveTarget selects the period ArchiveCycle exports.
type ArchiveTarget string

const (
	// ArchiveActive exports the period that is open right now.
	ArchiveActive ArchiveTarget = "active"
	// ArchivePrior exports the period before it, once the active count is
	// established and no longer needs it for carry-forward.
	ArchivePrior ArchiveTarget = "prior"
)

// ParseArchiveTarget reads a target name. Empty selects ArchiveActive.
func ParseArchiveTarget(raw string) (ArchiveTarget, error) {
	switch target := ArchiveTarget(strings.ToLower(strings.TrimSpace(raw))); target {
	case "":
		return ArchiveActive, nil
	case ArchiveActive, ArchivePrior:
		return target, nil
	default:
		return "", validationf("unknown archive period %q, use %q or %q", raw, ArchiveActive, ArchivePrior)
	}
}

// ArchiveCycle exports the targeted period and removes it from the live
// store. Nothing is removed unless the sink acknowledged the snapshot.
func (s *Service) ArchiveCycle(ctx context.Context, rawStore string, target ArchiveTarget) (ArchiveResult, error) {
	target, err := ParseArchiveTarget(string(target))
	if err != nil {
		return ArchiveResult{}, err
	}
	id, active, now, err := s.active(rawStore)
	if err != nil {
		return ArchiveResult{}, err
	}
	if s.archive == nil {
		return ArchiveResult{}, errors.New("stocktake: archive sink not configured")
	}

	var out ArchiveResult
	archiveOne := func(p period.Period) error {
		key := p.Key(id)
		return s.exclusive(ctx, key, func() error {
			permanent := s.stores.Store(key, countstore.Permanent)
			records, err := permanent.FindAll(ctx)
			if err != nil {
				return fmt.Errorf("stocktake: read %s: %w", key.StoreName(), err)
			}
			if len(records) == 0 {
				return notFoundf("nothing to archive for %s", p)
			}
			receipt, err := s.archive.Put(ctx, archive.Snapshot{
				StoreID:   id,
				Period:    p.String(),
				StoreName: key.StoreName(),
				CreatedAt: now,
				Records:   records,
			})
			if err != nil {
				return fmt.Errorf("stocktake: archive %s: %w", key.StoreName(), err)
			}
			if err := s.dropPeriod(ctx, key); err != nil {
				return err
			}
			out = ArchiveResult{Period: p.String(), Records: len(records), Receipt: receipt}
			return nil
		})
	}

	switch target {
	case ArchivePrior:
		// The active lock keeps a clear and re-begin from reading the prior
		// period while it is being dropped.
		err = s.exclusive(ctx, active.Key(id), func() error {
			n, err := s.stores.Store(active.Key(id), countstore.Permanent).Count(ctx)
			if err != nil {
				return fmt.Errorf("stocktake: count %s: %w", active.Key(id).StoreName(), err)
			}
			if n == 0 {
				return conflictf("establish the %s count before archiving %s", active, active.Previous())
			}
			return archiveOne(active.Previous())
		})
	default:
		err = archiveOne(active)
	}
	s.metrics.RecordCycle("archive", string(StatusOf(err)))
	if err != nil {
		return ArchiveResult{}, err
	}

	s.logger.Info("cycle archived",
		slog.String("store", id),
		slog.String("period", out.Period),
		slog.String("target", string(target)),
		slog.Int("records", out.Records),
		slog.String("location", out.Receipt.Location))
	if target == ArchiveActive {
		s.publishState(id, active, StateNotStarted)
	}
	return out, nil
}

// ClearCycle discards both stores of the active period without exporting.
func (s *Service) ClearCycle(ctx context.Context, rawStore string) error {
	id, p, _, err := s.active(rawStore)
	if err != nil {
		return err
	}
	key := p.Key(id)
	err = s.exclusive(ctx, key, func() error {
		return s.dropPeriod(ctx, key)
	})
	s.metrics.RecordCycle("clear", string(StatusOf(err)))
	if err != nil {
		return err
	}
	s.logger.Warn("cycle cleared", slog.String("store", id), slog.String("period", p.String()))
	s.publishState(id, p, StateNotStarted)
	return nil
}

func (s *Service) dropPeriod(ctx context.Context, key countstore.Key) error {
	for _, kind := range []countstore.Kind{countstore.Permanent, countstore.Staging} {
		if err := s.stores.Store(key, kind).DropIfExists(ctx); err != nil {
			return fmt.Errorf("stocktake: drop %s: %w", key.Name(kind), err)
		}
	}
	return nil
}

func pendingOf(records []countstore.Record) []countstore.Record {
	out := make([]countstore.Record, 0)
	for _, rec := range records {
		if isPending(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// dedupeByCode keeps the last record per code, ordered by code.
func dedupeByCode(records []countstore.Record) []countstore.Record {
	index := make(map[string]int, len(records))
	out := make([]countstore.Record, 0, len(records))
	for _, rec := range records {
		if i, ok := index[rec.ProductCode]; ok {
			out[i] = rec
			continue
		}
		index[rec.ProductCode] = len(out)
		out = append(out, rec)
	}
	sortByCode(out)
	return out
}
