package stocktake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stocktake/internal/archive"
	"github.com/odyssey-erp/stocktake/internal/catalog"
	"github.com/odyssey-erp/stocktake/internal/countstore"
	"github.com/odyssey-erp/stocktake/internal/period"
	"github.com/odyssey-erp/stocktake/internal/shared"
)

// Publisher fans events out to every session watching a store.
type Publisher interface {
	Publish(room, event string, payload any)
}

// LockReleaser drops an edit-lock once its holder saved the field.
type LockReleaser interface {
	ReleaseHeldBy(storeID, productCode, sessionID string) bool
}

// Recorder receives operational counters.
type Recorder interface {
	RecordAnomaly(kind string)
	RecordCycle(operation, outcome string)
}

// ServiceConfig tunes merge and anomaly behaviour.
type ServiceConfig struct {
	Vendors              VendorRules
	DiscontinuedKeywords []string
	// HighUsageThreshold flags usage above it. Zero disables the check.
	HighUsageThreshold decimal.Decimal
	CatalogTimeout     time.Duration
}

// Service orchestrates count cycles for all stores.
type Service struct {
	stores  countstore.Accessor
	catalog catalog.Source
	archive archive.Sink
	guard   shared.Locker
	cfg     ServiceConfig
	logger  *slog.Logger

	events  Publisher
	locks   LockReleaser
	metrics Recorder
	now     func() time.Time
}

// NewService constructs Service. A nil guard serializes lifecycle changes
// inside this process only.
func NewService(stores countstore.Accessor, source catalog.Source, sink archive.Sink, guard shared.Locker, cfg ServiceConfig, logger *slog.Logger) *Service {
	if guard == nil {
		guard = shared.NewLocalLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CatalogTimeout <= 0 {
		cfg.CatalogTimeout = 30 * time.Second
	}
	return &Service{
		stores:  stores,
		catalog: source,
		archive: sink,
		guard:   guard,
		cfg:     cfg,
		logger:  logger,
		events:  noopPublisher{},
		locks:   noopReleaser{},
		metrics: noopRecorder{},
		now:     time.Now,
	}
}

// SetPublisher wires the broadcast channel.
func (s *Service) SetPublisher(p Publisher) {
	if p != nil {
		s.events = p
	}
}

// SetLockReleaser wires the edit-lock coordinator.
func (s *Service) SetLockReleaser(l LockReleaser) {
	if l != nil {
		s.locks = l
	}
}

// SetRecorder wires metrics.
func (s *Service) SetRecorder(r Recorder) {
	if r != nil {
		s.metrics = r
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// active resolves the period that is open right now for store.
func (s *Service) active(raw string) (string, period.Period, time.Time, error) {
	id, err := storeID(raw)
	if err != nil {
		return "", period.Period{}, time.Time{}, err
	}
	now := s.now()
	return id, period.Resolve(now), now, nil
}

// exclusive runs fn while holding the lifecycle lock of key.
func (s *Service) exclusive(ctx context.Context, key countstore.Key, fn func() error) error {
	release, err := s.guard.Acquire(ctx, shared.CycleLockKey(key.StoreName()))
	if errors.Is(err, shared.ErrLockBusy) {
		return conflictf("another lifecycle operation is running for %s", key.StoreName())
	}
	if err != nil {
		return fmt.Errorf("stocktake: acquire cycle lock: %w", err)
	}
	defer release()
	return fn()
}

func (s *Service) publishState(storeID string, p period.Period, state CycleState) {
	s.events.Publish(storeID, EventCycleState, StateChange{Period: p.String(), State: state})
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, string, any) {}

type noopReleaser struct{}

func (noopReleaser) ReleaseHeldBy(string, string, string) bool { return false }

type noopRecorder struct{}

func (noopRecorder) RecordAnomaly(string)        {}
func (noopRecorder) RecordCycle(string, string) {}
