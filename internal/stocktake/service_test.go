package stocktake

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stocktake/internal/archive"
	"github.com/odyssey-erp/stocktake/internal/catalog"
	"github.com/odyssey-erp/stocktake/internal/countstore"
	"github.com/odyssey-erp/stocktake/internal/shared"
)

const testStore = "taipei"

var (
	// 2024-03-20 falls in the March period; February is the prior one.
	testNow     = time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC)
	marchKey    = countstore.Key{Year: 2024, Month: 3, StoreID: testStore}
	februaryKey = countstore.Key{Year: 2024, Month: 2, StoreID: testStore}
)

type recordedEvent struct {
	room    string
	event   string
	payload any
}

type eventLog struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (l *eventLog) Publish(room, event string, payload any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, recordedEvent{room: room, event: event, payload: payload})
}

func (l *eventLog) named(event string) []recordedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []recordedEvent
	for _, e := range l.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type releaseLog struct {
	calls []string
}

func (r *releaseLog) ReleaseHeldBy(storeID, code, session string) bool {
	r.calls = append(r.calls, storeID+"/"+code+"/"+session)
	return true
}

type memorySink struct {
	snapshots []archive.Snapshot
	err       error
}

func (m *memorySink) Put(_ context.Context, snap archive.Snapshot) (archive.Receipt, error) {
	if m.err != nil {
		return archive.Receipt{}, m.err
	}
	m.snapshots = append(m.snapshots, snap)
	return archive.Receipt{Location: "memory", Objects: []string{snap.StoreName}}, nil
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string) (func(), error) {
	return nil, shared.ErrLockBusy
}

type fixture struct {
	svc    *Service
	stores *countstore.Memory
	events *eventLog
	locks  *releaseLog
	sink   *memorySink
}

func newFixture(t *testing.T, source catalog.Source) *fixture {
	t.Helper()
	f := &fixture{
		stores: countstore.NewMemory(),
		events: &eventLog{},
		locks:  &releaseLog{},
		sink:   &memorySink{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(f.stores, source, f.sink, nil, ServiceConfig{
		HighUsageThreshold: decimal.NewFromInt(100),
		CatalogTimeout:     time.Second,
	}, logger)
	f.svc.SetPublisher(f.events)
	f.svc.SetLockReleaser(f.locks)
	f.svc.WithNow(func() time.Time { return testNow })
	return f
}

func (f *fixture) seed(t *testing.T, key countstore.Key, kind countstore.Kind, records ...countstore.Record) {
	t.Helper()
	require.NoError(t, f.stores.Store(key, kind).InsertMany(context.Background(), records))
}

func (f *fixture) record(t *testing.T, code string) countstore.Record {
	t.Helper()
	rec, err := f.stores.Store(marchKey, countstore.Permanent).FindByCode(context.Background(), code)
	require.NoError(t, err)
	return rec
}

func TestBeginCycleFirstTimeCountStagesEverything(t *testing.T) {
	f := newFixture(t, catalog.Static{{ProductCode: "A"}, {ProductCode: "B"}})
	ctx := context.Background()

	res, err := f.svc.BeginCycle(ctx, testStore)
	require.NoError(t, err)
	require.Equal(t, "2024-03", res.Period)
	require.Equal(t, StateStaging, res.State)
	require.Len(t, res.NeedingSetup, 2)
	require.Equal(t, "2024-03-20", res.NeedingSetup[0].CountDate)

	status, err := f.svc.CycleStatus(ctx, testStore)
	require.NoError(t, err)
	require.Equal(t, StateStaging, status.State)
	require.Equal(t, 2, status.Pending)

	pending, err := f.svc.PendingItems(ctx, testStore)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.Len(t, f.events.named(EventCycleState), 1)
}

func TestBeginCycleCleanCarryForwardPromotesImmediately(t *testing.T) {
	f := newFixture(t, catalog.Static{{ProductCode: "A"}, {ProductCode: "B"}})
	f.seed(t, februaryKey, countstore.Permanent,
		countstore.Record{ProductCode: "A", ClassGroup: "dry", Vendor: "V", ClosingCount: closing(4)},
		countstore.Record{ProductCode: "B", ClassGroup: "cold", Vendor: "W"},
	)
	ctx := context.Background()

	res, err := f.svc.BeginCycle(ctx, testStore)
	require.NoError(t, err)
	require.Equal(t, StatePromoted, res.State)
	require.Empty(t, res.NeedingSetup)
	require.Equal(t, 2, res.CarriedOver)

	a := f.record(t, "A")
	require.True(t, a.OpeningCount.Equal(decimal.NewFromInt(4)))
	require.True(t, f.record(t, "B").OpeningCount.IsZero())

	exists, err := f.stores.Store(marchKey, countstore.Staging).Exists(ctx)
	require.NoError(t, err)
	require.False(t, exists)

	status, err := f.svc.CycleStatus(ctx, testStore)
	require.NoError(t, err)
	require.Equal(t, StatePromoted, status.State)
	require.Equal(t, 2, status.Records)
}

func TestBeginCycleRejectsEstablishedCount(t *testing.T) {
	f := newFixture(t, catalog.Static{{ProductCode: "A"}})
	f.seed(t, marchKey, countstore.Permanent, countstore.Record{ProductCode: "A", ClassGroup: "dry"})

	_, err := f.svc.BeginCycle(context.Background(), testStore)
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, StatusConflict, StatusOf(err))
}

func TestBeginCycleCatalogFailureWritesNothing(t *testing.T) {
	failing := catalog.SourceFunc(func(context.Context, string, time.Time) ([]catalog.Row, error) {
		return nil, catalog.ErrUpstream
	})
	f := newFixture(t, failing)
	f.seed(t, marchKey, countstore.Staging, countstore.Record{ProductCode: "OLD", ClassGroup: PendingClassGroup})
	ctx := context.Background()

	_, err := f.svc.BeginCycle(ctx, testStore)
	require.ErrorIs(t, err, ErrUpstream)
	require.Equal(t, StatusUpstream, StatusOf(err))

	rows, err := f.stores.Store(marchKey, countstore.Staging).FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "OLD", rows[0].ProductCode)
}

func TestBeginCycleEmptyCatalogStaysNotStarted(t *testing.T) {
	f := newFixture(t, catalog.Static{})
	ctx := context.Background()

	res, err := f.svc.BeginCycle(ctx, testStore)
	require.NoError(t, err)
	require.Equal(t, StateNotStarted, res.State)
	require.Zero(t, res.Staged)
	for _, kind := range []countstore.Kind{countstore.Permanent, countstore.Staging} {
		exists, err := f.stores.Store(marchKey, kind).Exists(ctx)
		require.NoError(t, err)
		require.False(t, exists)
	}

	f.seed(t, marchKey, countstore.Permanent)
	status, err := f.svc.CycleStatus(ctx, testStore)
	require.NoError(t, err)
	require.Equal(t, StateNotStarted, status.State)

	_, err = f.svc.BeginCycle(ctx, testStore)
	require.NoError(t, err)
}

func TestBeginCycleRejectsMissingStore(t *testing.T) {
	f := newFixture(t, catalog.Static{})
	for _, id := range []string{"", "  ", "notStart", "../x"} {
		_, err := f.svc.BeginCycle(context.Background(), id)
		require.ErrorIs(t, err, ErrValidation, id)
	}
}

func TestCycleLockBusyIsConflict(t *testing.T) {
	f := newFixture(t, catalog.Static{{ProductCode: "A"}})
	f.svc.guard = busyLocker{}

	_, err := f.svc.BeginCycle(context.Background(), testStore)
	require.ErrorIs(t, err, ErrConflict)
	require.ErrorIs(t, f.svc.ClearCycle(context.Background(), testStore), ErrConflict)
}

func TestCompleteSetupBlocksWhilePending(t *testing.T) {
	f := newFixture(t, catalog.Static{{ProductCode: "A"}, {ProductCode: "B"}})
	ctx := context.Background()
	_, err := f.svc.BeginCycle(ctx, testStore)
	require.NoError(t, err)

	res, err := f.svc.CompleteSetup(ctx, testStore, []Completion{
		{ProductCode: "A", ClassGroup: "dry", Vendor: "V1"},
		{ProductCode: "", ClassGroup: "dry"},
		{ProductCode: "ZZZ", ClassGroup: "dry"},
	})
	var pendingErr *PendingError
	require.ErrorAs(t, err, &pendingErr)
	require.Equal(t, []string{"B"}, pendingErr.Codes)
	require.Equal(t, StatusValidation, StatusOf(err))
	require.Equal(t, 1, res.Applied)
	require.Equal(t, 2, res.Skipped)

	exists, err := f.stores.Store(marchKey, countstore.Permanent).Exists(ctx)
	require.NoError(t, err)
	require.False(t, exists)

	pending, err := f.svc.PendingItems(ctx, testStore)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "B", pending[0].ProductCode)
}

func TestCompleteSetupPromotesWithoutPending(t *testing.T) {
	f := newFixture(t, catalog.Static{{ProductCode: "A"}, {ProductCode: "B"}})
	ctx := context.Background()
	_, err := f.svc.BeginCycle(ctx, testStore)
	require.NoError(t, err)

	disabled := true
	res, err := f.svc.CompleteSetup(ctx, testStore, []Completion{
		{ProductCode: "A", ClassGroup: "dry", Vendor: "V1"},
		{ProductCode: "B", ClassGroup: "cold", Disabled: &disabled},
	})
	require.NoError(t, err)
	require.Equal(t, StatePromoted, res.State)
	require.Equal(t, 2, res.Promoted)

	records, err := f.svc.ListRecords(ctx, testStore)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		require.NotEqual(t, PendingClassGroup, rec.ClassGroup)
	}
	require.Equal(t, "V1", records[0].Vendor)
	require.Equal(t, UnassignedVendor, records[1].Vendor)
	require.True(t, records[1].Disabled)

	exists, err := f.stores.Store(marchKey, countstore.Staging).Exists(ctx)
	require.NoError(t, err)
	require.False(t, exists)

	_, err = f.svc.CompleteSetup(ctx, testStore, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateClosingCountIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, marchKey, countstore.Permanent, countstore.Record{ProductCode: "A", ClassGroup: "dry"})
	ctx := context.Background()
	edit := Edit{StoreID: testStore, ProductCode: "A", SessionID: "s1"}

	first, err := f.svc.UpdateClosingCount(ctx, edit, decimal.NewFromInt(9))
	require.NoError(t, err)
	second, err := f.svc.UpdateClosingCount(ctx, edit, decimal.NewFromInt(9))
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, FieldClosingCount, second.LastUpdatedField)
	require.False(t, second.ComputedUsage.Valid)

	require.Len(t, f.events.named(EventRecordUpdated), 2)
	require.Equal(t, []string{"taipei/A/s1", "taipei/A/s1"}, f.locks.calls)
}

func TestUpdateClosingCountRejectsUnknownAndNegative(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, marchKey, countstore.Permanent, countstore.Record{ProductCode: "A"})
	ctx := context.Background()

	_, err := f.svc.UpdateClosingCount(ctx, Edit{StoreID: testStore, ProductCode: "missing"}, decimal.NewFromInt(1))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.UpdateClosingCount(ctx, Edit{StoreID: testStore, ProductCode: "A"}, decimal.NewFromInt(-1))
	require.ErrorIs(t, err, ErrValidation)
}

func TestNegativeUsagePublishesAnomaly(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, marchKey, countstore.Permanent, countstore.Record{
		ProductCode:        "A",
		ProductName:        "Apple",
		Purchases:          decimal.NewFromInt(10),
		OpeningCount:       decimal.NewFromInt(5),
		TransferIn:         decimal.NewFromInt(2),
		TransferOut:        decimal.NewFromInt(1),
		PurchaseDataLoaded: true,
	})

	rec, err := f.svc.UpdateClosingCount(context.Background(), Edit{StoreID: testStore, ProductCode: "A"}, decimal.NewFromInt(20))
	require.NoError(t, err)
	require.True(t, rec.ComputedUsage.Valid)
	require.True(t, rec.ComputedUsage.Decimal.Equal(decimal.NewFromInt(-4)))

	anomalies := f.events.named(EventUsageNegative)
	require.Len(t, anomalies, 1)
	warning := anomalies[0].payload.(AnomalyWarning)
	require.Equal(t, "A", warning.ProductCode)
	require.Equal(t, "-4", warning.Usage)
	require.Empty(t, f.locks.calls)
}

func TestClassificationEditDoesNotRepeatAnomaly(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, marchKey, countstore.Permanent, countstore.Record{
		ProductCode:        "A",
		Purchases:          decimal.NewFromInt(1),
		ClosingCount:       closing(20),
		PurchaseDataLoaded: true,
	})
	ctx := context.Background()
	edit := Edit{StoreID: testStore, ProductCode: "A"}

	rec, err := f.svc.SetVendor(ctx, edit, "V9")
	require.NoError(t, err)
	require.Equal(t, "V9", rec.Vendor)
	_, err = f.svc.SetExpiryDate(ctx, edit, "2024-12")
	require.NoError(t, err)
	require.Empty(t, f.events.named(EventUsageNegative))
	require.Len(t, f.events.named(EventRecordUpdated), 2)

	_, err = f.svc.UpdateClosingCount(ctx, edit, decimal.NewFromInt(20))
	require.NoError(t, err)
	require.Len(t, f.events.named(EventUsageNegative), 1)
}

func TestHighUsagePublishesAnomaly(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, marchKey, countstore.Permanent, countstore.Record{
		ProductCode:        "A",
		Purchases:          decimal.NewFromInt(500),
		PurchaseDataLoaded: true,
	})

	_, err := f.svc.UpdateClosingCount(context.Background(), Edit{StoreID: testStore, ProductCode: "A"}, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.Len(t, f.events.named(EventUsageHigh), 1)
	require.Empty(t, f.events.named(EventUsageNegative))
}

func TestUpdateClassification(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, marchKey, countstore.Permanent, countstore.Record{ProductCode: "A", ClassGroup: "dry", Vendor: "V"})
	ctx := context.Background()
	edit := Edit{StoreID: testStore, ProductCode: "A"}

	rec, err := f.svc.SetDisabled(ctx, edit, true)
	require.NoError(t, err)
	require.True(t, rec.Disabled)

	rec, err = f.svc.SetExpiryDate(ctx, edit, "2024-12-31")
	require.NoError(t, err)
	require.Equal(t, "2024-12-31", rec.ExpiryDate)

	rec, err = f.svc.SetVendor(ctx, edit, " ")
	require.NoError(t, err)
	require.Equal(t, UnassignedVendor, rec.Vendor)

	rec, err = f.svc.SetClassGroup(ctx, edit, "frozen")
	require.NoError(t, err)
	require.Equal(t, "frozen", rec.ClassGroup)
	require.True(t, rec.Disabled)

	_, err = f.svc.SetClassGroup(ctx, edit, PendingClassGroup)
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.UpdateClassification(ctx, edit, ClassificationUpdate{})
	require.ErrorIs(t, err, ErrValidation)
}

func TestBatchReclassify(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, marchKey, countstore.Permanent,
		countstore.Record{ProductCode: "A", ClassGroup: "dry"},
		countstore.Record{ProductCode: "B", ClassGroup: "dry"},
		countstore.Record{ProductCode: "C", ClassGroup: "dry"},
	)

	res, err := f.svc.BatchReclassify(context.Background(), testStore, []string{"A", "C", "A", "X"}, "cold")
	require.NoError(t, err)
	require.Equal(t, 2, res.Updated)
	require.Equal(t, []string{"X"}, res.Unknown)
	require.Equal(t, "cold", f.record(t, "A").ClassGroup)
	require.Equal(t, "dry", f.record(t, "B").ClassGroup)
	require.Equal(t, "cold", f.record(t, "C").ClassGroup)
}

func TestPurchaseImportResetsAbsentCodes(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, marchKey, countstore.Permanent,
		countstore.Record{ProductCode: "A", Purchases: decimal.NewFromInt(3), ClosingCount: closing(1)},
		countstore.Record{ProductCode: "B", Purchases: decimal.NewFromInt(4)},
	)

	report, err := f.svc.BatchImportPurchases(context.Background(), testStore, []QuantityRow{
		NewQuantityRow("A", decimal.NewFromInt(5)),
		NewQuantityRow("A", decimal.NewFromInt(1)),
		NewQuantityRow("X", decimal.NewFromInt(2)),
		NewQuantityRow(" ", decimal.NewFromInt(1)),
	})
	require.NoError(t, err)
	require.Equal(t, 4, report.Rows)
	require.Equal(t, 2, report.Applied)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, 1, report.Unknown)
	require.Equal(t, []string{"X"}, report.UnknownCodes)

	a := f.record(t, "A")
	require.True(t, a.Purchases.Equal(decimal.NewFromInt(6)))
	require.True(t, a.PurchaseDataLoaded)
	require.True(t, a.ComputedUsage.Decimal.Equal(decimal.NewFromInt(5)))

	b := f.record(t, "B")
	require.True(t, b.Purchases.IsZero())
	require.True(t, b.PurchaseDataLoaded)
	require.False(t, b.ComputedUsage.Valid)
}

func TestImportSkipsMalformedQuantities(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, marchKey, countstore.Permanent,
		countstore.Record{ProductCode: "A"},
		countstore.Record{ProductCode: "B", Purchases: decimal.NewFromInt(7)},
	)

	report, err := f.svc.BatchImportPurchases(context.Background(), testStore, []QuantityRow{
		{ProductCode: "A", Quantity: json.RawMessage(`"3"`)},
		{ProductCode: "A", Quantity: json.RawMessage(`1.5`)},
		{ProductCode: "B", Quantity: json.RawMessage(`"abc"`)},
		{ProductCode: "B", Quantity: json.RawMessage(`null`)},
		{ProductCode: "B"},
	})
	require.NoError(t, err)
	require.Equal(t, 5, report.Rows)
	require.Equal(t, 2, report.Applied)
	require.Equal(t, 3, report.Skipped)
	require.Zero(t, report.Unknown)

	require.True(t, f.record(t, "A").Purchases.Equal(decimal.RequireFromString("4.5")))
	require.True(t, f.record(t, "B").Purchases.IsZero())
}

func TestTransferImport(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, marchKey, countstore.Permanent,
		countstore.Record{ProductCode: "A", TransferOut: decimal.NewFromInt(9)},
	)
	ctx := context.Background()

	_, err := f.svc.BatchImportTransfers(ctx, testStore, []QuantityRow{NewQuantityRow("A", decimal.NewFromInt(2))}, TransferIn)
	require.NoError(t, err)
	a := f.record(t, "A")
	require.True(t, a.TransferIn.Equal(decimal.NewFromInt(2)))
	require.True(t, a.TransferOut.Equal(decimal.NewFromInt(9)))
	require.False(t, a.PurchaseDataLoaded)

	_, err = f.svc.BatchImportTransfers(ctx, testStore, nil, TransferOut)
	require.NoError(t, err)
	require.True(t, f.record(t, "A").TransferOut.IsZero())

	_, err = f.svc.BatchImportTransfers(ctx, testStore, nil, Direction("sideways"))
	require.ErrorIs(t, err, ErrValidation)
}

func TestImportWithoutCountIsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.BatchImportPurchases(context.Background(), testStore, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkCountCompleted(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, marchKey, countstore.Permanent, countstore.Record{ProductCode: "A"}, countstore.Record{ProductCode: "B"})

	n, err := f.svc.MarkCountCompleted(context.Background(), testStore)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.True(t, f.record(t, "B").CountCompleted)
}

func TestArchiveCycleExportsThenDrops(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, marchKey, countstore.Permanent, countstore.Record{ProductCode: "A", ClassGroup: "dry"})
	ctx := context.Background()

	res, err := f.svc.ArchiveCycle(ctx, testStore, ArchiveActive)
	require.NoError(t, err)
	require.Equal(t, 1, res.Records)
	require.Len(t, f.sink.snapshots, 1)
	require.Equal(t, "202403taipei", f.sink.snapshots[0].StoreName)

	status, err := f.svc.CycleStatus(ctx, testStore)
	require.NoError(t, err)
	require.Equal(t, StateNotStarted, status.State)

	_, err = f.svc.ArchiveCycle(ctx, testStore, ArchiveActive)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestArchivePriorAfterNextCycleKeepsCarryForward(t *testing.T) {
	f := newFixture(t, catalog.Static{{ProductCode: "A", ProductName: "Apple"}})
	f.seed(t, februaryKey, countstore.Permanent, countstore.Record{
		ProductCode:  "A",
		ClassGroup:   "dry",
		ClosingCount: closing(4),
	})
	ctx := context.Background()

	_, err := f.svc.ArchiveCycle(ctx, testStore, ArchivePrior)
	require.ErrorIs(t, err, ErrConflict)
	require.Empty(t, f.sink.snapshots)

	begun, err := f.svc.BeginCycle(ctx, testStore)
	require.NoError(t, err)
	require.Equal(t, StatePromoted, begun.State)
	require.Equal(t, 1, begun.CarriedOver)
	a := f.record(t, "A")
	require.True(t, a.OpeningCount.Equal(decimal.NewFromInt(4)))
	require.Equal(t, "dry", a.ClassGroup)

	res, err := f.svc.ArchiveCycle(ctx, testStore, ArchivePrior)
	require.NoError(t, err)
	require.Equal(t, "2024-02", res.Period)
	require.Len(t, f.sink.snapshots, 1)
	require.Equal(t, "202402taipei", f.sink.snapshots[0].StoreName)

	exists, err := f.stores.Store(februaryKey, countstore.Permanent).Exists(ctx)
	require.NoError(t, err)
	require.False(t, exists)
	status, err := f.svc.CycleStatus(ctx, testStore)
	require.NoError(t, err)
	require.Equal(t, StatePromoted, status.State)
	require.Equal(t, "A", f.record(t, "A").ProductCode)
}

func TestParseArchiveTarget(t *testing.T) {
	target, err := ParseArchiveTarget("")
	require.NoError(t, err)
	require.Equal(t, ArchiveActive, target)
	target, err = ParseArchiveTarget(" Prior ")
	require.NoError(t, err)
	require.Equal(t, ArchivePrior, target)
	_, err = ParseArchiveTarget("last-year")
	require.ErrorIs(t, err, ErrValidation)
}

func TestArchiveFailureKeepsLiveStore(t *testing.T) {
	f := newFixture(t, nil)
	f.sink.err = errors.New("bucket unavailable")
	f.seed(t, marchKey, countstore.Permanent, countstore.Record{ProductCode: "A", ClassGroup: "dry"})

	_, err := f.svc.ArchiveCycle(context.Background(), testStore, ArchiveActive)
	require.Error(t, err)
	require.Equal(t, StatusInternal, StatusOf(err))
	require.Equal(t, "A", f.record(t, "A").ProductCode)
}

func TestClearCycleDropsBothStores(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, marchKey, countstore.Permanent, countstore.Record{ProductCode: "A"})
	f.seed(t, marchKey, countstore.Staging, countstore.Record{ProductCode: "B"})
	ctx := context.Background()

	require.NoError(t, f.svc.ClearCycle(ctx, testStore))
	for _, kind := range []countstore.Kind{countstore.Permanent, countstore.Staging} {
		exists, err := f.stores.Store(marchKey, kind).Exists(ctx)
		require.NoError(t, err)
		require.False(t, exists)
	}
}

func TestStatusOf(t *testing.T) {
	require.Equal(t, StatusOK, StatusOf(nil))
	require.Equal(t, StatusNotFound, StatusOf(countstore.ErrNotFound))
	require.Equal(t, StatusConflict, StatusOf(countstore.ErrDuplicate))
	require.Equal(t, StatusValidation, StatusOf(&PendingError{Codes: []string{"A"}}))
	require.Equal(t, StatusInternal, StatusOf(errors.New("boom")))
}
