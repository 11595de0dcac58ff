package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stocktake/internal/countstore"
	"github.com/odyssey-erp/stocktake/internal/platform/db"
)

func newAccessor(t *testing.T) *Accessor {
	t.Helper()
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := db.New(ctx, dsn, db.Options{MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	a := New(pool)
	require.NoError(t, a.Migrate(ctx))
	return a
}

func TestStoreLifecycle(t *testing.T) {
	a := newAccessor(t)
	ctx := context.Background()
	key := countstore.Key{Year: 2099, Month: 1, StoreID: "pgtest"}
	staging := a.Store(key, countstore.Staging)
	t.Cleanup(func() { _ = staging.DropIfExists(context.Background()) })
	require.NoError(t, staging.DropIfExists(ctx))

	exists, err := staging.Exists(ctx)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, staging.InsertMany(ctx, []countstore.Record{
		{ProductCode: "B", OpeningCount: decimal.NewFromInt(3)},
		{ProductCode: "A", ClassGroup: "dry"},
	}))
	err = staging.InsertMany(ctx, []countstore.Record{{ProductCode: "A"}})
	require.ErrorIs(t, err, countstore.ErrDuplicate)

	rows, err := staging.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "A", rows[0].ProductCode)
	require.True(t, rows[1].OpeningCount.Equal(decimal.NewFromInt(3)))
	require.False(t, rows[1].ClosingCount.Valid)

	rec, err := staging.UpdateOne(ctx, "B", countstore.Patch{
		ClosingCount: countstore.Ptr(decimal.NewNullDecimal(decimal.RequireFromString("1.5"))),
	})
	require.NoError(t, err)
	require.True(t, rec.ClosingCount.Decimal.Equal(decimal.RequireFromString("1.5")))

	_, err = staging.UpdateOne(ctx, "missing", countstore.Patch{Vendor: countstore.Ptr("x")})
	require.ErrorIs(t, err, countstore.ErrNotFound)

	err = staging.BulkWrite(ctx, []countstore.WriteOp{
		{ProductCode: "A", Patch: countstore.Patch{Vendor: countstore.Ptr("V")}},
		{ProductCode: "missing", Patch: countstore.Patch{Vendor: countstore.Ptr("V")}},
	})
	require.ErrorIs(t, err, countstore.ErrNotFound)
	rec, err = staging.FindByCode(ctx, "A")
	require.NoError(t, err)
	require.Empty(t, rec.Vendor)

	require.NoError(t, staging.ReplaceAll(ctx, []countstore.Record{{ProductCode: "C"}}))
	count, err := staging.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.NoError(t, staging.DropIfExists(ctx))
	exists, err = staging.Exists(ctx)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestConcurrentReplaceAllLeavesOneSet(t *testing.T) {
	a := newAccessor(t)
	ctx := context.Background()
	key := countstore.Key{Year: 2099, Month: 2, StoreID: "pgtest"}
	permanent := a.Store(key, countstore.Permanent)
	t.Cleanup(func() { _ = permanent.DropIfExists(context.Background()) })
	require.NoError(t, permanent.DropIfExists(ctx))

	sets := [][]countstore.Record{
		{{ProductCode: "A"}, {ProductCode: "B"}},
		{{ProductCode: "B"}, {ProductCode: "C"}, {ProductCode: "D"}},
	}
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		set := sets[i%len(sets)]
		g.Go(func() error { return permanent.ReplaceAll(ctx, set) })
	}
	require.NoError(t, g.Wait())

	count, err := permanent.Count(ctx)
	require.NoError(t, err)
	require.Contains(t, []int{2, 3}, count)
}
