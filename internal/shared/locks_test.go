package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestCycleLockKey(t *testing.T) {
	require.Equal(t, "stocktake:cycle:202403taipei:lock", CycleLockKey("202403taipei"))
}

func TestRedisLockerExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisLocker(client, time.Minute)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "k")
	require.ErrorIs(t, err, ErrLockBusy)

	other, err := locker.Acquire(ctx, "other")
	require.NoError(t, err)
	other()

	release()
	again, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	again()
}

func TestLocalLockerExclusive(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	_, err = locker.Acquire(ctx, "k")
	require.ErrorIs(t, err, ErrLockBusy)

	release()
	release()
	again, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	again()
}
