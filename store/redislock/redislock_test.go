package redislock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/harvest-ledger/ledger"
	"github.com/warp/harvest-ledger/store/redislock"
)

func newLocker(t *testing.T) (*redislock.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	lk := redislock.New(client)
	lk.AcquireTimeout = 50 * time.Millisecond
	lk.PollInterval = 5 * time.Millisecond
	return lk, mr
}

func TestAcquire_ExclusivePerBatch(t *testing.T) {
	ctx := context.Background()
	lk, mr := newLocker(t)

	lease, err := lk.Acquire(ctx, "B1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:batch:B1"))

	_, err = lk.Acquire(ctx, "B1", time.Minute)
	assert.ErrorIs(t, err, ledger.ErrContendedWrite)
	assert.True(t, ledger.IsRetryable(err))

	other, err := lk.Acquire(ctx, "B2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("lock:batch:B1"))
}

func TestAcquire_KeyCarriesTTL(t *testing.T) {
	lk, mr := newLocker(t)

	_, err := lk.Acquire(context.Background(), "B1", 30*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, mr.TTL("lock:batch:B1"))
}

func TestRelease_DoesNotFreeSomeoneElsesLease(t *testing.T) {
	ctx := context.Background()
	lk, mr := newLocker(t)

	// GIVEN: a lease that expired and was taken over
	stale, err := lk.Acquire(ctx, "B1", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := lk.Acquire(ctx, "B1", time.Minute)
	require.NoError(t, err)

	// WHEN: the stale holder releases
	require.NoError(t, stale.Release(ctx))

	// THEN: the new holder still owns the batch
	assert.True(t, mr.Exists("lock:batch:B1"))
	require.NoError(t, fresh.Release(ctx))
	assert.False(t, mr.Exists("lock:batch:B1"))
}

func TestAcquire_CancelledContext(t *testing.T) {
	lk, _ := newLocker(t)
	lk.AcquireTimeout = time.Minute

	_, err := lk.Acquire(context.Background(), "B1", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lk.Acquire(ctx, "B1", time.Minute)
	assert.ErrorIs(t, err, ledger.ErrContendedWrite)
}

func TestAcquire_RedisDown(t *testing.T) {
	lk, mr := newLocker(t)
	mr.Close()

	_, err := lk.Acquire(context.Background(), "B1", time.Minute)
	assert.True(t, ledger.IsUnavailable(err))
}
