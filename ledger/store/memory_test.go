package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/harvest-ledger/ledger"
	"github.com/warp/harvest-ledger/ledger/store"
)

func harvestTx() ledger.Transaction {
	return ledger.Transaction{
		ID: "h1", BatchID: "B1", Type: ledger.TxHarvest, From: "F", To: "F",
		Quantity: decimal.NewFromInt(100), Price: decimal.NewFromInt(50),
		Timestamp: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), IPFSHash: "QmH",
	}
}

func TestMemory_AppendRequiresNextSequence(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateBatch(ctx, ledger.BatchMetadata{BatchID: "B1"}, harvestTx()))

	err := mem.AppendTransaction(ctx, "B1", ledger.Transaction{ID: "t2", BatchID: "B1", Sequence: 2})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	err = mem.AppendTransaction(ctx, "B1", ledger.Transaction{ID: "t1", BatchID: "B1", Sequence: 1})
	assert.NoError(t, err)

	err = mem.AppendTransaction(ctx, "B1", ledger.Transaction{ID: "t1b", BatchID: "B1", Sequence: 1})
	assert.ErrorIs(t, err, ledger.ErrConflict, "a racing writer cannot take the same position")
}

func TestMemory_DuplicateBatch(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateBatch(ctx, ledger.BatchMetadata{BatchID: "B1"}, harvestTx()))

	err := mem.CreateBatch(ctx, ledger.BatchMetadata{BatchID: "B1"}, harvestTx())
	assert.ErrorIs(t, err, ledger.ErrDuplicateHarvest)
}

func TestMemory_NotarizationJoinedOnRead(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateBatch(ctx, ledger.BatchMetadata{BatchID: "B1"}, harvestTx()))

	pending, err := mem.Unnotarized(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, mem.RecordNotarization(ctx, "h1", "0xfeed"))
	require.NoError(t, mem.RecordNotarization(ctx, "h1", "0xother"), "second record is a no-op")

	txs, err := mem.GetChain(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", txs[0].BlockchainHash)

	byAddr, err := mem.FindByContentAddress(ctx, "QmH")
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", byAddr.BlockchainHash)

	pending, err = mem.Unnotarized(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemory_UnknownBatch(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	_, err := mem.GetChain(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrBatchNotFound)
	_, err = mem.GetBatchMetadata(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrBatchNotFound)
	_, err = mem.FindByContentAddress(ctx, "QmNope")
	assert.ErrorIs(t, err, ledger.ErrBatchNotFound)
}

// =============================================================================
// LOCKER
// =============================================================================

func TestLocker_ExclusivePerBatch(t *testing.T) {
	ctx := context.Background()
	locker := store.NewLocker()
	locker.AcquireTimeout = 20 * time.Millisecond

	lease, err := locker.Acquire(ctx, "B1", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "B1", time.Minute)
	assert.ErrorIs(t, err, ledger.ErrContendedWrite)

	other, err := locker.Acquire(ctx, "B2", time.Minute)
	require.NoError(t, err, "other batches are independent")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	again, err := locker.Acquire(ctx, "B1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocker_ExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	locker := store.NewLocker()

	stale, err := locker.Acquire(ctx, "B1", 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	fresh, err := locker.Acquire(ctx, "B1", time.Minute)
	require.NoError(t, err)

	// The stale holder releasing must not free the new lease.
	require.NoError(t, stale.Release(ctx))
	assert.True(t, locker.Held("B1"))
	require.NoError(t, fresh.Release(ctx))
	assert.False(t, locker.Held("B1"))
}

func TestLocker_WaitsForRelease(t *testing.T) {
	ctx := context.Background()
	locker := store.NewLocker()

	lease, err := locker.Acquire(ctx, "B1", time.Minute)
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		lease.Release(ctx)
	}()

	next, err := locker.Acquire(ctx, "B1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, next.Release(ctx))
}
