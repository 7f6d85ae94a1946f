package sqlite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/harvest-ledger/ledger"
	"github.com/warp/harvest-ledger/ledger/store"
	"github.com/warp/harvest-ledger/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newBuilder(st ledger.Store) *ledger.Builder {
	tick := time.Date(2026, time.June, 1, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Minute)
		return tick
	}
	return ledger.NewBuilder(st, store.NewLocker(), ledger.WithClock(clock))
}

func harvestRequest() ledger.HarvestRequest {
	score := decimal.RequireFromString("4.50")
	return ledger.HarvestRequest{
		BatchID:      "B1",
		FarmerID:     "farmer-1",
		FarmName:     "Green Acres",
		FarmLocation: "Kisumu",
		Product: ledger.ProductDetails{
			Crop:           "maize",
			Variety:        "H614",
			HarvestDate:    time.Date(2026, time.May, 30, 0, 0, 0, 0, time.UTC),
			Grade:          "A",
			Certifications: []string{"organic"},
		},
		Quantity:        decimal.NewFromInt(100),
		Price:           decimal.RequireFromString("0.35"),
		CertificateHash: "QmHarvest",
		Metadata: ledger.Metadata{
			Location:     "field 3",
			QualityScore: &score,
			Extra:        map[string]string{"moisture": "13%"},
		},
	}
}

func TestStore_RoundTripPreservesHashes(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	b := newBuilder(st)

	// GIVEN: a batch with a harvest and one purchase
	_, err := b.CreateHarvest(ctx, harvestRequest())
	require.NoError(t, err)
	_, err = b.AppendTransfer(ctx, ledger.TransferInput{
		BatchID: "B1", Type: ledger.TxPurchase, From: "farmer-1", To: "dist-1",
		Quantity: decimal.NewFromInt(30), Price: decimal.RequireFromString("0.50"),
		CertificateHash: "QmPurchase",
	})
	require.NoError(t, err)

	// WHEN: the chain is read back from SQLite
	txs, err := st.GetChain(ctx, "B1")
	require.NoError(t, err)

	// THEN: the links still verify, so every hashed field survived storage
	require.Len(t, txs, 2)
	state, err := ledger.ValidateChain(ledger.Chain{BatchID: "B1", Transactions: txs})
	require.NoError(t, err)
	assert.True(t, state.AvailableQuantity.Equal(decimal.NewFromInt(70)))
	assert.Equal(t, []string{"organic"}, txs[0].ProductDetails.Certifications)
	assert.Equal(t, "13%", txs[0].Metadata.Extra["moisture"])
}

func TestStore_BatchMetadata(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	_, err := newBuilder(st).CreateHarvest(ctx, harvestRequest())
	require.NoError(t, err)

	meta, err := st.GetBatchMetadata(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "farmer-1", meta.FarmerID)
	assert.Equal(t, "Green Acres", meta.FarmName)
	assert.Equal(t, "maize", meta.Product.Crop)

	list, err := st.ListBatches(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ledger.BatchID("B1"), list[0].BatchID)

	_, err = st.GetBatchMetadata(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrBatchNotFound)
}

func TestStore_DuplicateHarvest(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	b := newBuilder(st)

	_, err := b.CreateHarvest(ctx, harvestRequest())
	require.NoError(t, err)

	_, err = b.CreateHarvest(ctx, harvestRequest())
	assert.ErrorIs(t, err, ledger.ErrDuplicateHarvest)

	txs, err := st.GetChain(ctx, "B1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestStore_SequenceConflict(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	harvest, err := newBuilder(st).CreateHarvest(ctx, harvestRequest())
	require.NoError(t, err)

	next := harvest
	next.ID = "tx-next"
	next.Type = ledger.TxPurchase
	next.PreviousTransactionHash = ledger.Hash(harvest)

	// A stale writer re-using position 0 loses.
	next.Sequence = 0
	assert.ErrorIs(t, st.AppendTransaction(ctx, "B1", next), ledger.ErrConflict)

	// Skipping ahead is rejected too.
	next.Sequence = 2
	assert.ErrorIs(t, st.AppendTransaction(ctx, "B1", next), ledger.ErrConflict)

	next.Sequence = 1
	require.NoError(t, st.AppendTransaction(ctx, "B1", next))

	other := next
	other.ID = "tx-racer"
	assert.ErrorIs(t, st.AppendTransaction(ctx, "B1", other), ledger.ErrConflict)
}

func TestStore_AppendToUnknownBatch(t *testing.T) {
	st := newStore(t)
	err := st.AppendTransaction(context.Background(), "nope", ledger.Transaction{ID: "x", BatchID: "nope", Sequence: 1})
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func TestStore_Notarizations(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	harvest, err := newBuilder(st).CreateHarvest(ctx, harvestRequest())
	require.NoError(t, err)

	pending, err := st.Unnotarized(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, harvest.ID, pending[0].ID)

	require.NoError(t, st.RecordNotarization(ctx, harvest.ID, "0xabc"))
	require.NoError(t, st.RecordNotarization(ctx, harvest.ID, "0xdef"), "second record is a no-op")
	assert.ErrorIs(t, st.RecordNotarization(ctx, "unknown", "0x1"), ledger.ErrBatchNotFound)

	txs, err := st.GetChain(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", txs[0].BlockchainHash)
	assert.Equal(t, ledger.Hash(harvest), ledger.Hash(txs[0]), "notarization does not change the content hash")

	pending, err = st.Unnotarized(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStore_FindByContentAddress(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	harvest, err := newBuilder(st).CreateHarvest(ctx, harvestRequest())
	require.NoError(t, err)

	tx, err := st.FindByContentAddress(ctx, "QmHarvest")
	require.NoError(t, err)
	assert.Equal(t, harvest.ID, tx.ID)

	_, err = st.FindByContentAddress(ctx, "QmUnknown")
	assert.ErrorIs(t, err, ledger.ErrBatchNotFound)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first, err := sqlite.New(dir + "/ledger.db")
	require.NoError(t, err)

	_, err = newBuilder(first).CreateHarvest(ctx, harvestRequest())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Reopening finds the schema current and the data intact.
	st, err := sqlite.New(dir + "/ledger.db")
	require.NoError(t, err)
	defer st.Close()

	txs, err := st.GetChain(ctx, "B1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}
