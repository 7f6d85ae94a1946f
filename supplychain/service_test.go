package supplychain_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/harvest-ledger/chainlog"
	"github.com/warp/harvest-ledger/content"
	"github.com/warp/harvest-ledger/ledger"
	"github.com/warp/harvest-ledger/ledger/store"
	"github.com/warp/harvest-ledger/store/redislock"
	"github.com/warp/harvest-ledger/store/sqlite"
	"github.com/warp/harvest-ledger/supplychain"
	"github.com/warp/harvest-ledger/verify"
)

func kg(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type env struct {
	svc   *supplychain.Service
	blobs *content.Memory
	chain *chainlog.Memory
}

func newMemoryEnv(t *testing.T) *env {
	t.Helper()
	blobs := content.NewMemory()
	chain := chainlog.NewMemory()
	return &env{
		svc:   supplychain.New(store.NewMemory(), store.NewLocker(), blobs, chain),
		blobs: blobs,
		chain: chain,
	}
}

// newSQLiteRedisEnv runs on the production backends: SQLite for records
// and a Redis lease for the write lock.
func newSQLiteRedisEnv(t *testing.T) *env {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	blobs := content.NewMemory()
	chain := chainlog.NewMemory()
	return &env{
		svc:   supplychain.New(st, redislock.New(client), blobs, chain),
		blobs: blobs,
		chain: chain,
	}
}

var backends = map[string]func(*testing.T) *env{
	"memory":       newMemoryEnv,
	"sqlite+redis": newSQLiteRedisEnv,
}

func harvestB1(t *testing.T, e *env) ledger.Transaction {
	t.Helper()
	tx, err := e.svc.CreateHarvest(context.Background(), ledger.HarvestRequest{
		BatchID:  "B1",
		FarmerID: "F",
		FarmName: "Green Acres",
		Product:  ledger.ProductDetails{Crop: "maize", HarvestDate: time.Date(2026, 5, 30, 0, 0, 0, 0, time.UTC)},
		Quantity: kg(100),
		Price:    kg(50),
	})
	require.NoError(t, err)
	return tx
}

func purchase(from, to string, qty, price int64) ledger.TransferInput {
	return ledger.TransferInput{BatchID: "B1", Type: ledger.TxPurchase, From: from, To: to, Quantity: kg(qty), Price: kg(price)}
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarios_HarvestPurchaseOverdraft(t *testing.T) {
	for name, setup := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := setup(t)

			// GIVEN: harvest for B1, farmer F, 100kg at 50/kg
			harvest := harvestB1(t, e)

			// THEN: chain length 1, F holds everything
			state, err := e.svc.GetCurrentState(ctx, "B1")
			require.NoError(t, err)
			assert.Equal(t, 1, state.ChainLength)
			assert.True(t, state.AvailableQuantity.Equal(kg(100)))
			require.Len(t, state.CurrentOwners, 1)
			assert.True(t, state.HeldBy("F").Equal(kg(100)))

			// WHEN: F sells 30kg to D at 55/kg
			bought, err := e.svc.AppendTransfer(ctx, purchase("F", "D", 30, 55))
			require.NoError(t, err)

			// THEN: F 70, D 30, linked to the harvest
			state, err = e.svc.GetCurrentState(ctx, "B1")
			require.NoError(t, err)
			assert.Equal(t, 2, state.ChainLength)
			assert.True(t, state.HeldBy("F").Equal(kg(70)))
			assert.True(t, state.HeldBy("D").Equal(kg(30)))
			assert.Equal(t, ledger.Hash(harvest), bought.PreviousTransactionHash)

			// WHEN: F tries to sell 80kg to D2
			_, err = e.svc.AppendTransfer(ctx, purchase("F", "D2", 80, 55))

			// THEN: rejected, chain unchanged
			var short *ledger.InsufficientQuantityError
			require.ErrorAs(t, err, &short)
			assert.True(t, short.Available.Equal(kg(70)))
			chain, err := e.svc.GetChain(ctx, "B1")
			require.NoError(t, err)
			assert.Equal(t, 2, chain.Len())
		})
	}
}

func TestScenario_ConcurrentSpendOfSameBalance(t *testing.T) {
	for name, setup := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := setup(t)
			harvestB1(t, e)
			_, err := e.svc.AppendTransfer(ctx, purchase("F", "D", 30, 55))
			require.NoError(t, err)

			// WHEN: two buyers race for the remaining 70kg
			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i, buyer := range []string{"R1", "R2"} {
				wg.Add(1)
				go func(i int, buyer string) {
					defer wg.Done()
					_, errs[i] = e.svc.AppendTransfer(ctx, purchase("F", buyer, 70, 60))
				}(i, buyer)
			}
			wg.Wait()

			// THEN: exactly one wins, the other sees the new balance
			var won, rejected int
			for _, err := range errs {
				switch {
				case err == nil:
					won++
				case assert.ErrorIs(t, err, ledger.ErrInsufficientQuantity):
					rejected++
				}
			}
			assert.Equal(t, 1, won)
			assert.Equal(t, 1, rejected)

			state, err := e.svc.GetCurrentState(ctx, "B1")
			require.NoError(t, err)
			assert.Equal(t, 3, state.ChainLength)
			assert.True(t, state.HeldBy("F").IsZero())
			assert.True(t, state.Held().Equal(state.TotalQuantity))
		})
	}
}

func TestConservation_AfterEveryAppend(t *testing.T) {
	ctx := context.Background()
	e := newMemoryEnv(t)
	harvestB1(t, e)

	moves := []ledger.TransferInput{
		purchase("F", "D", 40, 55),
		{BatchID: "B1", Type: ledger.TxTransfer, From: "D", To: "W", Quantity: kg(15), Price: decimal.Zero},
		{BatchID: "B1", Type: ledger.TxProcessing, From: "W", To: "P", Quantity: kg(15), Price: kg(2)},
		{BatchID: "B1", Type: ledger.TxRetail, From: "P", To: "R", Quantity: kg(10), Price: kg(90)},
		purchase("F", "D", 60, 55),
	}
	for _, m := range moves {
		_, err := e.svc.AppendTransfer(ctx, m)
		require.NoError(t, err)

		state, err := e.svc.GetCurrentState(ctx, "B1")
		require.NoError(t, err)
		assert.True(t, state.Held().Equal(kg(100)), "conservation after %s %s->%s", m.Type, m.From, m.To)
	}

	state, err := e.svc.GetCurrentState(ctx, "B1")
	require.NoError(t, err)
	_, farmerListed := state.CurrentOwners["F"]
	assert.False(t, farmerListed, "zero balances are omitted")
	assert.True(t, state.AvailableQuantity.IsZero())
}

func TestAppendTransfer_UnknownBatch(t *testing.T) {
	e := newMemoryEnv(t)

	_, err := e.svc.AppendTransfer(context.Background(), purchase("F", "D", 1, 1))

	assert.ErrorIs(t, err, ledger.ErrBatchNotFound)
}

func TestCreateHarvest_Duplicate(t *testing.T) {
	e := newMemoryEnv(t)
	harvestB1(t, e)

	_, err := e.svc.CreateHarvest(context.Background(), ledger.HarvestRequest{BatchID: "B1", FarmerID: "F", Quantity: kg(1), Price: kg(1)})

	assert.ErrorIs(t, err, ledger.ErrDuplicateHarvest)
	assert.True(t, ledger.IsClientError(err))
}

func TestGetChain_NotFound(t *testing.T) {
	e := newMemoryEnv(t)

	_, err := e.svc.GetChain(context.Background(), "B404")
	var missing *ledger.BatchNotFoundError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, ledger.BatchID("B404"), missing.BatchID)

	_, err = e.svc.GetCurrentState(context.Background(), "B404")
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// CERTIFICATES
// =============================================================================

func TestBuildCertificate_MatchesPinnedDigest(t *testing.T) {
	ctx := context.Background()
	e := newMemoryEnv(t)
	harvestB1(t, e)
	last, err := e.svc.AppendTransfer(ctx, purchase("F", "D", 30, 55))
	require.NoError(t, err)

	cert, err := e.svc.BuildCertificate(ctx, "B1")
	require.NoError(t, err)

	assert.Equal(t, last.CertificateDigest, cert.Hash)
	pinned, err := e.blobs.Get(ctx, last.IPFSHash)
	require.NoError(t, err)
	assert.Equal(t, cert.Bytes, pinned)

	again, err := e.svc.BuildCertificate(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, cert.Hash, again.Hash)
}

// =============================================================================
// NOTARIZATION
// =============================================================================

func TestWrites_AreNotarized(t *testing.T) {
	ctx := context.Background()
	e := newMemoryEnv(t)
	harvest := harvestB1(t, e)
	assert.NotEmpty(t, harvest.BlockchainHash)

	r := e.svc.Verify(ctx, "B1")
	assert.Equal(t, verify.StageVerified, r.Stage)
	assert.True(t, r.IsValid)
}

func TestNotarization_FailureDoesNotFailTheWrite(t *testing.T) {
	ctx := context.Background()
	e := newMemoryEnv(t)
	harvestB1(t, e)

	// GIVEN: the chain log goes down
	e.chain.SetUnavailable(true)

	// WHEN
	tx, err := e.svc.AppendTransfer(ctx, purchase("F", "D", 30, 55))

	// THEN: the append stands, unnotarized, and verification warns
	require.NoError(t, err)
	assert.Empty(t, tx.BlockchainHash)
	pending, err := e.svc.Store.Unnotarized(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, tx.ID, pending[0].ID)

	r := e.svc.Verify(ctx, "B1")
	assert.True(t, r.IsValid)
	assert.Equal(t, verify.StageVerifiedWithWarning, r.Stage)
}

func TestScheduler_CatchesUpAfterOutage(t *testing.T) {
	ctx := context.Background()
	e := newMemoryEnv(t)
	e.chain.SetUnavailable(true)
	harvestB1(t, e)
	_, err := e.svc.AppendTransfer(ctx, purchase("F", "D", 30, 55))
	require.NoError(t, err)

	scheduler := supplychain.NewNotarizationScheduler(e.svc)

	// WHEN: a run happens while the log is still down
	stats := scheduler.RunNow(ctx)

	// THEN: it stops at the first unavailable submission
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 0, stats.Notarized)
	assert.Equal(t, 1, stats.Failed)

	// WHEN: the log recovers
	e.chain.SetUnavailable(false)
	stats = scheduler.RunNow(ctx)

	// THEN: everything is notarized and verification is clean
	assert.Equal(t, 2, stats.Notarized)
	pending, err := e.svc.Store.Unnotarized(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, verify.StageVerified, e.svc.Verify(ctx, "B1").Stage)
}

func TestScheduler_StartStop(t *testing.T) {
	e := newMemoryEnv(t)
	e.chain.SetUnavailable(true)
	harvestB1(t, e)
	e.chain.SetUnavailable(false)

	scheduler := supplychain.NewNotarizationScheduler(e.svc)
	scheduler.CheckInterval = 10 * time.Millisecond
	scheduler.Start()
	defer scheduler.Stop()

	assert.Eventually(t, func() bool {
		pending, err := e.svc.Store.Unnotarized(context.Background(), 0)
		return err == nil && len(pending) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_DisabledWithoutChainLog(t *testing.T) {
	svc := supplychain.New(store.NewMemory(), store.NewLocker(), content.NewMemory(), nil)
	scheduler := supplychain.NewNotarizationScheduler(svc)

	scheduler.Start()
	scheduler.Stop()

	_, err := svc.Notarize(context.Background(), ledger.Transaction{ID: "tx"})
	assert.Error(t, err)
}

func TestListBatches(t *testing.T) {
	e := newMemoryEnv(t)
	harvestB1(t, e)

	batches, err := e.svc.ListBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "Green Acres", batches[0].FarmName)
}
