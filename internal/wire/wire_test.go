package wire_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/harvest-ledger/config"
	"github.com/warp/harvest-ledger/internal/wire"
	"github.com/warp/harvest-ledger/ledger"
	"github.com/warp/harvest-ledger/verify"
)

func harvest(t *testing.T, rt *wire.Runtime, id ledger.BatchID) {
	t.Helper()
	_, err := rt.Service.CreateHarvest(context.Background(), ledger.HarvestRequest{
		BatchID:  id,
		FarmerID: "farmer-1",
		Product:  ledger.ProductDetails{Crop: "maize", HarvestDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		Quantity: decimal.NewFromInt(100),
		Price:    decimal.NewFromInt(40),
	})
	require.NoError(t, err)
}

func TestOpen_Defaults(t *testing.T) {
	// GIVEN: the default configuration
	cfg := config.Default()

	// WHEN: opening the runtime
	rt, err := wire.Open(context.Background(), cfg)
	require.NoError(t, err)
	defer rt.Close()

	// THEN: writes are notarized on the in-process chain log
	require.NotNil(t, rt.Service.Chain)
	harvest(t, rt, "W1")
	r := rt.Service.Verify(context.Background(), "W1")
	assert.Equal(t, verify.StageVerified, r.Stage)
}

func TestOpen_SQLiteAndRedis(t *testing.T) {
	// GIVEN: a SQLite file and a Redis lock
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "ledger.db")
	cfg.Lock.Driver = config.DriverRedis
	cfg.Lock.RedisAddr = mr.Addr()
	require.NoError(t, cfg.Validate())

	// WHEN: writing through one runtime and reading through a second
	rt, err := wire.Open(context.Background(), cfg)
	require.NoError(t, err)
	harvest(t, rt, "W2")
	require.NoError(t, rt.Close())

	cfg.Chain.Driver = config.DriverNone
	reopened, err := wire.Open(context.Background(), cfg)
	require.NoError(t, err)
	defer reopened.Close()

	// THEN: the record survived, the lock is released
	state, err := reopened.Service.GetCurrentState(context.Background(), "W2")
	require.NoError(t, err)
	assert.True(t, state.AvailableQuantity.Equal(decimal.NewFromInt(100)))
	assert.Empty(t, mr.Keys())
	assert.Nil(t, reopened.Service.Chain)
}

func TestOpen_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.Default()
	cfg.Lock.Driver = config.DriverRedis
	cfg.Lock.RedisAddr = addr

	_, err := wire.Open(context.Background(), cfg)
	assert.Error(t, err)
}

func TestOpen_ChainRelayerDown(t *testing.T) {
	// GIVEN: a relayer that fails its health check
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Chain.Driver = config.DriverHTTP
	cfg.Chain.URL = srv.URL
	cfg.Retry.MaxRetries = 0

	// WHEN: opening the runtime
	rt, err := wire.Open(context.Background(), cfg)

	// THEN: startup continues without notarization
	require.NoError(t, err)
	defer rt.Close()
	assert.Nil(t, rt.Service.Chain)
	harvest(t, rt, "W3")
}

func TestOpen_ChainRelayerUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"network": "testnet", "chain_id": 5})
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Chain.Driver = config.DriverHTTP
	cfg.Chain.URL = srv.URL

	rt, err := wire.Open(context.Background(), cfg)
	require.NoError(t, err)
	defer rt.Close()
	assert.NotNil(t, rt.Service.Chain)
}
