/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Harvest registration and transfers through the router
- Error mapping (400, 404, 409, 422, 503)
- Verification status codes
- Certificate endpoint and digest header
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/harvest-ledger/certificate"
	"github.com/warp/harvest-ledger/chainlog"
	"github.com/warp/harvest-ledger/content"
	"github.com/warp/harvest-ledger/ledger"
	"github.com/warp/harvest-ledger/ledger/store"
	"github.com/warp/harvest-ledger/supplychain"
)

type testServer struct {
	*httptest.Server
	store *store.Memory
	blobs *content.Memory
	chain *chainlog.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{store: store.NewMemory(), blobs: content.NewMemory(), chain: chainlog.NewMemory()}
	svc := supplychain.New(ts.store, store.NewLocker(), ts.blobs, ts.chain)
	ts.Server = httptest.NewServer(NewRouter(NewHandler(svc), nil))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

const harvestBody = `{
	"batch_id": "B1",
	"farmer_id": "F",
	"farm_name": "Green Acres",
	"crop": "maize",
	"harvest_date": "2026-05-30",
	"quantity": 100,
	"price": "50"
}`

func transferBody(to string, qty int) string {
	return fmt.Sprintf(`{"type":"purchase","from":"F","to":%q,"quantity":%d,"price":55}`, to, qty)
}

func TestCreateHarvestAndTransfer(t *testing.T) {
	ts := newTestServer(t)

	// WHEN: harvest is registered
	resp, body := ts.do(t, http.MethodPost, "/api/batches", harvestBody)

	// THEN
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var harvest TransactionDTO
	require.NoError(t, json.Unmarshal(body, &harvest))
	assert.Equal(t, "HARVEST", harvest.Type)
	assert.Equal(t, 0, harvest.Sequence)
	assert.Equal(t, "2026-05-30", harvest.Product.HarvestDate)
	assert.NotEmpty(t, harvest.IPFSHash)
	assert.NotEmpty(t, harvest.BlockchainHash)

	// WHEN: F sells 30kg to D
	resp, body = ts.do(t, http.MethodPost, "/api/batches/B1/transfers", transferBody("D", 30))

	// THEN: the record links to the harvest
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var purchase TransactionDTO
	require.NoError(t, json.Unmarshal(body, &purchase))
	assert.Equal(t, "PURCHASE", purchase.Type)
	assert.Equal(t, harvest.Hash, purchase.PreviousTransactionHash)

	resp, body = ts.do(t, http.MethodGet, "/api/batches/B1/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state StateDTO
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, 2, state.ChainLength)
	require.Len(t, state.CurrentOwners, 2)
	assert.Equal(t, "F", state.CurrentOwners[0].Owner)
	assert.Equal(t, "70", state.CurrentOwners[0].Quantity.String())
	assert.Equal(t, "D", state.CurrentOwners[1].Owner)

	resp, body = ts.do(t, http.MethodGet, "/api/batches/B1/chain", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chain ChainDTO
	require.NoError(t, json.Unmarshal(body, &chain))
	assert.Equal(t, 2, chain.Length)

	resp, body = ts.do(t, http.MethodGet, "/api/batches", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var batches []BatchDTO
	require.NoError(t, json.Unmarshal(body, &batches))
	require.Len(t, batches, 1)
	assert.Equal(t, "Green Acres", batches[0].FarmName)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodPost, "/api/batches", harvestBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"malformed json", http.MethodPost, "/api/batches", `{"batch_id":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/batches", `{"batch":"B2"}`, http.StatusBadRequest},
		{"missing farmer", http.MethodPost, "/api/batches", `{"batch_id":"B2","quantity":1}`, http.StatusBadRequest},
		{"bad date", http.MethodPost, "/api/batches", `{"batch_id":"B2","farmer_id":"F","harvest_date":"30/05/2026","quantity":1}`, http.StatusBadRequest},
		{"zero quantity", http.MethodPost, "/api/batches", `{"batch_id":"B2","farmer_id":"F","quantity":0}`, http.StatusBadRequest},
		{"duplicate harvest", http.MethodPost, "/api/batches", harvestBody, http.StatusUnprocessableEntity},
		{"unknown type", http.MethodPost, "/api/batches/B1/transfers", `{"type":"GIFT","from":"F","to":"D","quantity":1}`, http.StatusBadRequest},
		{"harvest via transfer", http.MethodPost, "/api/batches/B1/transfers", `{"type":"HARVEST","from":"F","to":"D","quantity":1}`, http.StatusBadRequest},
		{"overdraft", http.MethodPost, "/api/batches/B1/transfers", transferBody("D2", 180), http.StatusUnprocessableEntity},
		{"unknown batch transfer", http.MethodPost, "/api/batches/B9/transfers", transferBody("D", 1), http.StatusNotFound},
		{"unknown batch state", http.MethodGet, "/api/batches/B9/state", "", http.StatusNotFound},
		{"unknown batch certificate", http.MethodGet, "/api/batches/B9/certificate", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := ts.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode, string(body))
			var e ErrorResponse
			require.NoError(t, json.Unmarshal(body, &e))
			assert.NotEmpty(t, e.Error)
		})
	}
}

func TestAppendTransfer_ContendedReturns409(t *testing.T) {
	// GIVEN: a lock that never frees
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodPost, "/api/batches", harvestBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	locker := store.NewLocker()
	locker.AcquireTimeout = 10 * time.Millisecond
	_, err := locker.Acquire(context.Background(), "B1", time.Minute)
	require.NoError(t, err)
	svc := supplychain.New(ts.store, locker, ts.blobs, ts.chain)
	contended := httptest.NewServer(NewRouter(NewHandler(svc), nil))
	defer contended.Close()

	// WHEN
	r, err := http.Post(contended.URL+"/api/batches/B1/transfers", "application/json", strings.NewReader(transferBody("D", 1)))
	require.NoError(t, err)
	defer r.Body.Close()

	// THEN: retryable conflict with a hint
	assert.Equal(t, http.StatusConflict, r.StatusCode)
	assert.Equal(t, "1", r.Header.Get("Retry-After"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(&ledger.SourceUnavailableError{Source: ledger.SourceRelational}))
	assert.Equal(t, http.StatusConflict, statusFor(ledger.ErrConflict))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&ledger.BrokenChainLinkError{}))
	assert.Equal(t, http.StatusNotFound, statusFor(&ledger.BatchNotFoundError{BatchID: "B"}))
	assert.Equal(t, http.StatusBadRequest, statusFor(&ledger.MissingFieldError{BatchID: "B", Field: "from"}))
}

// =============================================================================
// VERIFY AND CERTIFICATE
// =============================================================================

func TestVerify_StatusFollowsStage(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, http.MethodPost, "/api/batches", harvestBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var harvest TransactionDTO
	require.NoError(t, json.Unmarshal(body, &harvest))

	// Verified by batch id and by content address
	for _, ref := range []string{"B1", harvest.IPFSHash} {
		resp, body = ts.do(t, http.MethodGet, "/api/verify/"+ref, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var result map[string]any
		require.NoError(t, json.Unmarshal(body, &result))
		assert.Equal(t, true, result["is_valid"])
		assert.Equal(t, "VERIFIED", result["stage"])
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/verify/B404", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Tampered certificate
	ts.blobs.Overwrite(harvest.IPFSHash, []byte(`{"batch_id":"B1"}`))
	resp, body = ts.do(t, http.MethodGet, "/api/verify/B1", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), "CONTENT_MISMATCH")

	// Gateway down
	ts.blobs.SetUnavailable(true)
	resp, _ = ts.do(t, http.MethodGet, "/api/verify/B1", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetCertificate(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, http.MethodPost, "/api/batches", harvestBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var harvest TransactionDTO
	require.NoError(t, json.Unmarshal(body, &harvest))

	resp, body = ts.do(t, http.MethodGet, "/api/batches/B1/certificate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, harvest.CertificateDigest, resp.Header.Get("X-Certificate-Digest"))
	var cert CertificateDTO
	require.NoError(t, json.Unmarshal(body, &cert))
	assert.Equal(t, harvest.CertificateDigest, cert.Hash)
	assert.Equal(t, ledger.BatchID("B1"), cert.Document.BatchID)

	// Raw bytes are exactly what was pinned.
	resp, body = ts.do(t, http.MethodGet, "/api/batches/B1/certificate?format=raw", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pinned, err := ts.blobs.Get(context.Background(), harvest.IPFSHash)
	require.NoError(t, err)
	assert.Equal(t, pinned, body)
	_, err = certificate.Decode(body)
	assert.NoError(t, err)
}

// =============================================================================
// ADMIN, HEALTH, SCENARIOS
// =============================================================================

func TestTriggerNotarization(t *testing.T) {
	ts := newTestServer(t)
	ts.chain.SetUnavailable(true)
	resp, _ := ts.do(t, http.MethodPost, "/api/batches", harvestBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ts.chain.SetUnavailable(false)

	resp, body := ts.do(t, http.MethodPost, "/api/admin/notarize", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]int
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 1, stats["notarized"])
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestLoadScenario(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/scenarios", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []ScenarioDTO
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, len(scenarioLoaders))

	resp, body = ts.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id":"farm-gate-sale"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var result ScenarioResultDTO
	require.NoError(t, json.Unmarshal(body, &result))
	require.Len(t, result.Batches, 1)
	assert.True(t, strings.HasPrefix(result.Batches[0], "DEMO-"))

	resp, _ = ts.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id":"nope"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
