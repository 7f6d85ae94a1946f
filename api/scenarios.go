/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	batches for demos. Each scenario registers one or more harvests and
	walks them through the supply chain.

AVAILABLE SCENARIOS:

	farm-gate-sale:    Harvest 100kg, sell 30kg to a distributor
	full-supply-chain: Harvest -> distributor -> processor -> retailer
	cooperative:       Three farms, one buyer consolidating partial lots

HOW SCENARIOS WORK:
 1. Generate fresh batch ids (the ledger is append-only, nothing is reset)
 2. Register harvests through the normal write path
 3. Append transfers through the normal write path

Every record therefore gets a pinned certificate and a notarization
attempt, exactly as API writes do.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "full-supply-chain"}

SEE ALSO:
  - handlers.go: ListScenarios, LoadScenario handlers
  - supplychain/service.go: Write path
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/harvest-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "farm-gate-sale",
		Name:        "Farm-Gate Sale",
		Description: "A farmer registers 100kg of maize and sells 30kg to a distributor",
	},
	{
		ID:          "full-supply-chain",
		Name:        "Full Supply Chain",
		Description: "Harvest, distributor purchase, processing and retail sale of one batch",
	},
	{
		ID:          "cooperative",
		Name:        "Cooperative",
		Description: "Three farms harvest beans; one buyer purchases part of every lot",
	},
}

type scenarioLoader func(ctx context.Context, h *Handler, prefix string) ([]ledger.BatchID, error)

var scenarioLoaders = map[string]scenarioLoader{
	"farm-gate-sale":    loadFarmGateSale,
	"full-supply-chain": loadFullSupplyChain,
	"cooperative":       loadCooperative,
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario writes a scenario's batches and returns their ids.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	loader, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	prefix := "DEMO-" + strings.ToUpper(uuid.NewString()[:8])
	batches, err := loader(r.Context(), h, prefix)
	if err != nil {
		writeLedgerError(w, "Failed to load scenario", err)
		return
	}

	ids := make([]string, len(batches))
	for i, b := range batches {
		ids[i] = string(b)
	}
	writeJSON(w, http.StatusCreated, ScenarioResultDTO{ScenarioID: req.ScenarioID, Batches: ids})
}

// =============================================================================
// LOADERS
// =============================================================================

func kg(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func harvest(batchID ledger.BatchID, farmer, farm, location, crop string, qty, price decimal.Decimal) ledger.HarvestRequest {
	return ledger.HarvestRequest{
		BatchID:      batchID,
		FarmerID:     farmer,
		FarmName:     farm,
		FarmLocation: location,
		Product: ledger.ProductDetails{
			Crop:        crop,
			HarvestDate: time.Now().UTC().Truncate(24 * time.Hour),
			Grade:       "A",
		},
		Quantity: qty,
		Price:    price,
	}
}

func (h *Handler) applyTransfers(ctx context.Context, transfers []ledger.TransferInput) error {
	for _, t := range transfers {
		if _, err := h.Service.AppendTransfer(ctx, t); err != nil {
			return fmt.Errorf("%s %s->%s: %w", t.Type, t.From, t.To, err)
		}
	}
	return nil
}

func loadFarmGateSale(ctx context.Context, h *Handler, prefix string) ([]ledger.BatchID, error) {
	batch := ledger.BatchID(prefix + "-MAIZE")
	if _, err := h.Service.CreateHarvest(ctx, harvest(batch, "farmer-wanjiru", "Wanjiru Farm", "Nakuru", "maize", kg(100), kg(50))); err != nil {
		return nil, err
	}
	err := h.applyTransfers(ctx, []ledger.TransferInput{
		{BatchID: batch, Type: ledger.TxPurchase, From: "farmer-wanjiru", To: "distributor-agrimark", Quantity: kg(30), Price: kg(55)},
	})
	return []ledger.BatchID{batch}, err
}

func loadFullSupplyChain(ctx context.Context, h *Handler, prefix string) ([]ledger.BatchID, error) {
	batch := ledger.BatchID(prefix + "-TOMATO")
	if _, err := h.Service.CreateHarvest(ctx, harvest(batch, "farmer-otieno", "Otieno Greenhouses", "Kisumu", "tomato", kg(500), kg(40))); err != nil {
		return nil, err
	}
	err := h.applyTransfers(ctx, []ledger.TransferInput{
		{BatchID: batch, Type: ledger.TxPurchase, From: "farmer-otieno", To: "distributor-freshline", Quantity: kg(400), Price: kg(48)},
		{BatchID: batch, Type: ledger.TxTransfer, From: "distributor-freshline", To: "coldstore-mombasa", Quantity: kg(400), Price: decimal.Zero,
			Metadata: ledger.Metadata{Location: "Mombasa", Notes: "cold chain 4C"}},
		{BatchID: batch, Type: ledger.TxProcessing, From: "coldstore-mombasa", To: "packhouse-coast", Quantity: kg(350), Price: kg(5)},
		{BatchID: batch, Type: ledger.TxRetail, From: "packhouse-coast", To: "retailer-naivas", Quantity: kg(300), Price: kg(90)},
	})
	return []ledger.BatchID{batch}, err
}

func loadCooperative(ctx context.Context, h *Handler, prefix string) ([]ledger.BatchID, error) {
	farms := []struct{ farmer, farm, location string }{
		{"farmer-achieng", "Achieng Plot", "Siaya"},
		{"farmer-kamau", "Kamau Holdings", "Nyeri"},
		{"farmer-mutua", "Mutua Family Farm", "Machakos"},
	}
	var batches []ledger.BatchID
	for i, f := range farms {
		batch := ledger.BatchID(fmt.Sprintf("%s-BEANS-%d", prefix, i+1))
		qty := kg(int64(200 + 50*i))
		if _, err := h.Service.CreateHarvest(ctx, harvest(batch, f.farmer, f.farm, f.location, "beans", qty, kg(120))); err != nil {
			return batches, err
		}
		batches = append(batches, batch)
		err := h.applyTransfers(ctx, []ledger.TransferInput{
			{BatchID: batch, Type: ledger.TxPurchase, From: f.farmer, To: "coop-buyer-unity", Quantity: kg(150), Price: kg(130)},
		})
		if err != nil {
			return batches, err
		}
	}
	return batches, nil
}
