/*
handlers.go - HTTP API handlers for the supply-chain ledger

PURPOSE:
  Exposes the ledger via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to supplychain.Service.

ENDPOINTS:
  Batches:
    GET    /api/batches                   List registered batches
    POST   /api/batches                   Register a harvest
    GET    /api/batches/{id}/chain        Ordered chain of records
    GET    /api/batches/{id}/state        Current owners and quantities
    POST   /api/batches/{id}/transfers    Append a transfer
    GET    /api/batches/{id}/certificate  Certificate for the chain as it stands

  Verification:
    GET    /api/verify/{ref}              Verify a batch id or content address

  Admin:
    POST   /api/admin/notarize            Run the notarization scheduler now

  Scenarios:
    GET    /api/scenarios                 List demo scenarios
    POST   /api/scenarios/load            Load a demo scenario

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed input (bad JSON, unknown type, non-positive quantity)
  - 404: Batch or content not found
  - 409: Batch is being written by someone else (Retry-After set)
  - 422: Well-formed but refused (duplicate harvest, insufficient quantity)
  - 500: Stored chain failed validation, internal errors
  - 503: A collaborator (database, gateway, chain) is unreachable

  Verification always returns the full result body; the status reflects
  the final stage (200 valid, 404 not found, 502 integrity, 503 unreachable).

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"github.com/warp/harvest-ledger/certificate"
	"github.com/warp/harvest-ledger/ledger"
	"github.com/warp/harvest-ledger/supplychain"
	"github.com/warp/harvest-ledger/verify"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

type Handler struct {
	Service   *supplychain.Service
	Scheduler *supplychain.NotarizationScheduler
}

func NewHandler(service *supplychain.Service) *Handler {
	return &Handler{
		Service:   service,
		Scheduler: supplychain.NewNotarizationScheduler(service),
	}
}

// pinger is implemented by stores and clients that can report liveness.
type pinger interface {
	Ping(ctx context.Context) error
}

// networker is implemented by chain log clients that know their network.
type networker interface {
	Network() string
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// ListBatches returns all registered batches, newest first.
// GET /api/batches
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.Service.ListBatches(r.Context())
	if err != nil {
		writeLedgerError(w, "Failed to list batches", err)
		return
	}
	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateHarvest registers a batch and returns its HARVEST record.
// POST /api/batches
func (h *Handler) CreateHarvest(w http.ResponseWriter, r *http.Request) {
	var req CreateHarvestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.BatchID) == "" || strings.TrimSpace(req.FarmerID) == "" {
		writeError(w, http.StatusBadRequest, "batch_id and farmer_id are required", nil)
		return
	}

	var harvestDate time.Time
	if req.HarvestDate != "" {
		d, err := time.Parse(dateLayout, req.HarvestDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid harvest_date format (use YYYY-MM-DD)", err)
			return
		}
		harvestDate = d
	}

	tx, err := h.Service.CreateHarvest(r.Context(), ledger.HarvestRequest{
		BatchID:      ledger.BatchID(req.BatchID),
		FarmerID:     req.FarmerID,
		FarmName:     req.FarmName,
		FarmLocation: req.FarmLocation,
		Product: ledger.ProductDetails{
			Crop:           req.Crop,
			Variety:        req.Variety,
			HarvestDate:    harvestDate,
			Grade:          req.Grade,
			Certifications: req.Certifications,
		},
		Quantity:        req.Quantity,
		Price:           req.Price,
		CertificateHash: req.CertificateHash,
		Metadata:        req.Metadata.toLedger(),
	})
	if err != nil {
		writeLedgerError(w, "Failed to create harvest", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// AppendTransfer appends a non-HARVEST record.
// POST /api/batches/{id}/transfers
func (h *Handler) AppendTransfer(w http.ResponseWriter, r *http.Request) {
	batchID := ledger.BatchID(chi.URLParam(r, "id"))

	var req AppendTransferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	txType, err := ledger.ParseTransactionType(strings.ToUpper(req.Type))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction type", err)
		return
	}
	if req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, "from and to are required", nil)
		return
	}

	tx, err := h.Service.AppendTransfer(r.Context(), ledger.TransferInput{
		BatchID:         batchID,
		Type:            txType,
		From:            req.From,
		To:              req.To,
		Quantity:        req.Quantity,
		Price:           req.Price,
		CertificateHash: req.CertificateHash,
		Metadata:        req.Metadata.toLedger(),
	})
	if err != nil {
		writeLedgerError(w, "Failed to append transfer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// GetChain returns the batch's records in chain order.
// GET /api/batches/{id}/chain
func (h *Handler) GetChain(w http.ResponseWriter, r *http.Request) {
	chain, err := h.Service.GetChain(r.Context(), ledger.BatchID(chi.URLParam(r, "id")))
	if err != nil {
		writeLedgerError(w, "Failed to load chain", err)
		return
	}
	writeJSON(w, http.StatusOK, toChainDTO(chain))
}

// GetState returns the replayed owners and quantities.
// GET /api/batches/{id}/state
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	state, err := h.Service.GetCurrentState(r.Context(), ledger.BatchID(chi.URLParam(r, "id")))
	if err != nil {
		writeLedgerError(w, "Failed to compute state", err)
		return
	}
	writeJSON(w, http.StatusOK, toStateDTO(state))
}

// GetCertificate returns the certificate for the current chain. With
// ?format=raw the canonical bytes are returned as pinned.
// GET /api/batches/{id}/certificate
func (h *Handler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := h.Service.BuildCertificate(r.Context(), ledger.BatchID(chi.URLParam(r, "id")))
	if err != nil {
		writeLedgerError(w, "Failed to build certificate", err)
		return
	}
	writeCertificate(w, r, cert)
}

func writeCertificate(w http.ResponseWriter, r *http.Request, cert certificate.Certificate) {
	w.Header().Set("X-Certificate-Digest", cert.Hash)
	if r.URL.Query().Get("format") == "raw" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(cert.Bytes)
		return
	}
	writeJSON(w, http.StatusOK, CertificateDTO{Hash: cert.Hash, Document: cert.Document})
}

// =============================================================================
// VERIFICATION
// =============================================================================

// Verify cross-checks a batch id or content address.
// GET /api/verify/{ref}
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if ref == "" {
		writeError(w, http.StatusBadRequest, "ref is required", nil)
		return
	}
	result := h.Service.Verify(r.Context(), ref)
	writeJSON(w, verifyStatus(result), result)
}

func verifyStatus(r *verify.Result) int {
	switch r.Stage {
	case verify.StageVerified, verify.StageVerifiedWithWarning:
		return http.StatusOK
	case verify.StageNotFound:
		return http.StatusNotFound
	case verify.StageContentMismatch, verify.StageInvalidChain:
		return http.StatusBadGateway
	case verify.StageContentUnreachable, verify.StageRelationalUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// =============================================================================
// ADMIN / HEALTH
// =============================================================================

// TriggerNotarization runs one notarization pass synchronously.
// POST /api/admin/notarize
func (h *Handler) TriggerNotarization(w http.ResponseWriter, r *http.Request) {
	if h.Service.Chain == nil {
		writeError(w, http.StatusServiceUnavailable, "No blockchain log configured", nil)
		return
	}
	stats := h.Scheduler.RunNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{
		"pending":   stats.Pending,
		"notarized": stats.Notarized,
		"failed":    stats.Failed,
	})
}

// Health reports the relational store and chain log status.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok", "store": "ok"}

	if p, ok := h.Service.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["store"] = err.Error()
		}
	}
	switch c := h.Service.Chain.(type) {
	case nil:
		body["chain"] = "disabled"
	case networker:
		body["chain"] = c.Network()
	default:
		body["chain"] = "in-process"
	}
	writeJSON(w, status, body)
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps the ledger's error taxonomy to an HTTP status.
func writeLedgerError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusConflict {
		w.Header().Set("Retry-After", "1")
	}
	if status >= 500 {
		log.WithFields(log.Fields{"package": "api", "status": status}).WithError(err).Error(message)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrMissingField), errors.Is(err, ledger.ErrInvalidQuantity), errors.Is(err, ledger.ErrInvalidTransactionType):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrDuplicateHarvest), errors.Is(err, ledger.ErrInsufficientQuantity):
		return http.StatusUnprocessableEntity
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsRetryable(err):
		return http.StatusConflict
	case ledger.IsUnavailable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func sortHoldings(h []HoldingDTO) {
	sort.Slice(h, func(i, j int) bool {
		if !h[i].Quantity.Equal(h[j].Quantity) {
			return h[i].Quantity.GreaterThan(h[j].Quantity)
		}
		return h[i].Owner < h[j].Owner
	})
}
