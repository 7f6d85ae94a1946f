/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's record model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Quantities (kg) and prices (per kg) are decimals. Requests accept either
  a JSON number or a string; responses always use strings so no precision
  is lost in JavaScript clients.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Record model
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/harvest-ledger/certificate"
	"github.com/warp/harvest-ledger/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

type MetadataDTO struct {
	Location     string            `json:"location,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	QualityScore *decimal.Decimal  `json:"quality_score,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// CreateHarvestRequest registers a batch.
type CreateHarvestRequest struct {
	BatchID      string `json:"batch_id"`
	FarmerID     string `json:"farmer_id"`
	FarmName     string `json:"farm_name"`
	FarmLocation string `json:"farm_location"`

	Crop           string   `json:"crop"`
	Variety        string   `json:"variety"`
	HarvestDate    string   `json:"harvest_date"` // YYYY-MM-DD
	Grade          string   `json:"grade"`
	Certifications []string `json:"certifications"`

	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`

	// Optional externally produced certificate address; when empty the
	// ledger pins its own certificate.
	CertificateHash string      `json:"certificate_hash"`
	Metadata        MetadataDTO `json:"metadata"`
}

// AppendTransferRequest moves part of a batch.
type AppendTransferRequest struct {
	Type            string          `json:"type"`
	From            string          `json:"from"`
	To              string          `json:"to"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	CertificateHash string          `json:"certificate_hash"`
	Metadata        MetadataDTO     `json:"metadata"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type ProductDTO struct {
	Crop           string   `json:"crop"`
	Variety        string   `json:"variety,omitempty"`
	HarvestDate    string   `json:"harvest_date"`
	Grade          string   `json:"grade,omitempty"`
	Certifications []string `json:"certifications,omitempty"`
}

type TransactionDTO struct {
	ID                      string          `json:"id"`
	BatchID                 string          `json:"batch_id"`
	Sequence                int             `json:"sequence"`
	Type                    string          `json:"type"`
	From                    string          `json:"from"`
	To                      string          `json:"to"`
	Quantity                decimal.Decimal `json:"quantity"`
	Price                   decimal.Decimal `json:"price"`
	Timestamp               string          `json:"timestamp"`
	PreviousTransactionHash string          `json:"previous_transaction_hash"`
	Hash                    string          `json:"hash"`
	Product                 ProductDTO      `json:"product"`
	Metadata                MetadataDTO     `json:"metadata"`
	IPFSHash                string          `json:"ipfs_hash,omitempty"`
	CertificateDigest       string          `json:"certificate_digest,omitempty"`
	BlockchainHash          string          `json:"blockchain_hash,omitempty"`
}

type ChainDTO struct {
	BatchID      string           `json:"batch_id"`
	Length       int              `json:"length"`
	Transactions []TransactionDTO `json:"transactions"`
}

type HoldingDTO struct {
	Owner             string          `json:"owner"`
	Quantity          decimal.Decimal `json:"quantity"`
	LastTransactionID string          `json:"last_transaction_id"`
}

type StateDTO struct {
	BatchID           string          `json:"batch_id"`
	Harvester         string          `json:"harvester"`
	TotalQuantity     decimal.Decimal `json:"total_quantity"`
	AvailableQuantity decimal.Decimal `json:"available_quantity"`
	CurrentOwners     []HoldingDTO    `json:"current_owners"`
	ChainLength       int             `json:"chain_length"`
	LastHash          string          `json:"last_hash"`
}

type BatchDTO struct {
	BatchID      string     `json:"batch_id"`
	FarmerID     string     `json:"farmer_id"`
	FarmName     string     `json:"farm_name,omitempty"`
	FarmLocation string     `json:"farm_location,omitempty"`
	Product      ProductDTO `json:"product"`
	RegisteredAt string     `json:"registered_at"`
}

type CertificateDTO struct {
	Hash     string               `json:"hash"`
	Document certificate.Document `json:"document"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ScenarioResultDTO struct {
	ScenarioID string   `json:"scenario_id"`
	Batches    []string `json:"batches"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

const dateLayout = "2006-01-02"

func toProductDTO(p ledger.ProductDetails) ProductDTO {
	dto := ProductDTO{
		Crop:           p.Crop,
		Variety:        p.Variety,
		Grade:          p.Grade,
		Certifications: p.Certifications,
	}
	if !p.HarvestDate.IsZero() {
		dto.HarvestDate = p.HarvestDate.Format(dateLayout)
	}
	return dto
}

func toMetadataDTO(m ledger.Metadata) MetadataDTO {
	return MetadataDTO{Location: m.Location, Notes: m.Notes, QualityScore: m.QualityScore, Extra: m.Extra}
}

func (m MetadataDTO) toLedger() ledger.Metadata {
	return ledger.Metadata{Location: m.Location, Notes: m.Notes, QualityScore: m.QualityScore, Extra: m.Extra}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:                      string(tx.ID),
		BatchID:                 string(tx.BatchID),
		Sequence:                tx.Sequence,
		Type:                    string(tx.Type),
		From:                    tx.From,
		To:                      tx.To,
		Quantity:                tx.Quantity,
		Price:                   tx.Price,
		Timestamp:               tx.Timestamp.UTC().Format(time.RFC3339Nano),
		PreviousTransactionHash: tx.PreviousTransactionHash,
		Hash:                    ledger.Hash(tx),
		Product:                 toProductDTO(tx.ProductDetails),
		Metadata:                toMetadataDTO(tx.Metadata),
		IPFSHash:                tx.IPFSHash,
		CertificateDigest:       tx.CertificateDigest,
		BlockchainHash:          tx.BlockchainHash,
	}
}

func toChainDTO(c ledger.Chain) ChainDTO {
	dtos := make([]TransactionDTO, len(c.Transactions))
	for i, tx := range c.Transactions {
		dtos[i] = toTransactionDTO(tx)
	}
	return ChainDTO{BatchID: string(c.BatchID), Length: c.Len(), Transactions: dtos}
}

func toStateDTO(s ledger.State) StateDTO {
	owners := make([]HoldingDTO, 0, len(s.CurrentOwners))
	for owner, h := range s.CurrentOwners {
		owners = append(owners, HoldingDTO{Owner: owner, Quantity: h.Quantity, LastTransactionID: string(h.LastTransactionID)})
	}
	sortHoldings(owners)
	return StateDTO{
		BatchID:           string(s.BatchID),
		Harvester:         s.Harvester,
		TotalQuantity:     s.TotalQuantity,
		AvailableQuantity: s.AvailableQuantity,
		CurrentOwners:     owners,
		ChainLength:       s.ChainLength,
		LastHash:          s.LastHash,
	}
}

func toBatchDTO(m ledger.BatchMetadata) BatchDTO {
	return BatchDTO{
		BatchID:      string(m.BatchID),
		FarmerID:     m.FarmerID,
		FarmName:     m.FarmName,
		FarmLocation: m.FarmLocation,
		Product:      toProductDTO(m.Product),
		RegisteredAt: m.RegisteredAt.UTC().Format(time.RFC3339),
	}
}
