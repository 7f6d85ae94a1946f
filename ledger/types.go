/*
Package ledger provides the supply-chain ledger engine.

PURPOSE:
  This package contains the record model and algorithms for tracking a
  harvested batch of produce as it moves between farmers, distributors and
  retailers. Every movement is an immutable, hash-linked transaction; the
  current owners of a batch are always computed by replaying its chain.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: An immutable, hash-linked ledger record
  - TransactionType: The closed set of movement kinds (HARVEST, PURCHASE, ...)
  - ProductDetails: Snapshot of what was harvested, frozen at batch creation
  - BatchMetadata: Static harvest metadata stored alongside the chain
  - Chain / State: An ordered chain and its replayed aggregates

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only appended
  2. Precision: Uses decimal.Decimal for kilograms and prices
  3. Self-describing: Every record carries its own product snapshot
  4. Tamper-evidence: Each record links to the content hash of its predecessor

USAGE:
  tx := ledger.Transaction{
      BatchID:  "batch-001",
      Type:     ledger.TxPurchase,
      From:     "farmer-1",
      To:       "distributor-7",
      Quantity: decimal.NewFromInt(30),
      Price:    decimal.NewFromInt(55),
  }

SEE ALSO:
  - hash.go: Content hashing of transactions
  - replay.go: Quantity ledger (owners and remaining quantity)
  - builder.go: Appending validated transactions to a chain
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BatchID string
type TransactionID string

// =============================================================================
// TRANSACTION TYPE - Closed set of movement kinds
// =============================================================================

type TransactionType string

const (
	TxHarvest    TransactionType = "HARVEST"    // Batch registration by the farmer, first in every chain
	TxPurchase   TransactionType = "PURCHASE"   // Paid transfer of part of the batch
	TxTransfer   TransactionType = "TRANSFER"   // Unpaid custody change (logistics, consignment)
	TxProcessing TransactionType = "PROCESSING" // Handed to a processor (washing, packing, grading)
	TxRetail     TransactionType = "RETAIL"     // Sold into retail
)

var transactionTypes = map[TransactionType]bool{
	TxHarvest:    true,
	TxPurchase:   true,
	TxTransfer:   true,
	TxProcessing: true,
	TxRetail:     true,
}

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	return transactionTypes[t]
}

// ParseTransactionType parses the wire name of a transaction type.
func ParseTransactionType(s string) (TransactionType, error) {
	t := TransactionType(s)
	if !t.Valid() {
		return "", &InvalidTransactionTypeError{Type: s}
	}
	return t, nil
}

// =============================================================================
// PRODUCT SNAPSHOT
// =============================================================================

// ProductDetails is captured once, when the batch is harvested, and copied
// into every record of the chain. It is never re-fetched.
type ProductDetails struct {
	Crop           string    `json:"crop"`
	Variety        string    `json:"variety,omitempty"`
	HarvestDate    time.Time `json:"harvest_date"`
	Grade          string    `json:"grade,omitempty"`
	Certifications []string  `json:"certifications,omitempty"`
}

// Metadata holds advisory annotations. None of these fields participate in
// invariant checks.
type Metadata struct {
	Location     string            `json:"location,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	QualityScore *decimal.Decimal  `json:"quality_score,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// =============================================================================
// TRANSACTION - Immutable, hash-linked ledger record
// =============================================================================

type Transaction struct {
	ID       TransactionID
	BatchID  BatchID
	Sequence int
	Type     TransactionType
	From     string
	To       string

	// Kilograms moved; always positive.
	Quantity decimal.Decimal
	// Price per kilogram; never negative.
	Price decimal.Decimal

	Timestamp               time.Time
	PreviousTransactionHash string

	ProductDetails ProductDetails
	Metadata       Metadata

	// Content address of the pinned certificate and the sha256 digest of
	// its bytes. Digest is empty when the address was supplied externally.
	IPFSHash          string
	CertificateDigest string

	// On-chain transaction hash. Attached after the append by notarization,
	// so it is not covered by the content hash.
	BlockchainHash string
}

// IsHarvest reports whether tx opens a chain.
func (tx Transaction) IsHarvest() bool { return tx.Type == TxHarvest }

// IsNotarized reports whether an on-chain hash is attached.
func (tx Transaction) IsNotarized() bool { return tx.BlockchainHash != "" }

// =============================================================================
// BATCH METADATA - Static harvest facts, stored once
// =============================================================================

type BatchMetadata struct {
	BatchID      BatchID
	FarmerID     string
	FarmName     string
	FarmLocation string
	Product      ProductDetails
	RegisteredAt time.Time
}

// =============================================================================
// CHAIN AND STATE - Derived, never stored
// =============================================================================

// Chain is the ordered transaction sequence of one batch.
type Chain struct {
	BatchID      BatchID
	Transactions []Transaction
}

func (c Chain) Len() int      { return len(c.Transactions) }
func (c Chain) IsEmpty() bool { return len(c.Transactions) == 0 }

// Last returns the most recent transaction. ok is false for an empty chain.
func (c Chain) Last() (tx Transaction, ok bool) {
	if len(c.Transactions) == 0 {
		return Transaction{}, false
	}
	return c.Transactions[len(c.Transactions)-1], true
}

// Holding is one identity's position in a batch.
type Holding struct {
	Quantity          decimal.Decimal
	LastTransactionID TransactionID
}

// State is the result of replaying a chain.
type State struct {
	BatchID       BatchID
	Harvester     string
	CurrentOwners map[string]Holding

	// Declared by the HARVEST record; constant for the life of the batch.
	TotalQuantity decimal.Decimal

	// Quantity still held by the harvesting owner.
	AvailableQuantity decimal.Decimal

	ChainLength int
	LastHash    string
}

// HeldBy returns the quantity held by owner (zero when absent).
func (s State) HeldBy(owner string) decimal.Decimal {
	if h, ok := s.CurrentOwners[owner]; ok {
		return h.Quantity
	}
	return decimal.Zero
}

// Held returns the sum of every owner's holding.
func (s State) Held() decimal.Decimal {
	sum := decimal.Zero
	for _, h := range s.CurrentOwners {
		sum = sum.Add(h.Quantity)
	}
	return sum
}
