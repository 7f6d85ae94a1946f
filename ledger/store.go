/*
store.go - Collaborator interfaces

PURPOSE:
  Defines the contracts between the ledger core and the three external
  sources of truth, plus the per-batch lock used by the write path.
  The core never depends on a concrete database, gateway or chain client.

KEY INTERFACES:
  Store:        Relational store (chain, batch metadata), append-only
  IndexedStore: Store plus lookups and notarization bookkeeping
  ContentStore: Content-addressed certificate storage (IPFS-style)
  ChainLog:     Smart-contract event log (optional notarization)
  Locker:       Per-batch lease with expiry

APPEND-ONLY CONTRACT:
  The Store interface has no Update or Delete. Notarization hashes are
  recorded in a separate relation and joined on read, so records stay
  byte-for-byte what was appended.

IMPLEMENTATIONS:
  - ledger/store/memory.go:  In-memory Store and Locker for tests/dev
  - store/sqlite/sqlite.go:  SQLite relational store
  - store/redislock:         Redis lease Locker
  - content/:                Memory and IPFS content stores
  - chainlog/:               Memory and HTTP chain logs

SEE ALSO:
  - builder.go: Uses Store and Locker
  - verify/verifier.go: Uses Store, ContentStore and ChainLog
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Relational store (append-only)
// =============================================================================

// Store persists chains and static batch metadata. Every call is atomic.
type Store interface {
	// GetChain returns the batch's transactions in chain order, or
	// ErrBatchNotFound.
	GetChain(ctx context.Context, batchID BatchID) ([]Transaction, error)

	// AppendTransaction appends tx to the batch. Returns ErrConflict if
	// tx.Sequence is not the next free position or the batch has no harvest.
	AppendTransaction(ctx context.Context, batchID BatchID, tx Transaction) error

	// GetBatchMetadata returns the static harvest metadata, or ErrBatchNotFound.
	GetBatchMetadata(ctx context.Context, batchID BatchID) (BatchMetadata, error)

	// CreateBatch stores metadata and the HARVEST record together.
	// Returns ErrDuplicateHarvest if the batch already exists.
	CreateBatch(ctx context.Context, meta BatchMetadata, harvest Transaction) error
}

// IndexedStore adds the read-side lookups and notarization bookkeeping used
// by the verifier, the API and the notarization scheduler.
type IndexedStore interface {
	Store

	// ListBatches returns metadata for every batch, newest first.
	ListBatches(ctx context.Context) ([]BatchMetadata, error)

	// FindByContentAddress returns the record whose certificate is pinned at
	// address, or ErrBatchNotFound.
	FindByContentAddress(ctx context.Context, address string) (Transaction, error)

	// RecordNotarization attaches an on-chain hash to a record. Recording
	// the same pair twice is a no-op.
	RecordNotarization(ctx context.Context, txID TransactionID, chainTxHash string) error

	// Unnotarized returns up to limit records without an on-chain hash,
	// oldest first.
	Unnotarized(ctx context.Context, limit int) ([]Transaction, error)
}

// =============================================================================
// CONTENT STORE - Content-addressed certificate storage
// =============================================================================

type ContentStore interface {
	// Put pins b and returns its content address.
	Put(ctx context.Context, b []byte) (string, error)

	// Get returns the bytes at address. ErrContentNotFound for a semantic
	// miss, SourceUnavailableError when no gateway answered.
	Get(ctx context.Context, address string) ([]byte, error)

	// HeadExists checks for the content without downloading it.
	HeadExists(ctx context.Context, address string) (bool, error)
}

// =============================================================================
// CHAIN LOG - Smart-contract event log
// =============================================================================

// ChainEvent is one event emitted by the traceability contract.
type ChainEvent struct {
	BatchID     BatchID         `json:"batch_id"`
	Type        TransactionType `json:"type"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	TxHash      string          `json:"tx_hash"`
	BlockNumber uint64          `json:"block_number"`
}

// Matches reports whether the event notarizes tx.
func (e ChainEvent) Matches(tx Transaction) bool {
	return e.BatchID == tx.BatchID &&
		e.Quantity.Equal(tx.Quantity) &&
		e.Price.Equal(tx.Price) &&
		(e.To == "" || e.To == tx.To)
}

// TransferRequest is what gets notarized for one record.
type TransferRequest struct {
	BatchID  BatchID
	Type     TransactionType
	From     string
	To       string
	Quantity decimal.Decimal
	Price    decimal.Decimal
	RecordID TransactionID
}

// TransferRequestFor builds the notarization request for tx.
func TransferRequestFor(tx Transaction) TransferRequest {
	return TransferRequest{
		BatchID:  tx.BatchID,
		Type:     tx.Type,
		From:     tx.From,
		To:       tx.To,
		Quantity: tx.Quantity,
		Price:    tx.Price,
		RecordID: tx.ID,
	}
}

type ChainLog interface {
	QueryEventsForBatch(ctx context.Context, batchID BatchID) ([]ChainEvent, error)
	SubmitTransfer(ctx context.Context, req TransferRequest) (txHash string, err error)
}

// =============================================================================
// LOCKER - Per-batch lease
// =============================================================================

// Locker serializes writers per batch. Different batches never contend.
type Locker interface {
	// Acquire blocks until the lease for batchID is granted, ctx is done,
	// or the locker's acquire timeout passes (ContendedWriteError).
	// The lease expires after ttl even if never released.
	Acquire(ctx context.Context, batchID BatchID, ttl time.Duration) (Lease, error)
}

type Lease interface {
	ExpiresAt() time.Time
	Release(ctx context.Context) error
}
