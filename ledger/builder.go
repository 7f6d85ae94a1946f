/*
builder.go - Chain builder (the only write path)

PURPOSE:
  Produces new, valid transactions and appends them to a batch's chain.
  Every invariant of the chain is checked against the persisted state
  before anything is written.

WRITE SEQUENCE (AppendTransfer):
  1. Acquire the per-batch lease (ContendedWriteError on timeout)
  2. Load and validate the chain, replay it
  3. Reject if the sender holds less than requested
  4. Link to the content hash of the last record
  5. Stamp a fresh ID and a monotonic timestamp
  6. Certify (pin the certificate) unless the caller supplied one
  7. Append, then release the lease

CANCELLATION:
  Once the lease is held, caller cancellation is ignored. The remaining
  work is bounded by the lease expiry instead, so an append either
  completes or fails explicitly and the lease can never be held forever.

APPEND-THEN-CONFIRM:
  The record is returned only after the store confirmed the append. A
  failed certification or a failed append leaves the chain untouched.

SEE ALSO:
  - replay.go: Balance computation
  - validate.go: Chain invariants
  - store.go: Store and Locker contracts
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// DefaultLeaseTTL bounds how long one append may hold a batch.
const DefaultLeaseTTL = 30 * time.Second

// =============================================================================
// CERTIFIER - Hook that pins the certificate for a new record
// =============================================================================

// Certifier produces and stores the certificate for the last transaction of
// chain, returning its content address and digest.
type Certifier interface {
	Certify(ctx context.Context, meta BatchMetadata, chain []Transaction) (address, digest string, err error)
}

// =============================================================================
// REQUESTS
// =============================================================================

type HarvestRequest struct {
	BatchID         BatchID
	FarmerID        string
	FarmName        string
	FarmLocation    string
	Product         ProductDetails
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	CertificateHash string
	Metadata        Metadata
}

type TransferInput struct {
	BatchID         BatchID
	Type            TransactionType
	From            string
	To              string
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	CertificateHash string
	Metadata        Metadata
}

// =============================================================================
// BUILDER
// =============================================================================

type Builder struct {
	Store     Store
	Locker    Locker
	Certifier Certifier
	LeaseTTL  time.Duration

	now   func() time.Time
	newID func() TransactionID
}

type BuilderOption func(*Builder)

// WithCertifier pins a certificate for every record created without an
// explicit certificate hash.
func WithCertifier(c Certifier) BuilderOption {
	return func(b *Builder) { b.Certifier = c }
}

func WithLeaseTTL(ttl time.Duration) BuilderOption {
	return func(b *Builder) { b.LeaseTTL = ttl }
}

// WithClock replaces time.Now. Used by tests to simulate clock skew.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

func WithIDGenerator(gen func() TransactionID) BuilderOption {
	return func(b *Builder) { b.newID = gen }
}

func NewBuilder(store Store, locker Locker, opts ...BuilderOption) *Builder {
	b := &Builder{
		Store:    store,
		Locker:   locker,
		LeaseTTL: DefaultLeaseTTL,
		now:      time.Now,
		newID:    func() TransactionID { return TransactionID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateHarvest registers a batch and writes its HARVEST record.
func (b *Builder) CreateHarvest(ctx context.Context, req HarvestRequest) (Transaction, error) {
	l := log.WithFields(log.Fields{
		"package": "ledger",
		"func":    "CreateHarvest",
		"batch":   req.BatchID,
		"farmer":  req.FarmerID,
	})

	if err := requireFields(req.BatchID, "batch_id", string(req.BatchID), "farmer_id", req.FarmerID); err != nil {
		return Transaction{}, err
	}

	tx := Transaction{
		ID:             b.newID(),
		BatchID:        req.BatchID,
		Sequence:       0,
		Type:           TxHarvest,
		From:           req.FarmerID,
		To:             req.FarmerID,
		Quantity:       req.Quantity,
		Price:          req.Price,
		Timestamp:      NormalizeTime(b.now()),
		ProductDetails: normalizeProduct(req.Product),
		Metadata:       req.Metadata,
		IPFSHash:       req.CertificateHash,
	}
	if err := ValidateRecord(tx); err != nil {
		return Transaction{}, err
	}

	lease, work, cancel, err := b.lock(ctx, req.BatchID)
	if err != nil {
		return Transaction{}, err
	}
	defer cancel()
	defer b.release(lease, req.BatchID)

	if _, err := b.Store.GetChain(work, req.BatchID); err == nil {
		return Transaction{}, &DuplicateHarvestError{BatchID: req.BatchID}
	} else if !errors.Is(err, ErrBatchNotFound) {
		return Transaction{}, fmt.Errorf("load chain for %s: %w", req.BatchID, err)
	}

	meta := BatchMetadata{
		BatchID:      req.BatchID,
		FarmerID:     req.FarmerID,
		FarmName:     req.FarmName,
		FarmLocation: req.FarmLocation,
		Product:      tx.ProductDetails,
		RegisteredAt: tx.Timestamp,
	}

	if err := b.certify(work, meta, nil, &tx); err != nil {
		return Transaction{}, err
	}

	if err := b.Store.CreateBatch(work, meta, tx); err != nil {
		if errors.Is(err, ErrDuplicateHarvest) {
			return Transaction{}, &DuplicateHarvestError{BatchID: req.BatchID}
		}
		return Transaction{}, fmt.Errorf("create batch %s: %w", req.BatchID, err)
	}

	l.WithField("tx", tx.ID).Infof("Harvest recorded: %s kg", tx.Quantity)
	return tx, nil
}

// AppendTransfer validates and appends a non-HARVEST movement.
func (b *Builder) AppendTransfer(ctx context.Context, in TransferInput) (Transaction, error) {
	l := log.WithFields(log.Fields{
		"package": "ledger",
		"func":    "AppendTransfer",
		"batch":   in.BatchID,
		"type":    in.Type,
		"from":    in.From,
		"to":      in.To,
	})

	if !in.Type.Valid() || in.Type == TxHarvest {
		return Transaction{}, &InvalidTransactionTypeError{Type: string(in.Type)}
	}
	if !in.Quantity.IsPositive() {
		return Transaction{}, &InvalidQuantityError{BatchID: in.BatchID, Field: "quantity", Value: in.Quantity}
	}
	if in.Price.IsNegative() {
		return Transaction{}, &InvalidQuantityError{BatchID: in.BatchID, Field: "price", Value: in.Price}
	}
	if err := requireFields(in.BatchID, "batch_id", string(in.BatchID), "from", in.From, "to", in.To); err != nil {
		return Transaction{}, err
	}

	lease, work, cancel, err := b.lock(ctx, in.BatchID)
	if err != nil {
		return Transaction{}, err
	}
	defer cancel()
	defer b.release(lease, in.BatchID)

	txs, err := b.Store.GetChain(work, in.BatchID)
	if err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			return Transaction{}, &BatchNotFoundError{BatchID: in.BatchID}
		}
		return Transaction{}, fmt.Errorf("load chain for %s: %w", in.BatchID, err)
	}

	chain := Chain{BatchID: in.BatchID, Transactions: txs}
	state, err := ValidateChain(chain)
	if err != nil {
		l.WithError(err).Error("Stored chain failed validation")
		return Transaction{}, err
	}

	held := state.HeldBy(in.From)
	if held.LessThan(in.Quantity) {
		return Transaction{}, &InsufficientQuantityError{
			BatchID:   in.BatchID,
			Owner:     in.From,
			Available: held,
			Requested: in.Quantity,
		}
	}

	last, _ := chain.Last()
	tx := Transaction{
		ID:                      b.newID(),
		BatchID:                 in.BatchID,
		Sequence:                len(txs),
		Type:                    in.Type,
		From:                    in.From,
		To:                      in.To,
		Quantity:                in.Quantity,
		Price:                   in.Price,
		Timestamp:               b.nextTimestamp(last.Timestamp),
		PreviousTransactionHash: Hash(last),
		ProductDetails:          txs[0].ProductDetails,
		Metadata:                in.Metadata,
		IPFSHash:                in.CertificateHash,
	}

	if b.Certifier != nil && tx.IPFSHash == "" {
		meta, err := b.Store.GetBatchMetadata(work, in.BatchID)
		if err != nil {
			return Transaction{}, fmt.Errorf("load metadata for %s: %w", in.BatchID, err)
		}
		if err := b.certify(work, meta, txs, &tx); err != nil {
			return Transaction{}, err
		}
	}

	if err := b.Store.AppendTransaction(work, in.BatchID, tx); err != nil {
		l.WithError(err).Error("Append failed")
		return Transaction{}, fmt.Errorf("append to %s: %w", in.BatchID, err)
	}

	l.WithField("tx", tx.ID).Infof("Transfer recorded: %s kg", tx.Quantity)
	return tx, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// lock acquires the batch lease and returns a context that ignores caller
// cancellation but ends when the lease expires.
func (b *Builder) lock(ctx context.Context, batchID BatchID) (Lease, context.Context, context.CancelFunc, error) {
	lease, err := b.Locker.Acquire(ctx, batchID, b.LeaseTTL)
	if err != nil {
		return nil, nil, nil, err
	}
	work, cancel := context.WithDeadline(context.WithoutCancel(ctx), lease.ExpiresAt())
	return lease, work, cancel, nil
}

func (b *Builder) release(lease Lease, batchID BatchID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		// The lease still expires on its own.
		log.WithFields(log.Fields{"package": "ledger", "batch": batchID}).WithError(err).Warn("Lease release failed")
	}
}

func (b *Builder) certify(ctx context.Context, meta BatchMetadata, prior []Transaction, tx *Transaction) error {
	if b.Certifier == nil || tx.IPFSHash != "" {
		return nil
	}
	chain := make([]Transaction, 0, len(prior)+1)
	chain = append(chain, prior...)
	chain = append(chain, *tx)

	address, digest, err := b.Certifier.Certify(ctx, meta, chain)
	if err != nil {
		return fmt.Errorf("certify %s: %w", tx.ID, err)
	}
	tx.IPFSHash = address
	tx.CertificateDigest = digest
	return nil
}

// nextTimestamp never goes backwards: a clock behind the last record is
// bumped to one millisecond after it.
func (b *Builder) nextTimestamp(last time.Time) time.Time {
	now := NormalizeTime(b.now())
	if now.Before(last) {
		return last.Add(time.Millisecond)
	}
	return now
}

func normalizeProduct(p ProductDetails) ProductDetails {
	p.HarvestDate = NormalizeTime(p.HarvestDate)
	if len(p.Certifications) > 0 {
		p.Certifications = append([]string(nil), p.Certifications...)
	}
	return p
}

// requireFields takes name/value pairs and reports the first blank value.
func requireFields(batchID BatchID, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return &MissingFieldError{BatchID: batchID, Field: pairs[i]}
		}
	}
	return nil
}
