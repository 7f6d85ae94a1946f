/*
Package supplychain is the exposed surface of the ledger.

PURPOSE:
  Wires the chain builder, the certificate assembler, the verifier and the
  three collaborators into the handful of operations the API and CLI call.
  Nothing outside this package mutates a chain.

OPERATIONS:
  CreateHarvest     register a batch and its HARVEST record
  AppendTransfer    append a PURCHASE/TRANSFER/PROCESSING/RETAIL record
  GetChain          the stored chain, in order
  GetCurrentState   the replayed owners and quantities
  BuildCertificate  the certificate for the chain as it stands
  Verify            cross-check a batch id or content address
  ListBatches       registered batches, newest first

WRITE PATH:
  builder (lease, validate, certify, append) -> release -> notarize

  Notarization is best effort. A failed SubmitTransfer is logged and the
  record stays unnotarized until the NotarizationScheduler picks it up;
  the write itself has already succeeded.
*/
package supplychain

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/warp/harvest-ledger/certificate"
	"github.com/warp/harvest-ledger/ledger"
	"github.com/warp/harvest-ledger/verify"
)

const DefaultNotarizeTimeout = 15 * time.Second

type Service struct {
	Store    ledger.IndexedStore
	Content  ledger.ContentStore
	Chain    ledger.ChainLog // nil disables notarization
	Builder  *ledger.Builder
	Verifier *verify.Verifier

	NotarizeTimeout time.Duration
}

// New builds a Service. A certificate is pinned for every record written
// without an explicit certificate hash.
func New(store ledger.IndexedStore, locker ledger.Locker, blobs ledger.ContentStore, chain ledger.ChainLog, opts ...ledger.BuilderOption) *Service {
	opts = append([]ledger.BuilderOption{ledger.WithCertifier(certificate.NewPinner(blobs))}, opts...)
	return &Service{
		Store:           store,
		Content:         blobs,
		Chain:           chain,
		Builder:         ledger.NewBuilder(store, locker, opts...),
		Verifier:        verify.New(store, blobs, chain),
		NotarizeTimeout: DefaultNotarizeTimeout,
	}
}

// =============================================================================
// WRITES
// =============================================================================

func (s *Service) CreateHarvest(ctx context.Context, req ledger.HarvestRequest) (ledger.Transaction, error) {
	tx, err := s.Builder.CreateHarvest(ctx, req)
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.notarizeBestEffort(ctx, &tx)
	return tx, nil
}

func (s *Service) AppendTransfer(ctx context.Context, in ledger.TransferInput) (ledger.Transaction, error) {
	tx, err := s.Builder.AppendTransfer(ctx, in)
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.notarizeBestEffort(ctx, &tx)
	return tx, nil
}

// Notarize submits tx to the chain log and records the returned hash.
// The chain log deduplicates on the record id, so resubmitting is safe.
func (s *Service) Notarize(ctx context.Context, tx ledger.Transaction) (string, error) {
	if s.Chain == nil {
		return "", errors.New("no blockchain log configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.NotarizeTimeout)
	defer cancel()

	hash, err := s.Chain.SubmitTransfer(ctx, ledger.TransferRequestFor(tx))
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", tx.ID, err)
	}
	if err := s.Store.RecordNotarization(ctx, tx.ID, hash); err != nil {
		return "", fmt.Errorf("record notarization of %s: %w", tx.ID, err)
	}
	return hash, nil
}

func (s *Service) notarizeBestEffort(ctx context.Context, tx *ledger.Transaction) {
	if s.Chain == nil {
		return
	}
	l := log.WithFields(log.Fields{
		"package": "supplychain",
		"func":    "notarize",
		"batch":   tx.BatchID,
		"tx":      tx.ID,
	})
	hash, err := s.Notarize(context.WithoutCancel(ctx), *tx)
	if err != nil {
		l.WithError(err).Warn("Notarization deferred")
		return
	}
	tx.BlockchainHash = hash
	l.WithField("chain_tx", hash).Debug("Notarized")
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) GetChain(ctx context.Context, batchID ledger.BatchID) (ledger.Chain, error) {
	txs, err := s.Store.GetChain(ctx, batchID)
	if err != nil {
		if errors.Is(err, ledger.ErrBatchNotFound) {
			return ledger.Chain{}, &ledger.BatchNotFoundError{BatchID: batchID}
		}
		return ledger.Chain{}, &ledger.SourceUnavailableError{Source: ledger.SourceRelational, Op: "get chain", Err: err}
	}
	return ledger.Chain{BatchID: batchID, Transactions: txs}, nil
}

// GetCurrentState replays the validated chain. A chain that fails
// validation is reported, never projected.
func (s *Service) GetCurrentState(ctx context.Context, batchID ledger.BatchID) (ledger.State, error) {
	chain, err := s.GetChain(ctx, batchID)
	if err != nil {
		return ledger.State{}, err
	}
	return ledger.ValidateChain(chain)
}

func (s *Service) BuildCertificate(ctx context.Context, batchID ledger.BatchID) (certificate.Certificate, error) {
	chain, err := s.GetChain(ctx, batchID)
	if err != nil {
		return certificate.Certificate{}, err
	}
	if _, err := ledger.ValidateChain(chain); err != nil {
		return certificate.Certificate{}, err
	}
	meta, err := s.Store.GetBatchMetadata(ctx, batchID)
	if err != nil {
		if errors.Is(err, ledger.ErrBatchNotFound) {
			return certificate.Certificate{}, &ledger.BatchNotFoundError{BatchID: batchID}
		}
		return certificate.Certificate{}, &ledger.SourceUnavailableError{Source: ledger.SourceRelational, Op: "get metadata", Err: err}
	}
	return certificate.Build(meta, chain.Transactions)
}

func (s *Service) Verify(ctx context.Context, ref string) *verify.Result {
	return s.Verifier.Verify(ctx, ref)
}

func (s *Service) ListBatches(ctx context.Context) ([]ledger.BatchMetadata, error) {
	batches, err := s.Store.ListBatches(ctx)
	if err != nil {
		return nil, &ledger.SourceUnavailableError{Source: ledger.SourceRelational, Op: "list batches", Err: err}
	}
	return batches, nil
}
