/*
Package verify cross-checks ledger records against the three sources of truth.

STATE MACHINE (one request):

	Requested -> ResolvingRelational -> NotFound                      (terminal)
	                                 -> InvalidChain                  (terminal, hard error)
	                                 -> RelationalUnavailable         (terminal, hard error)
	                                 -> ResolvingContent -> ContentUnreachable  (terminal, hard error)
	                                                     -> ContentMismatch     (terminal, hard error)
	                                                     -> ResolvingChain -> Verified            (terminal)
	                                                                       -> VerifiedWithWarning (terminal)

SOURCES:
  relational  authoritative: the record must exist and its chain must validate
  content     the certificate must be retrievable and match the recorded digest
  blockchain  optional: a matching event raises confidence, its absence is a
              warning because notarization is asynchronous

  The verifier never writes and holds no locks. It is safe to call
  concurrently and repeatedly.
*/
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/warp/harvest-ledger/certificate"
	"github.com/warp/harvest-ledger/content"
	"github.com/warp/harvest-ledger/ledger"
)

type Stage string

const (
	StageRequested             Stage = "REQUESTED"
	StageResolvingRelational   Stage = "RESOLVING_RELATIONAL"
	StageNotFound              Stage = "NOT_FOUND"
	StageInvalidChain          Stage = "INVALID_CHAIN"
	StageRelationalUnavailable Stage = "RELATIONAL_UNAVAILABLE"
	StageResolvingContent      Stage = "RESOLVING_CONTENT"
	StageContentUnreachable    Stage = "CONTENT_UNREACHABLE"
	StageContentMismatch       Stage = "CONTENT_MISMATCH"
	StageResolvingChain        Stage = "RESOLVING_CHAIN"
	StageVerified              Stage = "VERIFIED"
	StageVerifiedWithWarning   Stage = "VERIFIED_WITH_WARNING"
)

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	switch s {
	case StageRequested, StageResolvingRelational, StageResolvingContent, StageResolvingChain:
		return false
	}
	return true
}

// SourceStatus is what one source said. Consulted is false when the
// verification ended before reaching it.
type SourceStatus struct {
	Consulted bool   `json:"consulted"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
}

type Result struct {
	Ref     string         `json:"ref"`
	BatchID ledger.BatchID `json:"batch_id,omitempty"`
	Address string         `json:"address,omitempty"`

	Stage   Stage `json:"stage"`
	IsValid bool  `json:"is_valid"`

	Relational SourceStatus `json:"relational"`
	Content    SourceStatus `json:"content"`
	Blockchain SourceStatus `json:"blockchain"`

	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`

	Record        *ledger.Transaction `json:"record,omitempty"`
	State         *ledger.State       `json:"state,omitempty"`
	ChainTxHash   string              `json:"chain_tx_hash,omitempty"`
	ChainBlock    uint64              `json:"chain_block,omitempty"`
	GatewayDigest string              `json:"content_digest,omitempty"`

	// Err is the first hard error, typed, for callers that classify it.
	Err error `json:"-"`
}

func (r *Result) fail(stage Stage, err error) *Result {
	r.Stage = stage
	r.IsValid = false
	if r.Err == nil {
		r.Err = err
	}
	r.Errors = append(r.Errors, err.Error())
	return r
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// =============================================================================
// VERIFIER
// =============================================================================

const (
	DefaultRelationalTimeout = 5 * time.Second
	DefaultContentTimeout    = 30 * time.Second
	DefaultChainTimeout      = 15 * time.Second
)

type Verifier struct {
	Store   ledger.Store
	Content ledger.ContentStore
	// Chain is optional; without it every verification carries a warning.
	Chain ledger.ChainLog

	RelationalTimeout time.Duration
	ContentTimeout    time.Duration
	ChainTimeout      time.Duration
}

func New(store ledger.Store, blobs ledger.ContentStore, chain ledger.ChainLog) *Verifier {
	return &Verifier{
		Store:             store,
		Content:           blobs,
		Chain:             chain,
		RelationalTimeout: DefaultRelationalTimeout,
		ContentTimeout:    DefaultContentTimeout,
		ChainTimeout:      DefaultChainTimeout,
	}
}

// Verify dispatches on the shape of ref: content addresses go to
// VerifyContent, anything else is treated as a batch id.
func (v *Verifier) Verify(ctx context.Context, ref string) *Result {
	if content.IsAddress(ref) {
		return v.VerifyContent(ctx, ref)
	}
	return v.VerifyBatch(ctx, ledger.BatchID(ref))
}

// VerifyBatch verifies the latest record of a batch.
func (v *Verifier) VerifyBatch(ctx context.Context, batchID ledger.BatchID) *Result {
	l := log.WithFields(log.Fields{
		"package": "verify",
		"func":    "VerifyBatch",
		"batch":   batchID,
	})
	r := &Result{Ref: string(batchID), BatchID: batchID, Stage: StageRequested, Errors: []string{}, Warnings: []string{}}

	// Relational
	r.Stage = StageResolvingRelational
	r.Relational.Consulted = true
	rctx, cancel := context.WithTimeout(ctx, v.RelationalTimeout)
	txs, err := v.Store.GetChain(rctx, batchID)
	cancel()
	if err != nil {
		if ledger.IsNotFound(err) {
			r.Relational.Detail = "batch not found"
			r.Stage = StageNotFound
			l.Debug("Batch not found")
			return r
		}
		r.Relational.Detail = err.Error()
		return r.fail(StageRelationalUnavailable, &ledger.SourceUnavailableError{Source: ledger.SourceRelational, Op: "get chain", Err: err})
	}

	state, err := ledger.ValidateChain(ledger.Chain{BatchID: batchID, Transactions: txs})
	if err != nil {
		r.Relational.Detail = "chain failed validation"
		l.WithError(err).Warn("Chain failed validation")
		return r.fail(StageInvalidChain, err)
	}
	last := txs[len(txs)-1]
	r.Relational.OK = true
	r.Relational.Detail = fmt.Sprintf("%d records, last %s", len(txs), last.ID)
	r.Record = &last
	r.State = &state

	if v.checkContent(ctx, r, &last, batchID) {
		v.checkChain(ctx, r, last)
	}
	l.WithFields(log.Fields{"stage": r.Stage, "valid": r.IsValid}).Info("Verification finished")
	return r
}

// VerifyContent verifies a certificate by its content address. The address
// is resolved to the record that references it; an address no record
// references can be retrieved but is never valid.
func (v *Verifier) VerifyContent(ctx context.Context, address string) *Result {
	l := log.WithFields(log.Fields{
		"package": "verify",
		"func":    "VerifyContent",
		"address": address,
	})
	r := &Result{Ref: address, Address: address, Stage: StageRequested, Errors: []string{}, Warnings: []string{}}

	// Relational
	r.Stage = StageResolvingRelational
	var record *ledger.Transaction
	if indexed, ok := v.Store.(ledger.IndexedStore); ok {
		r.Relational.Consulted = true
		rctx, cancel := context.WithTimeout(ctx, v.RelationalTimeout)
		tx, err := indexed.FindByContentAddress(rctx, address)
		cancel()
		switch {
		case err == nil:
			record = &tx
			r.BatchID = tx.BatchID
			r.Record = record
			r.Relational.OK = true
			r.Relational.Detail = fmt.Sprintf("referenced by %s in batch %s", tx.ID, tx.BatchID)
		case ledger.IsNotFound(err):
			r.Relational.Detail = "address not referenced by any ledger record"
		default:
			r.Relational.Detail = err.Error()
			l.WithError(err).Warn("Relational store unavailable")
			return r.fail(StageRelationalUnavailable, &ledger.SourceUnavailableError{Source: ledger.SourceRelational, Op: "find by content address", Err: err})
		}
	} else {
		r.Relational.Detail = "store cannot resolve content addresses"
	}

	if !v.checkContent(ctx, r, record, r.BatchID) {
		return r
	}
	if record == nil {
		// Retrievable, but nothing in the ledger vouches for it.
		r.Stage = StageNotFound
		r.IsValid = false
		r.warn("content is retrievable but not referenced by any ledger record")
		l.Info("Content not referenced by ledger")
		return r
	}
	v.checkChain(ctx, r, *record)
	l.WithFields(log.Fields{"stage": r.Stage, "valid": r.IsValid}).Info("Verification finished")
	return r
}

// checkContent fetches the certificate and compares it with the record.
// It returns false when the result reached a terminal failure.
func (v *Verifier) checkContent(ctx context.Context, r *Result, record *ledger.Transaction, batchID ledger.BatchID) bool {
	r.Stage = StageResolvingContent
	r.Content.Consulted = true

	address := r.Address
	if record != nil {
		address = record.IPFSHash
		r.Address = address
	}
	if address == "" {
		r.Content.Detail = "record references no certificate"
		r.fail(StageContentUnreachable, fmt.Errorf("no certificate address for %s: %w", r.Ref, ledger.ErrContentNotFound))
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, v.ContentTimeout)
	defer cancel()

	if record != nil && record.CertificateDigest == "" {
		return v.checkExternal(cctx, r, address)
	}

	b, err := v.Content.Get(cctx, address)
	if err != nil {
		r.Content.Detail = err.Error()
		if errors.Is(err, ledger.ErrContentNotFound) {
			err = fmt.Errorf("certificate %s: %w", address, err)
		}
		r.fail(StageContentUnreachable, err)
		return false
	}

	digest := ledger.Digest(b)
	r.GatewayDigest = digest
	switch {
	case record == nil:
	case digest != record.CertificateDigest:
		r.Content.Detail = "digest mismatch"
		r.fail(StageContentMismatch, &ledger.ContentHashMismatchError{
			Address:  address,
			Expected: record.CertificateDigest,
			Actual:   digest,
		})
		return false
	default:
		if doc, err := certificate.Decode(b); err != nil || doc.BatchID != batchID {
			r.Content.Detail = "certificate does not describe this batch"
			r.fail(StageContentMismatch, &ledger.ContentHashMismatchError{
				Address:  address,
				Expected: string(batchID),
				Actual:   string(doc.BatchID),
			})
			return false
		}
	}

	r.Content.OK = true
	r.Content.Detail = fmt.Sprintf("%d bytes, sha256 %s", len(b), digest)
	return true
}

// checkExternal handles a certificate the caller produced elsewhere. No
// digest was recorded, so existence is all there is to check.
func (v *Verifier) checkExternal(ctx context.Context, r *Result, address string) bool {
	ok, err := v.Content.HeadExists(ctx, address)
	switch {
	case err != nil:
		r.Content.Detail = err.Error()
		r.fail(StageContentUnreachable, err)
		return false
	case !ok:
		r.Content.Detail = "not found on any gateway"
		r.fail(StageContentUnreachable, fmt.Errorf("certificate %s: %w", address, ledger.ErrContentNotFound))
		return false
	}
	r.warn("certificate %s was supplied externally; no digest recorded to compare", address)
	r.Content.OK = true
	r.Content.Detail = "present (external, not downloaded)"
	return true
}

// checkChain looks for the on-chain event notarizing record. Every outcome
// other than a match is a warning.
func (v *Verifier) checkChain(ctx context.Context, r *Result, record ledger.Transaction) {
	r.Stage = StageResolvingChain
	r.IsValid = true

	if v.Chain == nil {
		r.Blockchain.Detail = "no blockchain log configured"
		r.warn("on-chain confirmation not checked: no blockchain log configured")
		r.Stage = StageVerifiedWithWarning
		return
	}

	r.Blockchain.Consulted = true
	bctx, cancel := context.WithTimeout(ctx, v.ChainTimeout)
	events, err := v.Chain.QueryEventsForBatch(bctx, record.BatchID)
	cancel()
	if err != nil {
		r.Blockchain.Detail = err.Error()
		r.warn("on-chain confirmation unavailable: %v", err)
		r.Stage = StageVerifiedWithWarning
		return
	}

	if ev, ok := matchEvent(events, record); ok {
		r.Blockchain.OK = true
		r.Blockchain.Detail = fmt.Sprintf("event in block %d", ev.BlockNumber)
		r.ChainTxHash = ev.TxHash
		r.ChainBlock = ev.BlockNumber
		r.Stage = StageVerified
		return
	}

	r.Blockchain.Detail = fmt.Sprintf("%d events, none matching", len(events))
	if record.IsNotarized() {
		r.warn("recorded on-chain hash %s not found in the event log", record.BlockchainHash)
	} else {
		r.warn("on-chain confirmation not found; notarization may still be pending")
	}
	r.Stage = StageVerifiedWithWarning
}

// matchEvent prefers the event with the recorded hash, then any event
// whose fields match the record.
func matchEvent(events []ledger.ChainEvent, record ledger.Transaction) (ledger.ChainEvent, bool) {
	if record.BlockchainHash != "" {
		for _, ev := range events {
			if ev.TxHash == record.BlockchainHash && ev.Matches(record) {
				return ev, true
			}
		}
		return ledger.ChainEvent{}, false
	}
	for _, ev := range events {
		if ev.Matches(record) && (ev.Type == "" || ev.Type == record.Type) {
			return ev, true
		}
	}
	return ledger.ChainEvent{}, false
}
