/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify failures with errors.Is / errors.As and the helpers
  at the bottom of this file.

ERROR CATEGORIES:
  1. Validation errors - caller-correctable, never retried automatically
     (MissingField, InvalidQuantity, InvalidTransactionType, DuplicateHarvest,
     InsufficientQuantity)
     Stored-data violations (Overdraft, BrokenChainLink, InvalidChain) are
     integrity errors: the caller cannot fix them.
  2. Contention errors - retryable by the caller with backoff
     (ContendedWrite, Conflict)
  3. Transient I/O errors - retried inside collaborator clients, surfaced
     as SourceUnavailable once retries are exhausted
  4. Integrity errors - fatal, never retried (ContentHashMismatch)
  5. Not-found conditions - a valid "nothing here" outcome
     (BatchNotFound, ChainEmpty)

SEE ALSO:
  - builder.go: Returns validation and contention errors
  - replay.go: Returns OverdraftError
  - verify/verifier.go: Reports integrity and availability errors as results
*/
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrMissingField           = errors.New("missing required field")
	ErrInvalidQuantity        = errors.New("invalid quantity")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrDuplicateHarvest       = errors.New("batch already harvested")
	ErrInsufficientQuantity   = errors.New("insufficient quantity")
	ErrOverdraft              = errors.New("overdraft")
	ErrBrokenChainLink        = errors.New("broken chain link")
	ErrInvalidChain           = errors.New("invalid chain")

	// ErrContendedWrite is returned when the per-batch lease could not be
	// acquired in time. Retry with backoff.
	ErrContendedWrite = errors.New("contended write")

	// ErrConflict is returned by a Store when an append does not extend the
	// chain it was computed against (sequence already taken).
	ErrConflict = errors.New("append conflict")

	ErrSourceUnavailable   = errors.New("source unavailable")
	ErrContentHashMismatch = errors.New("content hash mismatch")

	ErrBatchNotFound = errors.New("batch not found")
	ErrChainEmpty    = errors.New("chain is empty")

	// ErrContentNotFound is a semantic miss from the content store (the
	// address is well formed but nothing is pinned there).
	ErrContentNotFound = errors.New("content not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MissingFieldError reports a required identifier left empty or blank.
type MissingFieldError struct {
	BatchID BatchID
	Field   string
}

func (e *MissingFieldError) Error() string {
	if e.BatchID == "" {
		return fmt.Sprintf("%s is required", e.Field)
	}
	return fmt.Sprintf("%s is required for batch %s", e.Field, e.BatchID)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingField }

// InvalidQuantityError reports a non-positive quantity or negative price.
type InvalidQuantityError struct {
	BatchID BatchID
	Field   string // "quantity" or "price"
	Value   decimal.Decimal
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid %s %s for batch %s", e.Field, e.Value, e.BatchID)
}

func (e *InvalidQuantityError) Unwrap() error { return ErrInvalidQuantity }

type InvalidTransactionTypeError struct {
	Type string
}

func (e *InvalidTransactionTypeError) Error() string {
	return fmt.Sprintf("invalid transaction type %q", e.Type)
}

func (e *InvalidTransactionTypeError) Unwrap() error { return ErrInvalidTransactionType }

type DuplicateHarvestError struct {
	BatchID BatchID
}

func (e *DuplicateHarvestError) Error() string {
	return fmt.Sprintf("batch %s already has a harvest record", e.BatchID)
}

func (e *DuplicateHarvestError) Unwrap() error { return ErrDuplicateHarvest }

// InsufficientQuantityError is returned by the builder when the sender
// cannot cover a transfer. The chain is left unchanged.
type InsufficientQuantityError struct {
	BatchID   BatchID
	Owner     string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("insufficient quantity in batch %s: %s holds %s kg, requested %s kg",
		e.BatchID, e.Owner, e.Available, e.Requested)
}

func (e *InsufficientQuantityError) Unwrap() error { return ErrInsufficientQuantity }

// Shortfall returns how much is missing to satisfy the request.
func (e *InsufficientQuantityError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// OverdraftError is returned by replay when a recorded transaction moves
// more than its sender held at that point of the chain.
type OverdraftError struct {
	BatchID       BatchID
	TransactionID TransactionID
	Owner         string
	Balance       decimal.Decimal
	Requested     decimal.Decimal
}

func (e *OverdraftError) Error() string {
	return fmt.Sprintf("overdraft in batch %s at transaction %s: %s held %s kg, moved %s kg",
		e.BatchID, e.TransactionID, e.Owner, e.Balance, e.Requested)
}

func (e *OverdraftError) Unwrap() error { return ErrOverdraft }

type BrokenChainLinkError struct {
	BatchID       BatchID
	TransactionID TransactionID
	Sequence      int
	Expected      string
	Actual        string
}

func (e *BrokenChainLinkError) Error() string {
	return fmt.Sprintf("broken chain link in batch %s at transaction %s (#%d): expected previous hash %s, got %s",
		e.BatchID, e.TransactionID, e.Sequence, e.Expected, e.Actual)
}

func (e *BrokenChainLinkError) Unwrap() error { return ErrBrokenChainLink }

// InvalidChainError covers structural violations other than hash links:
// missing or repeated HARVEST, out-of-order sequence, decreasing timestamps.
type InvalidChainError struct {
	BatchID       BatchID
	TransactionID TransactionID
	Reason        string
}

func (e *InvalidChainError) Error() string {
	return fmt.Sprintf("invalid chain for batch %s at transaction %s: %s", e.BatchID, e.TransactionID, e.Reason)
}

func (e *InvalidChainError) Unwrap() error { return ErrInvalidChain }

type ContendedWriteError struct {
	BatchID BatchID
	Waited  time.Duration
}

func (e *ContendedWriteError) Error() string {
	return fmt.Sprintf("batch %s is locked by another writer (waited %s)", e.BatchID, e.Waited)
}

func (e *ContendedWriteError) Unwrap() error { return ErrContendedWrite }

// Source names one of the three independent sources of truth.
type Source string

const (
	SourceRelational Source = "relational"
	SourceContent    Source = "content"
	SourceBlockchain Source = "blockchain"
)

// SourceUnavailableError is returned once a collaborator's retries are
// exhausted.
type SourceUnavailableError struct {
	Source Source
	Op     string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s source unavailable (%s)", e.Source, e.Op)
	}
	return fmt.Sprintf("%s source unavailable (%s): %v", e.Source, e.Op, e.Err)
}

func (e *SourceUnavailableError) Is(target error) bool { return target == ErrSourceUnavailable }

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

type ContentHashMismatchError struct {
	Address  string
	Expected string
	Actual   string
}

func (e *ContentHashMismatchError) Error() string {
	return fmt.Sprintf("content hash mismatch for %s: expected %s, got %s", e.Address, e.Expected, e.Actual)
}

func (e *ContentHashMismatchError) Unwrap() error { return ErrContentHashMismatch }

type BatchNotFoundError struct {
	BatchID BatchID
}

func (e *BatchNotFoundError) Error() string {
	return fmt.Sprintf("batch %s not found", e.BatchID)
}

func (e *BatchNotFoundError) Unwrap() error { return ErrBatchNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may retry the same write with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContendedWrite) || errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to invalid caller input or
// a request the chain cannot satisfy.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidTransactionType) ||
		errors.Is(err, ErrDuplicateHarvest) ||
		errors.Is(err, ErrInsufficientQuantity)
}

// IsIntegrity returns true for failures that indicate tampering or
// corruption of stored data.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrContentHashMismatch) ||
		errors.Is(err, ErrBrokenChainLink) ||
		errors.Is(err, ErrOverdraft) ||
		errors.Is(err, ErrInvalidChain)
}

// IsNotFound returns true if the error indicates a missing batch or content.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrChainEmpty) ||
		errors.Is(err, ErrContentNotFound)
}

// IsUnavailable returns true if a collaborator could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrSourceUnavailable)
}
