package ledger

// =============================================================================
// CHAIN VALIDATION
// =============================================================================

// ValidateRecord checks the per-record invariants: known type, positive
// quantity and non-negative price.
func ValidateRecord(tx Transaction) error {
	if !tx.Type.Valid() {
		return &InvalidTransactionTypeError{Type: string(tx.Type)}
	}
	if !tx.Quantity.IsPositive() {
		return &InvalidQuantityError{BatchID: tx.BatchID, Field: "quantity", Value: tx.Quantity}
	}
	if tx.Price.IsNegative() {
		return &InvalidQuantityError{BatchID: tx.BatchID, Field: "price", Value: tx.Price}
	}
	return nil
}

// ValidateChain checks every chain invariant and returns the replayed state:
//
//  1. exactly one HARVEST, in first position
//  2. every later record links to the content hash of its predecessor
//  3. no owner ever moves more than it holds (replay)
//  4. quantity > 0 and price >= 0 everywhere
//  5. timestamps never decrease
//
// Sequence numbers must be contiguous from zero and every record must belong
// to the same batch.
func ValidateChain(c Chain) (State, error) {
	if c.IsEmpty() {
		return State{}, ErrChainEmpty
	}

	var prevHash string
	for i, tx := range c.Transactions {
		if c.BatchID != "" && tx.BatchID != c.BatchID {
			return State{}, &InvalidChainError{BatchID: c.BatchID, TransactionID: tx.ID, Reason: "record belongs to batch " + string(tx.BatchID)}
		}
		if err := ValidateRecord(tx); err != nil {
			return State{}, err
		}
		if tx.Sequence != i {
			return State{}, &InvalidChainError{BatchID: tx.BatchID, TransactionID: tx.ID, Reason: "sequence out of order"}
		}

		if i == 0 {
			if !tx.IsHarvest() {
				return State{}, &InvalidChainError{BatchID: tx.BatchID, TransactionID: tx.ID, Reason: "first transaction is not HARVEST"}
			}
			if tx.PreviousTransactionHash != "" {
				return State{}, &BrokenChainLinkError{
					BatchID: tx.BatchID, TransactionID: tx.ID, Sequence: i,
					Expected: "", Actual: tx.PreviousTransactionHash,
				}
			}
		} else {
			prev := c.Transactions[i-1]
			if tx.IsHarvest() {
				return State{}, &InvalidChainError{BatchID: tx.BatchID, TransactionID: tx.ID, Reason: "second HARVEST transaction"}
			}
			if tx.PreviousTransactionHash != prevHash {
				return State{}, &BrokenChainLinkError{
					BatchID: tx.BatchID, TransactionID: tx.ID, Sequence: i,
					Expected: prevHash, Actual: tx.PreviousTransactionHash,
				}
			}
			if tx.Timestamp.Before(prev.Timestamp) {
				return State{}, &InvalidChainError{BatchID: tx.BatchID, TransactionID: tx.ID, Reason: "timestamp earlier than previous transaction"}
			}
		}
		prevHash = Hash(tx)
	}

	return ReplayChain(c)
}
