/*
replay.go - Quantity ledger

PURPOSE:
  Computes who currently holds how much of a batch by replaying its chain.
  There is no stored "balance" column that can drift from the records:
  holdings are always derived.

ALGORITHM:
  1. The HARVEST record credits its `to` with the harvested quantity.
  2. Every later record debits `from` and credits `to`.
  3. A debit that would drive a holding negative fails the whole replay
     with an OverdraftError naming the offending transaction.

CONSERVATION:
  If replay succeeds, the sum of all holdings equals TotalQuantity exactly.
  Quantities are decimals, so there is no rounding drift.

SCOPE:
  Replay does NOT check hash links or timestamps; see validate.go. It has
  no side effects and can be re-run at will.
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

// Replay folds txs into a State. txs must be in chain order.
func Replay(txs []Transaction) (State, error) {
	if len(txs) == 0 {
		return State{}, ErrChainEmpty
	}

	harvest := txs[0]
	if !harvest.IsHarvest() {
		return State{}, &InvalidChainError{
			BatchID:       harvest.BatchID,
			TransactionID: harvest.ID,
			Reason:        "first transaction is " + string(harvest.Type) + ", not HARVEST",
		}
	}
	if !harvest.Quantity.IsPositive() {
		return State{}, &InvalidQuantityError{BatchID: harvest.BatchID, Field: "quantity", Value: harvest.Quantity}
	}

	holdings := map[string]decimal.Decimal{harvest.To: harvest.Quantity}
	lastTx := map[string]TransactionID{harvest.To: harvest.ID}

	for _, tx := range txs[1:] {
		if tx.IsHarvest() {
			return State{}, &InvalidChainError{
				BatchID:       tx.BatchID,
				TransactionID: tx.ID,
				Reason:        "second HARVEST transaction",
			}
		}
		if !tx.Quantity.IsPositive() {
			return State{}, &InvalidQuantityError{BatchID: tx.BatchID, Field: "quantity", Value: tx.Quantity}
		}

		balance := holdings[tx.From]
		if balance.LessThan(tx.Quantity) {
			return State{}, &OverdraftError{
				BatchID:       tx.BatchID,
				TransactionID: tx.ID,
				Owner:         tx.From,
				Balance:       balance,
				Requested:     tx.Quantity,
			}
		}

		holdings[tx.From] = balance.Sub(tx.Quantity)
		holdings[tx.To] = holdings[tx.To].Add(tx.Quantity)
		lastTx[tx.From] = tx.ID
		lastTx[tx.To] = tx.ID
	}

	owners := make(map[string]Holding, len(holdings))
	for id, qty := range holdings {
		if qty.IsZero() {
			continue
		}
		owners[id] = Holding{Quantity: qty, LastTransactionID: lastTx[id]}
	}

	last := txs[len(txs)-1]
	return State{
		BatchID:           harvest.BatchID,
		Harvester:         harvest.To,
		CurrentOwners:     owners,
		TotalQuantity:     harvest.Quantity,
		AvailableQuantity: holdings[harvest.To],
		ChainLength:       len(txs),
		LastHash:          Hash(last),
	}, nil
}

// ReplayChain is Replay for a Chain value.
func ReplayChain(c Chain) (State, error) {
	s, err := Replay(c.Transactions)
	if err != nil {
		return State{}, err
	}
	if s.BatchID == "" {
		s.BatchID = c.BatchID
	}
	return s, nil
}
