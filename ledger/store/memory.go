// Package store provides in-memory implementations of the ledger collaborator
// interfaces.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/harvest-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu            sync.RWMutex
	chains        map[ledger.BatchID][]ledger.Transaction
	batches       map[ledger.BatchID]ledger.BatchMetadata
	notarizations map[ledger.TransactionID]string
	byAddress     map[string]ledger.TransactionID
	byID          map[ledger.TransactionID]ledger.BatchID
}

func NewMemory() *Memory {
	return &Memory{
		chains:        make(map[ledger.BatchID][]ledger.Transaction),
		batches:       make(map[ledger.BatchID]ledger.BatchMetadata),
		notarizations: make(map[ledger.TransactionID]string),
		byAddress:     make(map[string]ledger.TransactionID),
		byID:          make(map[ledger.TransactionID]ledger.BatchID),
	}
}

// CreateBatch stores metadata and the harvest record atomically.
func (m *Memory) CreateBatch(_ context.Context, meta ledger.BatchMetadata, harvest ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.batches[meta.BatchID]; exists {
		return ledger.ErrDuplicateHarvest
	}
	if harvest.Sequence != 0 || !harvest.IsHarvest() {
		return ledger.ErrConflict
	}
	m.batches[meta.BatchID] = meta
	m.appendLocked(meta.BatchID, harvest)
	return nil
}

// AppendTransaction adds a record. Append-only.
func (m *Memory) AppendTransaction(_ context.Context, batchID ledger.BatchID, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txs, ok := m.chains[batchID]
	if !ok || tx.Sequence != len(txs) {
		return ledger.ErrConflict
	}
	if _, dup := m.byID[tx.ID]; dup {
		return ledger.ErrConflict
	}
	m.appendLocked(batchID, tx)
	return nil
}

func (m *Memory) appendLocked(batchID ledger.BatchID, tx ledger.Transaction) {
	tx.BlockchainHash = ""
	m.chains[batchID] = append(m.chains[batchID], tx)
	m.byID[tx.ID] = batchID
	if tx.IPFSHash != "" {
		m.byAddress[tx.IPFSHash] = tx.ID
	}
}

func (m *Memory) GetChain(_ context.Context, batchID ledger.BatchID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txs, ok := m.chains[batchID]
	if !ok {
		return nil, ledger.ErrBatchNotFound
	}
	result := make([]ledger.Transaction, len(txs))
	for i, tx := range txs {
		tx.BlockchainHash = m.notarizations[tx.ID]
		result[i] = tx
	}
	return result, nil
}

func (m *Memory) GetBatchMetadata(_ context.Context, batchID ledger.BatchID) (ledger.BatchMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.batches[batchID]
	if !ok {
		return ledger.BatchMetadata{}, ledger.ErrBatchNotFound
	}
	return meta, nil
}

func (m *Memory) ListBatches(_ context.Context) ([]ledger.BatchMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.BatchMetadata, 0, len(m.batches))
	for _, meta := range m.batches {
		result = append(result, meta)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].RegisteredAt.Equal(result[j].RegisteredAt) {
			return result[i].BatchID < result[j].BatchID
		}
		return result[i].RegisteredAt.After(result[j].RegisteredAt)
	})
	return result, nil
}

func (m *Memory) FindByContentAddress(_ context.Context, address string) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byAddress[address]
	if !ok {
		return ledger.Transaction{}, ledger.ErrBatchNotFound
	}
	for _, tx := range m.chains[m.byID[id]] {
		if tx.ID == id {
			tx.BlockchainHash = m.notarizations[id]
			return tx, nil
		}
	}
	return ledger.Transaction{}, ledger.ErrBatchNotFound
}

func (m *Memory) RecordNotarization(_ context.Context, txID ledger.TransactionID, chainTxHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[txID]; !ok {
		return ledger.ErrBatchNotFound
	}
	if _, done := m.notarizations[txID]; done {
		return nil
	}
	m.notarizations[txID] = chainTxHash
	return nil
}

func (m *Memory) Unnotarized(_ context.Context, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Transaction
	for _, txs := range m.chains {
		for _, tx := range txs {
			if _, done := m.notarizations[tx.ID]; !done {
				result = append(result, tx)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// =============================================================================
// TEST HOOKS
// =============================================================================

// Tamper overwrites a stored record in place. It exists only so tests can
// simulate corruption of the relational store; nothing in the ledger calls it.
func (m *Memory) Tamper(batchID ledger.BatchID, seq int, fn func(*ledger.Transaction)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if txs, ok := m.chains[batchID]; ok && seq < len(txs) {
		fn(&txs[seq])
	}
}
