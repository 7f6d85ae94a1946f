// Package chainlog implements ledger.ChainLog: the smart-contract event log
// used for optional notarization. HTTP talks to a relayer/indexer service;
// Memory is a deterministic in-process log for tests and dev.
package chainlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/warp/harvest-ledger/ledger"
)

// =============================================================================
// MEMORY - In-process event log (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	events      map[ledger.BatchID][]ledger.ChainEvent
	submitted   map[ledger.TransactionID]string
	block       uint64
	unavailable bool
}

var _ ledger.ChainLog = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		events:    make(map[ledger.BatchID][]ledger.ChainEvent),
		submitted: make(map[ledger.TransactionID]string),
		block:     1000,
	}
}

func (m *Memory) QueryEventsForBatch(_ context.Context, batchID ledger.BatchID) ([]ledger.ChainEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return nil, &ledger.SourceUnavailableError{Source: ledger.SourceBlockchain, Op: "query events"}
	}
	return append([]ledger.ChainEvent(nil), m.events[batchID]...), nil
}

// SubmitTransfer mines one event per record. Resubmitting the same record
// returns the original hash.
func (m *Memory) SubmitTransfer(_ context.Context, req ledger.TransferRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return "", &ledger.SourceUnavailableError{Source: ledger.SourceBlockchain, Op: "submit transfer"}
	}
	if hash, done := m.submitted[req.RecordID]; done {
		return hash, nil
	}

	m.block++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", req.BatchID, req.RecordID, m.block)))
	hash := "0x" + hex.EncodeToString(sum[:])
	m.events[req.BatchID] = append(m.events[req.BatchID], ledger.ChainEvent{
		BatchID:     req.BatchID,
		Type:        req.Type,
		From:        req.From,
		To:          req.To,
		Quantity:    req.Quantity,
		Price:       req.Price,
		TxHash:      hash,
		BlockNumber: m.block,
	})
	m.submitted[req.RecordID] = hash
	return hash, nil
}

// SetUnavailable simulates an unreachable node.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

// Emit appends a raw event, as if another client had notarized it.
func (m *Memory) Emit(ev ledger.ChainEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block++
	ev.BlockNumber = m.block
	m.events[ev.BatchID] = append(m.events[ev.BatchID], ev)
}
