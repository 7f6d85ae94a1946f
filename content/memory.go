package content

import (
	"context"
	"sync"

	"github.com/warp/harvest-ledger/ledger"
)

// =============================================================================
// MEMORY - In-memory content store (for testing/dev)
// =============================================================================

// Memory addresses content by its sha256. It can be switched offline to
// exercise fallbacks.
type Memory struct {
	mu          sync.RWMutex
	blobs       map[string][]byte
	unavailable bool
}

var _ ledger.ContentStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, b []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return "", &ledger.SourceUnavailableError{Source: ledger.SourceContent, Op: "put"}
	}
	address := MemoryAddress(b)
	m.blobs[address] = append([]byte(nil), b...)
	return address, nil
}

func (m *Memory) Get(_ context.Context, address string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return nil, &ledger.SourceUnavailableError{Source: ledger.SourceContent, Op: "get " + address}
	}
	b, ok := m.blobs[address]
	if !ok {
		return nil, ledger.ErrContentNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) HeadExists(_ context.Context, address string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return false, &ledger.SourceUnavailableError{Source: ledger.SourceContent, Op: "head " + address}
	}
	_, ok := m.blobs[address]
	return ok, nil
}

// SetUnavailable switches the store offline or back online.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

// Overwrite replaces the bytes behind address without changing the
// address. Only tests use it, to simulate a corrupted or tampered pin.
func (m *Memory) Overwrite(address string, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[address] = append([]byte(nil), b...)
}
