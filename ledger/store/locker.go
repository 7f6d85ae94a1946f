package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/harvest-ledger/ledger"
)

// =============================================================================
// LOCKER - In-process per-batch leases
// =============================================================================

// DefaultAcquireTimeout is how long Acquire waits for a busy batch.
const DefaultAcquireTimeout = 5 * time.Second

const pollInterval = 5 * time.Millisecond

// Locker grants at most one live lease per batch inside one process.
// Expired leases are taken over by the next caller.
type Locker struct {
	AcquireTimeout time.Duration

	mu     sync.Mutex
	leases map[ledger.BatchID]*lease
	now    func() time.Time
}

func NewLocker() *Locker {
	return &Locker{
		AcquireTimeout: DefaultAcquireTimeout,
		leases:         make(map[ledger.BatchID]*lease),
		now:            time.Now,
	}
}

func (l *Locker) Acquire(ctx context.Context, batchID ledger.BatchID, ttl time.Duration) (ledger.Lease, error) {
	start := l.now()
	deadline := start.Add(l.AcquireTimeout)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if ls := l.tryAcquire(batchID, ttl); ls != nil {
			return ls, nil
		}
		if !l.now().Before(deadline) {
			return nil, &ledger.ContendedWriteError{BatchID: batchID, Waited: l.now().Sub(start)}
		}
		select {
		case <-ctx.Done():
			return nil, &ledger.ContendedWriteError{BatchID: batchID, Waited: l.now().Sub(start)}
		case <-ticker.C:
		}
	}
}

func (l *Locker) tryAcquire(batchID ledger.BatchID, ttl time.Duration) *lease {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, held := l.leases[batchID]; held && now.Before(cur.expiresAt) {
		return nil
	}
	ls := &lease{
		owner:     l,
		batchID:   batchID,
		token:     uuid.NewString(),
		expiresAt: now.Add(ttl),
	}
	l.leases[batchID] = ls
	return ls
}

// Held reports whether batchID currently has a live lease.
func (l *Locker) Held(batchID ledger.BatchID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[batchID]
	return ok && l.now().Before(cur.expiresAt)
}

type lease struct {
	owner     *Locker
	batchID   ledger.BatchID
	token     string
	expiresAt time.Time
}

func (ls *lease) ExpiresAt() time.Time { return ls.expiresAt }

// Release frees the batch if this lease still owns it. Releasing an
// expired lease that was taken over is a no-op.
func (ls *lease) Release(_ context.Context) error {
	ls.owner.mu.Lock()
	defer ls.owner.mu.Unlock()
	if cur, ok := ls.owner.leases[ls.batchID]; ok && cur.token == ls.token {
		delete(ls.owner.leases, ls.batchID)
	}
	return nil
}
