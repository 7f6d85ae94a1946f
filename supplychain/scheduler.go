/*
scheduler.go - Background notarization scheduler

PURPOSE:
  Records whose notarization failed on the write path stay unnotarized.
  The scheduler periodically picks them up, oldest first, and submits them
  again until the chain log accepts them.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Runs once immediately on start
  - Processes at most BatchSize records per run
  - Stops the run on the first unavailable chain log (no point hammering it)

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 minute)
  - BatchSize: Records per run (default: 50)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewNotarizationScheduler(service)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package supplychain

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/warp/harvest-ledger/ledger"
)

type NotarizationScheduler struct {
	Service       *Service
	CheckInterval time.Duration
	BatchSize     int
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// RunStats summarizes one scheduler run.
type RunStats struct {
	Pending   int
	Notarized int
	Failed    int
}

func NewNotarizationScheduler(service *Service) *NotarizationScheduler {
	return &NotarizationScheduler{
		Service:       service,
		CheckInterval: time.Minute,
		BatchSize:     50,
		Enabled:       true,
	}
}

func (ns *NotarizationScheduler) Start() {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	l := log.WithFields(log.Fields{"package": "supplychain", "func": "NotarizationScheduler.Start"})
	if !ns.Enabled || ns.Service.Chain == nil {
		l.Info("Notarization scheduler disabled")
		return
	}
	if ns.ticker != nil {
		return
	}

	ns.ticker = time.NewTicker(ns.CheckInterval)
	ns.stop = make(chan struct{})
	ns.wg.Add(1)
	go ns.run(ns.ticker, ns.stop)

	l.Infof("Notarization scheduler started, interval %v", ns.CheckInterval)
}

func (ns *NotarizationScheduler) Stop() {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.ticker == nil {
		return
	}
	ns.ticker.Stop()
	close(ns.stop)
	ns.wg.Wait()
	ns.ticker = nil
	log.WithField("package", "supplychain").Info("Notarization scheduler stopped")
}

func (ns *NotarizationScheduler) run(ticker *time.Ticker, stop chan struct{}) {
	defer ns.wg.Done()

	ns.RunNow(context.Background())
	for {
		select {
		case <-ticker.C:
			ns.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one pass synchronously.
func (ns *NotarizationScheduler) RunNow(ctx context.Context) RunStats {
	l := log.WithFields(log.Fields{"package": "supplychain", "func": "NotarizationScheduler.RunNow"})
	var stats RunStats

	pending, err := ns.Service.Store.Unnotarized(ctx, ns.BatchSize)
	if err != nil {
		l.WithError(err).Error("Listing unnotarized records failed")
		return stats
	}
	stats.Pending = len(pending)

	for _, tx := range pending {
		if _, err := ns.Service.Notarize(ctx, tx); err != nil {
			stats.Failed++
			l.WithFields(log.Fields{"batch": tx.BatchID, "tx": tx.ID}).WithError(err).Warn("Notarization failed")
			if ledger.IsUnavailable(err) {
				break
			}
			continue
		}
		stats.Notarized++
	}

	if stats.Pending > 0 {
		l.Infof("Notarization run: %d pending, %d notarized, %d failed", stats.Pending, stats.Notarized, stats.Failed)
	}
	return stats
}
