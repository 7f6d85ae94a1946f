// Package wire builds the ledger's collaborators from configuration. It is
// shared by the server and the operator CLI so both run against exactly the
// same stores.
package wire

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/warp/harvest-ledger/chainlog"
	"github.com/warp/harvest-ledger/config"
	"github.com/warp/harvest-ledger/content"
	"github.com/warp/harvest-ledger/ledger"
	"github.com/warp/harvest-ledger/ledger/store"
	"github.com/warp/harvest-ledger/store/redislock"
	"github.com/warp/harvest-ledger/store/sqlite"
	"github.com/warp/harvest-ledger/supplychain"
)

// Runtime owns every opened collaborator. Close releases them in reverse
// order of opening.
type Runtime struct {
	Service *supplychain.Service
	closers []func() error
}

func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open connects everything cfg selects. An unreachable chain log is not
// fatal: the runtime starts without notarization and says so.
func Open(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	l := log.WithFields(log.Fields{"package": "wire", "func": "Open"})
	rt := &Runtime{}
	fail := func(err error) (*Runtime, error) {
		rt.Close()
		return nil, err
	}

	// Relational store
	var st ledger.IndexedStore
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.Store.Path)
		if err != nil {
			return fail(fmt.Errorf("open sqlite %s: %w", cfg.Store.Path, err))
		}
		rt.closers = append(rt.closers, s.Close)
		st = s
	default:
		st = store.NewMemory()
	}
	l.WithField("driver", cfg.Store.Driver).Info("Relational store ready")

	// Per-batch lock
	var locker ledger.Locker
	switch cfg.Lock.Driver {
	case config.DriverRedis:
		lk, err := redislock.Dial(cfg.Lock.RedisAddr, cfg.Lock.RedisPassword, cfg.Lock.RedisDB)
		if err != nil {
			return fail(fmt.Errorf("connect redis %s: %w", cfg.Lock.RedisAddr, err))
		}
		lk.AcquireTimeout = cfg.Lock.AcquireTimeout
		rt.closers = append(rt.closers, lk.Close)
		locker = lk
	default:
		lk := store.NewLocker()
		lk.AcquireTimeout = cfg.Lock.AcquireTimeout
		locker = lk
	}

	// Content-addressed store
	var blobs ledger.ContentStore
	switch cfg.Content.Driver {
	case config.DriverIPFS:
		blobs = content.NewIPFS(cfg.IPFS())
		l.WithField("gateways", len(cfg.Content.Gateways)).Info("IPFS client ready")
	default:
		blobs = content.NewMemory()
	}

	// Blockchain log
	var chain ledger.ChainLog
	switch cfg.Chain.Driver {
	case config.DriverHTTP:
		client := chainlog.NewHTTP(cfg.ChainHTTP())
		if err := client.Connect(ctx); err != nil {
			l.WithError(err).Warn("Blockchain log unreachable, notarization disabled")
			break
		}
		rt.closers = append(rt.closers, client.Close)
		chain = client
		l.WithField("network", client.Network()).Info("Blockchain log connected")
	case config.DriverMemory:
		chain = chainlog.NewMemory()
	}

	var opts []ledger.BuilderOption
	if cfg.Lock.LeaseTTL > 0 {
		opts = append(opts, ledger.WithLeaseTTL(cfg.Lock.LeaseTTL))
	}
	rt.Service = supplychain.New(st, locker, blobs, chain, opts...)
	return rt, nil
}
