/*
Package redislock implements ledger.Locker on Redis so that several ledger
processes can share one relational store.

PROTOCOL:
  Acquire: SET lock:batch:<id> <token> NX PX <ttl>, polled until granted
           or the acquire timeout passes
  Release: Lua compare-and-delete on <token>, so a holder whose lease
           expired can never free someone else's lease

  Keys expire on their own; a crashed writer blocks the batch for at most
  one ttl.
*/
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/warp/harvest-ledger/ledger"
)

const (
	keyPrefix = "lock:batch"

	DefaultAcquireTimeout = 5 * time.Second
	DefaultPollInterval   = 25 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	Client         *redis.Client
	AcquireTimeout time.Duration
	PollInterval   time.Duration
}

var _ ledger.Locker = (*Locker)(nil)

func New(client *redis.Client) *Locker {
	return &Locker{
		Client:         client,
		AcquireTimeout: DefaultAcquireTimeout,
		PollInterval:   DefaultPollInterval,
	}
}

// Dial connects to addr and pings it.
func Dial(addr, password string, db int) (*Locker, error) {
	l := log.WithFields(log.Fields{
		"package": "redislock",
		"addr":    addr,
	})
	l.Info("Initializing redis client")
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 10 * time.Second,
		ReadTimeout: 5 * time.Second,
	})
	if err := client.Ping().Err(); err != nil {
		l.WithError(err).Error("Failed to connect to redis")
		client.Close()
		return nil, err
	}
	l.Info("Connected to redis")
	return New(client), nil
}

func (lk *Locker) Close() error {
	return lk.Client.Close()
}

func key(batchID ledger.BatchID) string {
	return fmt.Sprintf("%s:%s", keyPrefix, batchID)
}

func (lk *Locker) Acquire(ctx context.Context, batchID ledger.BatchID, ttl time.Duration) (ledger.Lease, error) {
	l := log.WithFields(log.Fields{
		"package": "redislock",
		"func":    "Acquire",
		"batch":   batchID,
	})
	token := uuid.NewString()
	start := time.Now()
	deadline := start.Add(lk.AcquireTimeout)

	ticker := time.NewTicker(lk.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := lk.Client.SetNX(key(batchID), token, ttl).Result()
		if err != nil {
			l.WithError(err).Error("SETNX failed")
			return nil, &ledger.SourceUnavailableError{Source: "redis", Op: "acquire lease", Err: err}
		}
		if ok {
			l.Debug("Lease acquired")
			return &lease{client: lk.Client, batchID: batchID, token: token, expiresAt: time.Now().Add(ttl)}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, &ledger.ContendedWriteError{BatchID: batchID, Waited: time.Since(start)}
		}
		select {
		case <-ctx.Done():
			return nil, &ledger.ContendedWriteError{BatchID: batchID, Waited: time.Since(start)}
		case <-ticker.C:
		}
	}
}

type lease struct {
	client    *redis.Client
	batchID   ledger.BatchID
	token     string
	expiresAt time.Time
}

// ExpiresAt is measured from just after SETNX returned, so it is never later
// than the key's real expiry.
func (ls *lease) ExpiresAt() time.Time { return ls.expiresAt }

func (ls *lease) Release(_ context.Context) error {
	n, err := releaseScript.Run(ls.client, []string{key(ls.batchID)}, ls.token).Int64()
	if err != nil {
		return fmt.Errorf("release lease for %s: %w", ls.batchID, err)
	}
	if n == 0 {
		log.WithFields(log.Fields{
			"package": "redislock",
			"batch":   ls.batchID,
		}).Warn("Lease had already expired at release")
	}
	return nil
}
