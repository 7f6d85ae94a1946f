// Package retry wraps cenkalti/backoff with the ledger's transient/permanent
// error split. Collaborator clients retry transient I/O here and surface
// ledger.SourceUnavailableError once the policy is exhausted.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// Policy bounds one retried operation.
type Policy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed caps the total time spent including waits. Zero means no cap
	// beyond MaxRetries and the context.
	MaxElapsed time.Duration
}

// Default is used by the content and chain clients unless configured.
var Default = Policy{
	MaxRetries:      3,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxElapsed:      10 * time.Second,
}

// None performs exactly one attempt.
var None = Policy{}

// Permanent marks err as not worth retrying (4xx, semantic misses, bad input).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = p.MaxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)
}

// Do runs op until it succeeds, returns a Permanent error, the policy is
// exhausted, or ctx is done. The returned error is op's last error with any
// Permanent wrapper removed, or ctx.Err() when the context ended the loop.
func Do(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) error {
	attempt := 0
	err := backoff.RetryNotify(
		func() error {
			attempt++
			return op(ctx)
		},
		p.backOff(ctx),
		func(err error, wait time.Duration) {
			log.WithFields(log.Fields{
				"package": "retry",
				"op":      name,
				"attempt": attempt,
				"wait":    wait,
			}).WithError(err).Warn("Transient failure, retrying")
		},
	)
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
