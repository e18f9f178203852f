package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATEs after which a fresh attempt of the same transaction may succeed.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	// Raised when a cell or deliberation row lock is not granted within the
	// pool's lock_timeout.
	pgLockNotAvailable = "55P03"
)

// RetryPolicy bounds how often a transaction is re-run after a transient
// conflict. Delays grow exponentially from BaseDelay with up to 100% jitter
// and never exceed MaxDelay.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// OnRetry, when set, observes each retry before its backoff.
	OnRetry func(attempt int, code string, wait time.Duration)
}

// transientCode returns the SQLSTATE of err when it is worth retrying.
func transientCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return pgErr.Code, true
	}
	return "", false
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// retries are spent. The last error is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		code, transient := transientCode(err)
		if err == nil || !transient || attempt > p.MaxRetries {
			return err
		}

		wait := delay
		if delay > 0 {
			wait += time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter needs no crypto randomness
		}
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, code, wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}
