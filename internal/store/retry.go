package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/lib/pq"
)

// Retry policy for transient database errors (connection drops,
// serialization failures under concurrent upserts). Mirrors spec §7's
// fixed policy: base 1s, factor 2, capped at 10s, 5 attempts total.
const (
	retryBase    = 1 * time.Second
	retryFactor  = 2
	retryCap     = 10 * time.Second
	retryMaxAttempts = 5
)

// withRetry runs fn, retrying on transient errors with exponential
// backoff. Non-transient errors (constraint violations, bad SQL,
// context cancellation) return immediately on the first attempt.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	wait := retryBase
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt == retryMaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= retryFactor
		if wait > retryCap {
			wait = retryCap
		}
	}
	return err
}

// isTransient reports whether err is worth retrying: connection-level
// failures and serialization conflicts, not constraint violations or
// malformed statements.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08": // connection_exception
			return true
		case "40": // transaction_rollback (includes serialization_failure)
			return true
		case "53": // insufficient_resources
			return true
		case "57": // operator_intervention (admin shutdown, crash)
			return true
		}
		return false
	}
	// database/sql itself returns driver.ErrBadConn (unwrapped, no
	// *pq.Error) when it discards a dead pooled connection; that case
	// is transient by definition since sql.DB just needs to redial.
	return errors.Is(err, driver.ErrBadConn)
}
