package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	retryMaxElapsed      = 10 * time.Second
	retryInitialInterval = 50 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
	retryMaxAttempts     = uint64(5)
)

// commitError marks a failed COMMIT. The server may have applied the
// transaction anyway, so re-running it is never safe.
type commitError struct {
	err error
}

func (e commitError) Error() string { return "commit tx: " + e.err.Error() }

func (e commitError) Unwrap() error { return e.err }

// IsRetryableError reports whether err is a transient database failure that
// is safe to retry by re-running the whole transaction.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var commitErr commitError
	if errors.As(err, &commitErr) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57P01", // admin_shutdown
			"57P03", // cannot_connect_now
			"53300": // too_many_connections
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}

	msg := err.Error()
	return strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection refused")
}

// withRetry runs operation until it succeeds, fails permanently, or the retry
// budget is spent. Non-retryable errors are returned unchanged so callers can
// still match them with errors.As.
func withRetry(ctx context.Context, operation func(context.Context) error) error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(retryMaxElapsed),
		backoff.WithInitialInterval(retryInitialInterval),
		backoff.WithMaxInterval(retryMaxInterval),
	), retryMaxAttempts)

	return backoff.Retry(func() error {
		err := operation(ctx)
		if err != nil && !IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}
