package quota

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors.
var (
	// ErrQuotaExceeded means the requested amount does not fit in the
	// remaining balance. Not retryable; the caller surfaces it to the user.
	ErrQuotaExceeded = errors.New("quotaledger: quota exceeded")

	// ErrNotFound means no quota record exists for the (user, bucket) pair.
	// Records are provisioned at account creation, so this indicates a
	// violated precondition rather than a normal miss.
	ErrNotFound = errors.New("quotaledger: quota record not found")

	// ErrInvalidAmount rejects non-positive amounts before any transaction
	// is opened.
	ErrInvalidAmount = errors.New("quotaledger: amount must be positive")

	// ErrUnknownBucket rejects buckets outside the fixed enumeration.
	ErrUnknownBucket = errors.New("quotaledger: unknown bucket")

	// ErrLimitBelowUsage rejects an admin limit override that would leave
	// used above limit.
	ErrLimitBelowUsage = errors.New("quotaledger: new limit is below current usage")
)

// TransientError wraps an infrastructure failure (serialization conflict,
// lock or statement timeout) that persisted past the retry budget. The
// whole operation rolled back; the caller may retry it.
type TransientError struct {
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("quotaledger: transient failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable infrastructure failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PostgreSQL SQLSTATE codes that signal a conflict worth retrying inside
// the engine.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
)

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

func isTimeout(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgLockNotAvailable || pgErr.Code == pgQueryCanceled
}
