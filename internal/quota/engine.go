package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutorstack/quotaledger/internal/config"
	"github.com/tutorstack/quotaledger/internal/events"
	"github.com/tutorstack/quotaledger/internal/ledger"
	"github.com/tutorstack/quotaledger/internal/metrics"
)

// Engine implements atomic consume, refund, status, provisioning and limit
// adjustment against the shared relational store. Correctness under
// concurrency is delegated to serializable transactions plus the record's
// row lock; the engine retries serialization conflicts a bounded number of
// times and surfaces the rest as TransientError.
type Engine struct {
	pool      *pgxpool.Pool
	records   *Repository
	entries   *ledger.Repository
	publisher *events.Publisher
	limits    Limits
	cfg       config.QuotaConfig

	now func() time.Time
}

// NewEngine creates a quota Engine. publisher may be nil.
func NewEngine(pool *pgxpool.Pool, records *Repository, entries *ledger.Repository, publisher *events.Publisher, cfg config.QuotaConfig) *Engine {
	return &Engine{
		pool:      pool,
		records:   records,
		entries:   entries,
		publisher: publisher,
		limits:    LimitsFromConfig(cfg),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Consume atomically reserves amount from the user's bucket, resetting the
// record first if its period has rolled over. On ErrQuotaExceeded nothing
// is written, not even a ledger entry.
func (e *Engine) Consume(ctx context.Context, userID uuid.UUID, bucket Bucket, amount int, metadata map[string]any) (ConsumeResult, error) {
	if amount <= 0 {
		return ConsumeResult{}, ErrInvalidAmount
	}
	canonical, ok := e.limits[bucket]
	if !ok {
		return ConsumeResult{}, ErrUnknownBucket
	}

	var res ConsumeResult
	var changes []events.QuotaChanged

	err := e.inTx(ctx, func(tx pgx.Tx) error {
		changes = changes[:0] // the transaction may be retried

		rec, err := e.records.GetForUpdate(ctx, tx, userID, bucket)
		if err != nil {
			return err
		}

		if change, err := e.applyDueReset(ctx, tx, rec, canonical, "consume"); err != nil {
			return err
		} else if change != nil {
			changes = append(changes, *change)
		}

		if rec.Used+amount > rec.Limit {
			return ErrQuotaExceeded
		}

		newUsed := rec.Used + amount
		if err := e.records.UpdateUsed(ctx, tx, userID, bucket, newUsed); err != nil {
			return err
		}

		meta, err := marshalMetadata(metadata, map[string]any{
			"amount":          amount,
			"used_after":      newUsed,
			"remaining_after": rec.Limit - newUsed,
			"limit":           rec.Limit,
			"at":              e.now(),
		})
		if err != nil {
			return err
		}
		entry := &ledger.Entry{
			UserID:   userID,
			Bucket:   string(bucket),
			Change:   -amount,
			Reason:   ledger.ReasonConsume,
			Metadata: meta,
		}
		if err := e.entries.Insert(ctx, tx, entry); err != nil {
			return err
		}

		res = ConsumeResult{UsedAfter: newUsed, RemainingAfter: rec.Limit - newUsed, Limit: rec.Limit}
		changes = append(changes, events.QuotaChanged{
			UserID:    userID,
			Bucket:    string(bucket),
			Change:    -amount,
			Reason:    string(ledger.ReasonConsume),
			UsedAfter: newUsed,
			Limit:     rec.Limit,
			ResetAt:   rec.ResetAt,
			Timestamp: e.now(),
		})
		return nil
	})
	if err != nil {
		metrics.ConsumeTotal.WithLabelValues(string(bucket), consumeResultLabel(err)).Inc()
		return ConsumeResult{}, err
	}

	metrics.ConsumeTotal.WithLabelValues(string(bucket), "ok").Inc()
	e.publishChanges(ctx, changes)
	return res, nil
}

// Refund atomically credits back previously consumed quota, clamped so used
// never drops below zero. It only adjusts used; limit and reset_at are left
// alone, so a refund that crosses a period boundary lands in the current
// period. Refunds are not deduplicated: callers refund at most once per
// consumption.
func (e *Engine) Refund(ctx context.Context, userID uuid.UUID, bucket Bucket, amount int, metadata map[string]any) (RefundResult, error) {
	if amount <= 0 {
		return RefundResult{}, ErrInvalidAmount
	}
	if !bucket.Valid() {
		return RefundResult{}, ErrUnknownBucket
	}

	var res RefundResult
	var changes []events.QuotaChanged

	err := e.inTx(ctx, func(tx pgx.Tx) error {
		changes = changes[:0]

		rec, err := e.records.GetForUpdate(ctx, tx, userID, bucket)
		if err != nil {
			return err
		}

		newUsed := rec.Used - amount
		if newUsed < 0 {
			newUsed = 0
		}
		credited := rec.Used - newUsed

		if err := e.records.UpdateUsed(ctx, tx, userID, bucket, newUsed); err != nil {
			return err
		}

		meta, err := marshalMetadata(metadata, map[string]any{
			"amount":        amount,
			"previous_used": rec.Used,
			"new_used":      newUsed,
			"at":            e.now(),
		})
		if err != nil {
			return err
		}
		entry := &ledger.Entry{
			UserID:   userID,
			Bucket:   string(bucket),
			Change:   credited,
			Reason:   ledger.ReasonRefund,
			Metadata: meta,
		}
		if err := e.entries.Insert(ctx, tx, entry); err != nil {
			return err
		}

		res = RefundResult{UsedAfter: newUsed}
		changes = append(changes, events.QuotaChanged{
			UserID:    userID,
			Bucket:    string(bucket),
			Change:    credited,
			Reason:    string(ledger.ReasonRefund),
			UsedAfter: newUsed,
			Limit:     rec.Limit,
			ResetAt:   rec.ResetAt,
			Timestamp: e.now(),
		})
		return nil
	})
	if err != nil {
		return RefundResult{}, err
	}

	metrics.RefundTotal.WithLabelValues(string(bucket)).Inc()
	e.publishChanges(ctx, changes)
	return res, nil
}

// GetStatus returns the current balance for one (user, bucket) pair. When
// the record's period has rolled over it performs the reset for real, so
// the returned status always reflects the current period even if no sweep
// has run.
func (e *Engine) GetStatus(ctx context.Context, userID uuid.UUID, bucket Bucket) (Status, error) {
	canonical, ok := e.limits[bucket]
	if !ok {
		return Status{}, ErrUnknownBucket
	}

	rec, err := e.records.Get(ctx, userID, bucket)
	if err != nil {
		return Status{}, err
	}
	if e.now().Before(rec.ResetAt) {
		return statusOf(rec), nil
	}

	// A reset is due; apply it and report the fresh period.
	var status Status
	var changes []events.QuotaChanged
	err = e.inTx(ctx, func(tx pgx.Tx) error {
		changes = changes[:0]

		rec, err := e.records.GetForUpdate(ctx, tx, userID, bucket)
		if err != nil {
			return err
		}
		if change, err := e.applyDueReset(ctx, tx, rec, canonical, "status"); err != nil {
			return err
		} else if change != nil {
			changes = append(changes, *change)
		}
		status = statusOf(rec)
		return nil
	})
	if err != nil {
		return Status{}, err
	}

	e.publishChanges(ctx, changes)
	return status, nil
}

// AdjustLimit overrides the record's limit for the current period. The next
// reset restores the bucket's canonical limit. A limit below the current
// usage is rejected so used <= limit keeps holding.
func (e *Engine) AdjustLimit(ctx context.Context, userID uuid.UUID, bucket Bucket, newLimit int, metadata map[string]any) error {
	if newLimit <= 0 {
		return ErrInvalidAmount
	}
	if !bucket.Valid() {
		return ErrUnknownBucket
	}

	var changes []events.QuotaChanged

	err := e.inTx(ctx, func(tx pgx.Tx) error {
		changes = changes[:0]

		rec, err := e.records.GetForUpdate(ctx, tx, userID, bucket)
		if err != nil {
			return err
		}
		if newLimit < rec.Used {
			return ErrLimitBelowUsage
		}

		if err := e.records.UpdateLimit(ctx, tx, userID, bucket, newLimit); err != nil {
			return err
		}

		meta, err := marshalMetadata(metadata, map[string]any{
			"previous_limit": rec.Limit,
			"new_limit":      newLimit,
			"at":             e.now(),
		})
		if err != nil {
			return err
		}
		entry := &ledger.Entry{
			UserID:   userID,
			Bucket:   string(bucket),
			Change:   0,
			Reason:   ledger.ReasonAdminAdjust,
			Metadata: meta,
		}
		if err := e.entries.Insert(ctx, tx, entry); err != nil {
			return err
		}

		changes = append(changes, events.QuotaChanged{
			UserID:    userID,
			Bucket:    string(bucket),
			Change:    0,
			Reason:    string(ledger.ReasonAdminAdjust),
			UsedAfter: rec.Used,
			Limit:     newLimit,
			ResetAt:   rec.ResetAt,
			Timestamp: e.now(),
		})
		return nil
	})
	if err != nil {
		return err
	}

	e.publishChanges(ctx, changes)
	return nil
}

// Provision creates one record per bucket for a new user. The anchor day is
// the signup day-of-month and the first reset lands one period after
// signup. Already-provisioned records are left untouched.
func (e *Engine) Provision(ctx context.Context, userID uuid.UUID, signupAt time.Time) error {
	signupAt = signupAt.UTC()
	anchorDay := signupAt.Day()
	resetAt := nextAnchorDate(signupAt, anchorDay)

	records := make([]Record, 0, len(AllBuckets))
	for _, b := range AllBuckets {
		records = append(records, Record{
			UserID:    userID,
			Bucket:    b,
			Limit:     e.limits[b],
			AnchorDay: anchorDay,
			ResetAt:   resetAt,
		})
	}
	return e.records.Provision(ctx, records)
}

// resetOverdue applies the reset transition to a single record inside its
// own transaction. The re-check under the row lock makes the sweep
// idempotent: a record already brought current by a concurrent consume or
// a duplicate sweep run comes back (false, nil).
func (e *Engine) resetOverdue(ctx context.Context, key RecordKey, now time.Time, source string) (bool, error) {
	canonical, ok := e.limits[key.Bucket]
	if !ok {
		return false, ErrUnknownBucket
	}

	applied := false
	var changes []events.QuotaChanged

	err := e.inTx(ctx, func(tx pgx.Tx) error {
		applied = false
		changes = changes[:0]

		rec, err := e.records.GetForUpdate(ctx, tx, key.UserID, key.Bucket)
		if err != nil {
			return err
		}
		change, err := e.applyDueResetAt(ctx, tx, rec, canonical, now, source)
		if err != nil {
			return err
		}
		if change != nil {
			applied = true
			changes = append(changes, *change)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	e.publishChanges(ctx, changes)
	return applied, nil
}

// applyDueReset runs the reset evaluator against the engine clock.
func (e *Engine) applyDueReset(ctx context.Context, tx pgx.Tx, rec *Record, canonical int, source string) (*events.QuotaChanged, error) {
	return e.applyDueResetAt(ctx, tx, rec, canonical, e.now(), source)
}

// applyDueResetAt applies the reset transition for rec if one is due at
// now, mutating rec to the fresh period and appending the SYSTEM_RESET
// ledger entry in the caller's transaction. Returns nil when no reset is
// due.
func (e *Engine) applyDueResetAt(ctx context.Context, tx pgx.Tx, rec *Record, canonical int, now time.Time, source string) (*events.QuotaChanged, error) {
	tr, due := evaluateReset(rec, canonical, now)
	if !due {
		return nil, nil
	}

	if err := e.records.ApplyReset(ctx, tx, rec.UserID, rec.Bucket, tr); err != nil {
		return nil, err
	}

	meta, err := marshalMetadata(nil, map[string]any{
		"previous_used":     tr.PreviousUsed,
		"previous_reset_at": rec.ResetAt,
		"new_reset_at":      tr.NewResetAt,
		"source":            source,
		"at":                now,
	})
	if err != nil {
		return nil, err
	}
	entry := &ledger.Entry{
		UserID:   rec.UserID,
		Bucket:   string(rec.Bucket),
		Change:   tr.PreviousUsed,
		Reason:   ledger.ReasonSystemReset,
		Metadata: meta,
	}
	if err := e.entries.Insert(ctx, tx, entry); err != nil {
		return nil, err
	}

	rec.Used = 0
	rec.Limit = tr.NewLimit
	rec.ResetAt = tr.NewResetAt

	return &events.QuotaChanged{
		UserID:    rec.UserID,
		Bucket:    string(rec.Bucket),
		Change:    tr.PreviousUsed,
		Reason:    string(ledger.ReasonSystemReset),
		UsedAfter: 0,
		Limit:     tr.NewLimit,
		ResetAt:   tr.NewResetAt,
		Timestamp: now,
	}, nil
}

// inTx runs fn inside a serializable transaction, retrying serialization
// conflicts up to the configured bound. Timeouts and exhausted retries come
// back as TransientError; every other error passes through untouched with
// the transaction rolled back.
func (e *Engine) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxTxRetries; attempt++ {
		err := e.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if isTimeout(err) {
			return &TransientError{Attempts: attempt, Err: err}
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
		metrics.TxRetriesTotal.Inc()
		slog.Debug("retrying quota transaction after serialization conflict", "attempt", attempt)
	}
	return &TransientError{Attempts: e.cfg.MaxTxRetries, Err: lastErr}
}

func (e *Engine) runOnce(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("beginning quota transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// SET LOCAL does not accept bind parameters; both values come from
	// validated config durations.
	_, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", e.cfg.LockTimeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("setting lock timeout: %w", err)
	}
	_, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", e.cfg.StatementTimeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("setting statement timeout: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing quota transaction: %w", err)
	}
	return nil
}

// publishChanges emits post-commit events. Publishing is best-effort; a
// failure is logged and dropped because the ledger row already committed.
func (e *Engine) publishChanges(ctx context.Context, changes []events.QuotaChanged) {
	if e.publisher == nil {
		return
	}
	for _, change := range changes {
		if err := e.publisher.PublishQuotaChanged(ctx, change); err != nil {
			slog.Warn("publishing quota change event", "error", err,
				"user_id", change.UserID, "bucket", change.Bucket, "reason", change.Reason)
		}
	}
}

func statusOf(rec *Record) Status {
	return Status{
		Used:      rec.Used,
		Limit:     rec.Limit,
		Remaining: rec.Remaining(),
		ResetAt:   rec.ResetAt,
	}
}

func consumeResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTransient(err):
		return "transient"
	case errors.Is(err, ErrQuotaExceeded):
		return "exceeded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// marshalMetadata merges caller metadata under the engine's own fields and
// serializes the result. Engine fields win on key collision.
func marshalMetadata(caller map[string]any, own map[string]any) (json.RawMessage, error) {
	merged := make(map[string]any, len(caller)+len(own))
	for k, v := range caller {
		merged[k] = v
	}
	for k, v := range own {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshaling ledger metadata: %w", err)
	}
	return data, nil
}
