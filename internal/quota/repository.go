package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles quota_records PostgreSQL operations. Methods taking a
// pgx.Tx run as part of an engine transaction; the rest read through the
// pool.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new quota record Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `user_id, bucket, used, quota_limit, anchor_day, reset_at, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.UserID, &rec.Bucket, &rec.Used, &rec.Limit,
		&rec.AnchorDay, &rec.ResetAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning quota record: %w", err)
	}
	return &rec, nil
}

// Get reads a record without locking it.
func (r *Repository) Get(ctx context.Context, userID uuid.UUID, bucket Bucket) (*Record, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM quota_records WHERE user_id = $1 AND bucket = $2`,
		userID, bucket)
	return scanRecord(row)
}

// GetForUpdate reads a record and holds its row lock for the rest of tx.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, bucket Bucket) (*Record, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM quota_records WHERE user_id = $1 AND bucket = $2 FOR UPDATE`,
		userID, bucket)
	return scanRecord(row)
}

// UpdateUsed writes a new used value for a locked record.
func (r *Repository) UpdateUsed(ctx context.Context, tx pgx.Tx, userID uuid.UUID, bucket Bucket, used int) error {
	tag, err := tx.Exec(ctx,
		`UPDATE quota_records SET used = $3, updated_at = now() WHERE user_id = $1 AND bucket = $2`,
		userID, bucket, used)
	if err != nil {
		return fmt.Errorf("updating quota usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLimit writes a new limit for a locked record.
func (r *Repository) UpdateLimit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, bucket Bucket, limit int) error {
	tag, err := tx.Exec(ctx,
		`UPDATE quota_records SET quota_limit = $3, updated_at = now() WHERE user_id = $1 AND bucket = $2`,
		userID, bucket, limit)
	if err != nil {
		return fmt.Errorf("updating quota limit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyReset moves a locked record into its next period.
func (r *Repository) ApplyReset(ctx context.Context, tx pgx.Tx, userID uuid.UUID, bucket Bucket, tr resetTransition) error {
	tag, err := tx.Exec(ctx,
		`UPDATE quota_records
		 SET used = 0, quota_limit = $3, reset_at = $4, updated_at = now()
		 WHERE user_id = $1 AND bucket = $2`,
		userID, bucket, tr.NewLimit, tr.NewResetAt)
	if err != nil {
		return fmt.Errorf("applying quota reset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Provision inserts the given records, skipping any that already exist.
// Account creation calls this once per user with one record per bucket.
func (r *Repository) Provision(ctx context.Context, records []Record) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning provision transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, rec := range records {
		_, err := tx.Exec(ctx,
			`INSERT INTO quota_records (user_id, bucket, used, quota_limit, anchor_day, reset_at)
			 VALUES ($1, $2, 0, $3, $4, $5)
			 ON CONFLICT (user_id, bucket) DO NOTHING`,
			rec.UserID, rec.Bucket, rec.Limit, rec.AnchorDay, rec.ResetAt)
		if err != nil {
			return fmt.Errorf("provisioning quota record for bucket %s: %w", rec.Bucket, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing provision transaction: %w", err)
	}
	return nil
}

// RecordKey identifies one quota record.
type RecordKey struct {
	UserID uuid.UUID
	Bucket Bucket
}

// SelectDueKeys returns up to limit record keys whose reset_at has passed,
// ordered by (user_id, bucket) and starting strictly after the given key so
// sweeps can page past records that failed to reset.
func (r *Repository) SelectDueKeys(ctx context.Context, now time.Time, after RecordKey, limit int) ([]RecordKey, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, bucket FROM quota_records
		 WHERE reset_at <= $1 AND (user_id, bucket) > ($2, $3)
		 ORDER BY user_id, bucket
		 LIMIT $4`,
		now, after.UserID, after.Bucket, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting due quota records: %w", err)
	}
	defer rows.Close()

	var keys []RecordKey
	for rows.Next() {
		var k RecordKey
		if err := rows.Scan(&k.UserID, &k.Bucket); err != nil {
			return nil, fmt.Errorf("scanning due quota record key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating due quota records: %w", err)
	}
	return keys, nil
}
