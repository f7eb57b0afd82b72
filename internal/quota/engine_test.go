package quota

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorstack/quotaledger/internal/config"
)

func testEngine() *Engine {
	cfg := config.QuotaConfig{
		LearningActionsLimit: 150,
		ExplanationsLimit:    50,
		LectureUploadsLimit:  20,
		MaxTxRetries:         3,
		LockTimeout:          time.Second,
		StatementTimeout:     2 * time.Second,
	}
	// No pool: these tests only reach the validation paths that run before
	// any transaction is opened.
	return NewEngine(nil, nil, nil, nil, cfg)
}

func TestConsume_RejectsInvalidInputBeforeTransaction(t *testing.T) {
	e := testEngine()
	ctx := context.Background()
	userID := uuid.New()

	_, err := e.Consume(ctx, userID, BucketExplanations, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = e.Consume(ctx, userID, BucketExplanations, -3, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = e.Consume(ctx, userID, Bucket("bogus"), 1, nil)
	assert.ErrorIs(t, err, ErrUnknownBucket)
}

func TestRefund_RejectsInvalidInputBeforeTransaction(t *testing.T) {
	e := testEngine()
	ctx := context.Background()
	userID := uuid.New()

	_, err := e.Refund(ctx, userID, BucketExplanations, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = e.Refund(ctx, userID, Bucket("bogus"), 1, nil)
	assert.ErrorIs(t, err, ErrUnknownBucket)
}

func TestAdjustLimit_RejectsInvalidInputBeforeTransaction(t *testing.T) {
	e := testEngine()
	ctx := context.Background()

	err := e.AdjustLimit(ctx, uuid.New(), BucketLectureUploads, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	err = e.AdjustLimit(ctx, uuid.New(), Bucket("bogus"), 10, nil)
	assert.ErrorIs(t, err, ErrUnknownBucket)
}

func TestGetStatus_RejectsUnknownBucket(t *testing.T) {
	e := testEngine()

	_, err := e.GetStatus(context.Background(), uuid.New(), Bucket("bogus"))
	assert.ErrorIs(t, err, ErrUnknownBucket)
}

func TestTransientError_Unwraps(t *testing.T) {
	cause := &pgconn.PgError{Code: pgSerializationFailure}
	err := &TransientError{Attempts: 3, Err: cause}

	assert.True(t, IsTransient(err))
	var pgErr *pgconn.PgError
	assert.True(t, errors.As(err, &pgErr))
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestIsSerializationFailure(t *testing.T) {
	assert.True(t, isSerializationFailure(&pgconn.PgError{Code: pgSerializationFailure}))
	assert.True(t, isSerializationFailure(&pgconn.PgError{Code: pgDeadlockDetected}))
	assert.False(t, isSerializationFailure(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isSerializationFailure(errors.New("plain")))
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, isTimeout(&pgconn.PgError{Code: pgLockNotAvailable}))
	assert.True(t, isTimeout(&pgconn.PgError{Code: pgQueryCanceled}))
	assert.False(t, isTimeout(&pgconn.PgError{Code: pgSerializationFailure}))
}

func TestConsumeResultLabel(t *testing.T) {
	assert.Equal(t, "ok", consumeResultLabel(nil))
	assert.Equal(t, "exceeded", consumeResultLabel(ErrQuotaExceeded))
	assert.Equal(t, "not_found", consumeResultLabel(ErrNotFound))
	assert.Equal(t, "transient", consumeResultLabel(&TransientError{Attempts: 1, Err: errors.New("x")}))
	assert.Equal(t, "error", consumeResultLabel(errors.New("boom")))
}

func TestMarshalMetadata_EngineFieldsWin(t *testing.T) {
	raw, err := marshalMetadata(
		map[string]any{"source": "caller", "trace": "abc"},
		map[string]any{"source": "engine", "amount": 2},
	)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "engine", got["source"])
	assert.Equal(t, "abc", got["trace"])
	assert.Equal(t, float64(2), got["amount"])
}
