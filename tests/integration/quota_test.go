//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorstack/quotaledger/internal/ledger"
	"github.com/tutorstack/quotaledger/internal/quota"
)

func TestConsume_DebitsAndLogs(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	userID := provisionUser(t, env, time.Now().UTC())

	res, err := env.Engine.Consume(ctx, userID, quota.BucketExplanations, 1, map[string]any{"source": "test"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.UsedAfter)
	assert.Equal(t, env.Cfg.ExplanationsLimit-1, res.RemainingAfter)
	assert.Equal(t, env.Cfg.ExplanationsLimit, res.Limit)

	assert.Equal(t, 1, countLedger(t, env, userID, quota.BucketExplanations, ledger.ReasonConsume))

	// Other buckets are untouched.
	status, err := env.Engine.GetStatus(ctx, userID, quota.BucketLearningActions)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Used)
}

func TestConsume_ExceededLeavesNoTrace(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	userID := provisionUser(t, env, time.Now().UTC())
	future := time.Now().UTC().Add(24 * time.Hour)

	setRecord(t, env, userID, quota.BucketExplanations, 50, 50, future)
	before := countLedger(t, env, userID, quota.BucketExplanations, ledger.ReasonConsume)

	_, err := env.Engine.Consume(ctx, userID, quota.BucketExplanations, 1, nil)
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)

	status, err := env.Engine.GetStatus(ctx, userID, quota.BucketExplanations)
	require.NoError(t, err)
	assert.Equal(t, 50, status.Used)
	assert.Equal(t, before, countLedger(t, env, userID, quota.BucketExplanations, ledger.ReasonConsume))
}

func TestConsume_UnprovisionedUserIsNotFound(t *testing.T) {
	env := SetupTestEnv(t)

	_, err := env.Engine.Consume(context.Background(), uuid.New(), quota.BucketExplanations, 1, nil)
	assert.ErrorIs(t, err, quota.ErrNotFound)
}

func TestConsume_NoOverrunUnderConcurrency(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	userID := provisionUser(t, env, time.Now().UTC())
	future := time.Now().UTC().Add(24 * time.Hour)

	const limit = 10
	const workers = 25
	setRecord(t, env, userID, quota.BucketLearningActions, 0, limit, future)

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				_, err := env.Engine.Consume(ctx, userID, quota.BucketLearningActions, 1, nil)
				if quota.IsTransient(err) {
					continue // keep contending until admission decides
				}
				errs[i] = err
				return
			}
		}(i)
	}
	wg.Wait()

	succeeded, exceeded := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case assert.ErrorIs(t, err, quota.ErrQuotaExceeded):
			exceeded++
		}
	}
	assert.Equal(t, limit, succeeded)
	assert.Equal(t, workers-limit, exceeded)

	status, err := env.Engine.GetStatus(ctx, userID, quota.BucketLearningActions)
	require.NoError(t, err)
	assert.Equal(t, limit, status.Used)
	assert.Equal(t, limit, countLedger(t, env, userID, quota.BucketLearningActions, ledger.ReasonConsume))
}

func TestRefund_ClampsAtZero(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	userID := provisionUser(t, env, time.Now().UTC())

	_, err := env.Engine.Consume(ctx, userID, quota.BucketExplanations, 5, nil)
	require.NoError(t, err)

	res, err := env.Engine.Refund(ctx, userID, quota.BucketExplanations, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.UsedAfter)

	status, err := env.Engine.GetStatus(ctx, userID, quota.BucketExplanations)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Used)
	assert.Equal(t, 1, countLedger(t, env, userID, quota.BucketExplanations, ledger.ReasonRefund))
}

func TestRefund_AfterFailedDownstreamCall(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	userID := provisionUser(t, env, time.Now().UTC())

	consumed, err := env.Engine.Consume(ctx, userID, quota.BucketExplanations, 1, nil)
	require.NoError(t, err)

	// Downstream explanation generation failed; hand the unit back.
	refunded, err := env.Engine.Refund(ctx, userID, quota.BucketExplanations, 1, map[string]any{"source": "explanation_failure"})
	require.NoError(t, err)
	assert.Equal(t, consumed.UsedAfter-1, refunded.UsedAfter)
}

func TestConsume_LazyResetOnOverdueRecord(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	userID := provisionUser(t, env, time.Now().UTC())
	past := time.Now().UTC().Add(-48 * time.Hour)

	setRecord(t, env, userID, quota.BucketLearningActions, 149, 150, past)

	res, err := env.Engine.Consume(ctx, userID, quota.BucketLearningActions, 1, nil)
	require.NoError(t, err)
	// The consume lands in the fresh period.
	assert.Equal(t, 1, res.UsedAfter)

	status, err := env.Engine.GetStatus(ctx, userID, quota.BucketLearningActions)
	require.NoError(t, err)
	assert.True(t, status.ResetAt.After(time.Now().UTC()))

	assert.Equal(t, 1, countLedger(t, env, userID, quota.BucketLearningActions, ledger.ReasonSystemReset))
}

func TestGetStatus_TriggersLazyReset(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	userID := provisionUser(t, env, time.Now().UTC())
	past := time.Now().UTC().Add(-time.Hour)

	setRecord(t, env, userID, quota.BucketExplanations, 42, 50, past)

	status, err := env.Engine.GetStatus(ctx, userID, quota.BucketExplanations)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Used)
	assert.Equal(t, env.Cfg.ExplanationsLimit, status.Limit)
	assert.True(t, status.ResetAt.After(time.Now().UTC()))
	assert.Equal(t, 1, countLedger(t, env, userID, quota.BucketExplanations, ledger.ReasonSystemReset))

	// A second read finds nothing due and writes nothing.
	_, err = env.Engine.GetStatus(ctx, userID, quota.BucketExplanations)
	require.NoError(t, err)
	assert.Equal(t, 1, countLedger(t, env, userID, quota.BucketExplanations, ledger.ReasonSystemReset))
}

func TestAdjustLimit_OverridesUntilReset(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	userID := provisionUser(t, env, time.Now().UTC())

	err := env.Engine.AdjustLimit(ctx, userID, quota.BucketLectureUploads, 100, map[string]any{"note": "beta cohort"})
	require.NoError(t, err)

	status, err := env.Engine.GetStatus(ctx, userID, quota.BucketLectureUploads)
	require.NoError(t, err)
	assert.Equal(t, 100, status.Limit)
	assert.Equal(t, 1, countLedger(t, env, userID, quota.BucketLectureUploads, ledger.ReasonAdminAdjust))

	// An overdue reset restores the canonical configured limit.
	past := time.Now().UTC().Add(-time.Hour)
	setRecord(t, env, userID, quota.BucketLectureUploads, 0, 100, past)

	status, err = env.Engine.GetStatus(ctx, userID, quota.BucketLectureUploads)
	require.NoError(t, err)
	assert.Equal(t, env.Cfg.LectureUploadsLimit, status.Limit)
}

func TestAdjustLimit_RejectsLimitBelowUsage(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	userID := provisionUser(t, env, time.Now().UTC())
	future := time.Now().UTC().Add(24 * time.Hour)

	setRecord(t, env, userID, quota.BucketExplanations, 30, 50, future)

	err := env.Engine.AdjustLimit(ctx, userID, quota.BucketExplanations, 10, nil)
	assert.ErrorIs(t, err, quota.ErrLimitBelowUsage)
}

func TestProvision_Idempotent(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	signup := time.Date(2026, time.January, 31, 10, 0, 0, 0, time.UTC)

	require.NoError(t, env.Engine.Provision(ctx, userID, signup))
	require.NoError(t, env.Engine.Provision(ctx, userID, signup))

	var count int
	err := env.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM quota_records WHERE user_id = $1`, userID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(quota.AllBuckets), count)

	// Day-31 signup anchors on the 31st and the first reset clamps to the
	// end of February.
	status, err := env.Engine.GetStatus(ctx, userID, quota.BucketExplanations)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.February, 28, 10, 0, 0, 0, time.UTC), status.ResetAt.UTC())
}
