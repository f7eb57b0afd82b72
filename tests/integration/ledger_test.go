//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorstack/quotaledger/internal/ledger"
	"github.com/tutorstack/quotaledger/internal/quota"
)

func TestLedgerInsert_RejectsUnknownReason(t *testing.T) {
	env := SetupTestEnv(t)

	err := env.Entries.Insert(context.Background(), env.Pool, &ledger.Entry{
		UserID: uuid.New(),
		Bucket: string(quota.BucketExplanations),
		Change: -1,
		Reason: ledger.Reason("BACKFILL"),
	})
	assert.Error(t, err)
}

func TestLedgerList_FiltersAndPaginates(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	insert := func(bucket string, change int, reason ledger.Reason) {
		t.Helper()
		err := env.Entries.Insert(ctx, env.Pool, &ledger.Entry{
			UserID: userID,
			Bucket: bucket,
			Change: change,
			Reason: reason,
		})
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		insert(string(quota.BucketExplanations), -1, ledger.ReasonConsume)
	}
	insert(string(quota.BucketExplanations), 1, ledger.ReasonRefund)
	insert(string(quota.BucketLearningActions), -2, ledger.ReasonConsume)
	insert(string(quota.BucketExplanations), 40, ledger.ReasonSystemReset)

	params := ledger.DefaultListParams()
	entries, total, err := env.Entries.ListByUser(ctx, userID, params)
	require.NoError(t, err)
	assert.EqualValues(t, 8, total)
	assert.Len(t, entries, 8)

	// Newest first.
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].CreatedAt.After(entries[i-1].CreatedAt))
	}

	params = ledger.DefaultListParams()
	params.Bucket = string(quota.BucketExplanations)
	params.Reason = ledger.ReasonConsume
	entries, total, err = env.Entries.ListByUser(ctx, userID, params)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	for _, e := range entries {
		assert.Equal(t, string(quota.BucketExplanations), e.Bucket)
		assert.Equal(t, ledger.ReasonConsume, e.Reason)
	}

	params = ledger.DefaultListParams()
	params.PageSize = 3
	entries, total, err = env.Entries.ListByUser(ctx, userID, params)
	require.NoError(t, err)
	assert.EqualValues(t, 8, total)
	assert.Len(t, entries, 3)

	params.Page = 3
	entries, _, err = env.Entries.ListByUser(ctx, userID, params)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Another user sees nothing.
	entries, total, err = env.Entries.ListByUser(ctx, uuid.New(), ledger.DefaultListParams())
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)
	assert.Empty(t, entries)
}

func TestLedgerList_TimeWindow(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	before := time.Now().UTC().Add(-time.Minute)
	err := env.Entries.Insert(ctx, env.Pool, &ledger.Entry{
		UserID: userID,
		Bucket: string(quota.BucketLectureUploads),
		Change: -1,
		Reason: ledger.ReasonConsume,
	})
	require.NoError(t, err)
	after := time.Now().UTC().Add(time.Minute)

	params := ledger.DefaultListParams()
	params.From = &before
	params.To = &after
	entries, total, err := env.Entries.ListByUser(ctx, userID, params)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{}`, string(entries[0].Metadata))

	// A window that ends before the entry excludes it.
	past := before.Add(-time.Hour)
	params = ledger.DefaultListParams()
	params.To = &past
	_, total, err = env.Entries.ListByUser(ctx, userID, params)
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)
}
