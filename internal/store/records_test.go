package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docmirror/internal/model"
)

func TestEnsurePendingRecord_InsertsOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsurePendingRecord(ctx, "sop/a.xlsx", 10, testEpoch, testEpoch))
	require.NoError(t, s.EnsurePendingRecord(ctx, "sop/a.xlsx", 99, testEpoch.Add(time.Hour), testEpoch.Add(time.Hour)))

	rec, err := s.GetSyncRecord(ctx, "sop/a.xlsx")
	require.NoError(t, err)
	assert.Equal(t, model.SyncPending, rec.Status)
	assert.Equal(t, int64(10), rec.Size, "second ensure must not overwrite")
	assert.Equal(t, model.ProvenancePrimaryOnly, rec.Provenance)
	assert.False(t, rec.HasBackup())
	assert.True(t, rec.LastSyncedAt.IsZero())
}

func TestEnsurePendingRecord_KeepsSyncedState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSynced(ctx, createSyncedRecord("a.xlsx", "B1", 5, testEpoch)))
	require.NoError(t, s.EnsurePendingRecord(ctx, "a.xlsx", 6, testEpoch.Add(time.Hour), testEpoch.Add(time.Hour)))

	rec, err := s.GetSyncRecord(ctx, "a.xlsx")
	require.NoError(t, err)
	assert.Equal(t, model.SyncSynced, rec.Status)
	assert.Equal(t, "B1", rec.BackupID)
}

func TestUpsertSynced_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mod := time.Date(2026, 3, 1, 12, 30, 15, 123456789, time.UTC)
	want := createSyncedRecord("reports/q1.xlsx", "01J", 2048, mod)
	require.NoError(t, s.UpsertSynced(ctx, want))

	got, err := s.GetSyncRecord(ctx, "reports/q1.xlsx")
	require.NoError(t, err)
	assert.Equal(t, want, *got)
}

func TestUpsertSynced_OverwritesPreviousSuccess(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSynced(ctx, createSyncedRecord("a.xlsx", "B1", 5, testEpoch)))
	next := createSyncedRecord("a.xlsx", "B2", 7, testEpoch.Add(time.Hour))
	require.NoError(t, s.UpsertSynced(ctx, next))

	got, err := s.GetSyncRecord(ctx, "a.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "B2", got.BackupID)
	assert.Equal(t, int64(7), got.Size)
	assert.Equal(t, testEpoch.Add(time.Hour), got.LastSyncedAt)
}

func TestUpsertSynced_RejectsInvalid(t *testing.T) {
	s := createTestStore(t)

	rec := createSyncedRecord("a.xlsx", "", 5, testEpoch)
	err := s.UpsertSynced(context.Background(), rec)
	assert.ErrorIs(t, err, model.ErrInvalidRecord)
}

func TestMarkRecordError_PreservesBackup(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSynced(ctx, createSyncedRecord("a.xlsx", "B1", 5, testEpoch)))
	require.NoError(t, s.MarkRecordError(ctx, "a.xlsx", "upload failed", testEpoch.Add(time.Hour)))

	got, err := s.GetSyncRecord(ctx, "a.xlsx")
	require.NoError(t, err)
	assert.Equal(t, model.SyncError, got.Status)
	assert.Equal(t, "upload failed", got.LastError)
	assert.Equal(t, "B1", got.BackupID)
	assert.Equal(t, testEpoch, got.LastSyncedAt)
	assert.Equal(t, testEpoch.Add(time.Hour), got.UpdatedAt)
}

func TestMarkRecordError_CreatesRecord(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkRecordError(ctx, "new.xlsx", "boom", testEpoch))

	got, err := s.GetSyncRecord(ctx, "new.xlsx")
	require.NoError(t, err)
	assert.Equal(t, model.SyncError, got.Status)
	assert.False(t, got.HasBackup())
}

func TestGetSyncRecord_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetSyncRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSyncRecords_OrderedByKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"c.xlsx", "a.xlsx", "b.xlsx"} {
		require.NoError(t, s.EnsurePendingRecord(ctx, k, 1, testEpoch, testEpoch))
	}

	recs, err := s.ListSyncRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "a.xlsx", recs[0].PrimaryKey)
	assert.Equal(t, "b.xlsx", recs[1].PrimaryKey)
	assert.Equal(t, "c.xlsx", recs[2].PrimaryKey)
}

func TestCountSyncRecords(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsurePendingRecord(ctx, "p.xlsx", 1, testEpoch, testEpoch))
	require.NoError(t, s.UpsertSynced(ctx, createSyncedRecord("s1.xlsx", "B1", 1, testEpoch)))
	require.NoError(t, s.UpsertSynced(ctx, createSyncedRecord("s2.xlsx", "B2", 1, testEpoch)))
	require.NoError(t, s.MarkRecordError(ctx, "e.xlsx", "x", testEpoch))

	counts, err := s.CountSyncRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[model.SyncStatus]int{
		model.SyncPending: 1,
		model.SyncSynced:  2,
		model.SyncError:   1,
	}, counts)
}
