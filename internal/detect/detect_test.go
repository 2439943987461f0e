package detect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docmirror/internal/model"
	"github.com/roach88/docmirror/internal/retry"
	"github.com/roach88/docmirror/internal/storage"
	"github.com/roach88/docmirror/internal/store"
	"github.com/roach88/docmirror/internal/testutil"
)

var t0 = testutil.Epoch

func setup(t *testing.T) (*Detector, *testutil.MemoryPrimary, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	p := testutil.NewMemoryPrimary(nil)
	exec := retry.New(
		retry.WithMaxAttempts(3),
		retry.WithBackoff(time.Millisecond, time.Millisecond),
		retry.WithJitter(0),
		retry.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return New(p, s, exec, ""), p, s
}

func synced(key string, size int64, at time.Time) model.SyncRecord {
	return model.SyncRecord{
		PrimaryKey:        key,
		BackupID:          "B-" + key,
		ContentHash:       "h",
		Size:              size,
		PrimaryModifiedAt: at,
		Status:            model.SyncSynced,
		LastSyncedAt:      at,
		Provenance:        model.ProvenanceBoth,
		UpdatedAt:         at,
	}
}

func TestDetectChanges_NoRecordIsNew(t *testing.T) {
	d, p, _ := setup(t)
	p.SetObject("sop/a.xlsx", []byte("aaa"), t0)
	p.SetObject("sop/b.xlsx", []byte("b"), t0)

	changes, err := d.DetectChanges(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, model.ChangeNew, c.Type, c.Key)
		assert.Nil(t, c.PreviousSize)
	}
	assert.Equal(t, "a.xlsx", changes[0].Filename)
}

func TestDetectChanges_RecordWithoutBackupIsNew(t *testing.T) {
	d, p, s := setup(t)
	ctx := context.Background()
	p.SetObject("a.xlsx", []byte("aaa"), t0)
	require.NoError(t, s.MarkRecordError(ctx, "a.xlsx", "upload failed", t0))

	changes, err := d.DetectChanges(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, model.ChangeNew, changes[0].Type)
	assert.Contains(t, changes[0].Reason, "never backed up")
}

func TestDetectChanges_MatchingRecordIsUnchanged(t *testing.T) {
	d, p, s := setup(t)
	ctx := context.Background()
	p.SetObject("a.xlsx", []byte("aaa"), t0)
	require.NoError(t, s.UpsertSynced(ctx, synced("a.xlsx", 3, t0)))

	changes, err := d.DetectChanges(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, model.ChangeUnchanged, changes[0].Type)
	assert.False(t, changes[0].NeedsBackup())
}

func TestDetectChanges_SubSecondDifferenceIsUnchanged(t *testing.T) {
	d, p, s := setup(t)
	ctx := context.Background()
	p.SetObject("a.xlsx", []byte("aaa"), t0.Add(400*time.Millisecond))
	require.NoError(t, s.UpsertSynced(ctx, synced("a.xlsx", 3, t0)))

	changes, err := d.DetectChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ChangeUnchanged, changes[0].Type)
}

func TestDetectChanges_Modified(t *testing.T) {
	tests := []struct {
		name       string
		data       []byte
		modified   time.Time
		wantReason []string
	}{
		{"size only", []byte("aaaa"), t0, []string{"size changed"}},
		{"time only", []byte("aaa"), t0.Add(time.Hour), []string{"modified time changed"}},
		{"both", []byte("aaaaaa"), t0.Add(time.Hour), []string{"size changed", "modified time changed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, p, s := setup(t)
			ctx := context.Background()
			p.SetObject("a.xlsx", tt.data, tt.modified)
			require.NoError(t, s.UpsertSynced(ctx, synced("a.xlsx", 3, t0)))

			changes, err := d.DetectChanges(ctx)
			require.NoError(t, err)
			require.Len(t, changes, 1)
			c := changes[0]
			assert.Equal(t, model.ChangeModified, c.Type)
			for _, r := range tt.wantReason {
				assert.Contains(t, c.Reason, r)
			}
			require.NotNil(t, c.PreviousSize)
			assert.Equal(t, int64(3), *c.PreviousSize)
			require.NotNil(t, c.PreviousLastModified)
			assert.Equal(t, t0, *c.PreviousLastModified)
		})
	}
}

func TestDetectChanges_SortedAndOnePerObject(t *testing.T) {
	d, p, s := setup(t)
	ctx := context.Background()
	p.SetObject("c.xlsx", []byte("c"), t0)
	p.SetObject("a.xlsx", []byte("a"), t0)
	p.SetObject("b.xlsx", []byte("b"), t0)
	p.SetObject("folder/", nil, t0)
	// Records for deleted objects do not produce changes.
	require.NoError(t, s.UpsertSynced(ctx, synced("gone.xlsx", 1, t0)))

	changes, err := d.DetectChanges(ctx)
	require.NoError(t, err)
	keys := make([]string, len(changes))
	for i, c := range changes {
		keys[i] = c.Key
	}
	assert.Equal(t, []string{"a.xlsx", "b.xlsx", "c.xlsx"}, keys)
}

func TestDetectChanges_NeverWrites(t *testing.T) {
	d, p, s := setup(t)
	ctx := context.Background()
	p.SetObject("a.xlsx", []byte("a"), t0)

	_, err := d.DetectChanges(ctx)
	require.NoError(t, err)

	recs, err := s.ListSyncRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, 0, p.TotalGets(), "detection must not download content")
}

func TestDetectChanges_Deterministic(t *testing.T) {
	d, p, s := setup(t)
	ctx := context.Background()
	p.SetObject("a.xlsx", []byte("a"), t0)
	p.SetObject("b.xlsx", []byte("bb"), t0)
	require.NoError(t, s.UpsertSynced(ctx, synced("b.xlsx", 1, t0)))

	first, err := d.DetectChanges(ctx)
	require.NoError(t, err)
	second, err := d.DetectChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDetectChanges_RetriesTransientList(t *testing.T) {
	d, p, _ := setup(t)
	p.SetObject("a.xlsx", []byte("a"), t0)
	p.FailTimes(testutil.OpList, "", storage.NewRemoteError("memory", "list", "", 503, errors.New("busy")), 1)

	changes, err := d.DetectChanges(context.Background())
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestDetectChanges_TerminalListFails(t *testing.T) {
	d, p, _ := setup(t)
	p.Fail(testutil.OpList, "", storage.NewRemoteError("memory", "list", "", 403, errors.New("denied")))

	_, err := d.DetectChanges(context.Background())
	require.Error(t, err)
	assert.True(t, storage.IsTerminal(err))
}

func TestDetectChanges_NilPrimaryNotConfigured(t *testing.T) {
	d := New(nil, nil, nil, "")
	_, err := d.DetectChanges(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotConfigured)
}
