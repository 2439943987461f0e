package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docmirror/internal/hasher"
	"github.com/roach88/docmirror/internal/model"
	"github.com/roach88/docmirror/internal/retry"
	"github.com/roach88/docmirror/internal/storage"
	"github.com/roach88/docmirror/internal/store"
	"github.com/roach88/docmirror/internal/synclog"
	"github.com/roach88/docmirror/internal/testutil"
)

type fixture struct {
	orch    *Orchestrator
	primary *testutil.MemoryPrimary
	backup  *testutil.MemoryBackup
	store   *store.Store
	clock   *testutil.FakeClock
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fastRetry() *retry.Executor {
	return retry.New(
		retry.WithMaxAttempts(3),
		retry.WithBackoff(time.Millisecond, 2*time.Millisecond),
		retry.WithJitter(0),
		retry.WithLogger(quietLogger()),
	)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := testutil.NewSteppingClock(testutil.Epoch, time.Millisecond)
	p := testutil.NewMemoryPrimary(clock.Now)
	b := testutil.NewMemoryBackup(clock.Now)
	log := synclog.New(s, synclog.WithClock(clock.Now), synclog.WithLogger(quietLogger()))
	orch := New(p, b, s, log, WithRetry(fastRetry()), WithClock(clock.Now), WithLogger(quietLogger()))
	return &fixture{orch: orch, primary: p, backup: b, store: s, clock: clock}
}

func (f *fixture) seed(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("sop/file-%d.xlsx", i+1)
		f.primary.SetObject(keys[i], []byte(fmt.Sprintf("content %d", i+1)), testutil.Epoch.Add(-time.Hour))
	}
	return keys
}

func (f *fixture) logOps(t *testing.T, op string) []model.SyncLogEntry {
	t.Helper()
	entries, err := f.store.ListLog(context.Background(), store.LogFilter{Operation: op})
	require.NoError(t, err)
	return entries
}

func TestPerformBackup_ThreeNewObjects(t *testing.T) {
	f := newFixture(t)
	keys := f.seed(3)

	res, err := f.orch.PerformBackup(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.NewFilesBackedUp)
	assert.Equal(t, 0, res.ModifiedFilesBackedUp)
	assert.Equal(t, 0, res.SkippedFiles)
	assert.Empty(t, res.Errors)

	recs, err := f.store.ListSyncRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, keys[i], rec.PrimaryKey)
		assert.Equal(t, model.SyncSynced, rec.Status)
		assert.NotEmpty(t, rec.BackupID)
		assert.Equal(t, hasher.Sum([]byte(fmt.Sprintf("content %d", i+1))), rec.ContentHash)
		assert.Equal(t, model.ProvenanceBoth, rec.Provenance)

		data, ok := f.backup.Data(rec.BackupID)
		require.True(t, ok)
		assert.Equal(t, rec.ContentHash, hasher.Sum(data))
	}

	assert.Len(t, f.logOps(t, synclog.OpBackupFile), 3)
	assert.Len(t, f.logOps(t, synclog.OpBackupRun), 1)
}

func TestPerformBackup_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(4)
	ctx := context.Background()

	_, err := f.orch.PerformBackup(ctx, Options{})
	require.NoError(t, err)
	uploads := len(f.backup.Uploads())

	res, err := f.orch.PerformBackup(ctx, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.NewFilesBackedUp)
	assert.Equal(t, 0, res.ModifiedFilesBackedUp)
	assert.Equal(t, 4, res.SkippedFiles)
	assert.Equal(t, uploads, len(f.backup.Uploads()), "second run must not upload")

	noops := f.logOps(t, synclog.OpBackupNoop)
	require.Len(t, noops, 1)
	assert.Equal(t, model.LogSuccess, noops[0].Status)
}

func TestPerformBackup_BatchIsolation(t *testing.T) {
	f := newFixture(t)
	keys := f.seed(5)
	f.backup.Fail(testutil.OpUpload, keys[2], storage.NewRemoteError("memory", "upload", keys[2], 403, errors.New("forbidden")))

	res, err := f.orch.PerformBackup(context.Background(), Options{Concurrency: 2})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 4, res.NewFilesBackedUp)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, keys[2], res.Errors[0].Key)
	assert.Equal(t, "file-3.xlsx", res.Errors[0].Filename)
	assert.Contains(t, res.Errors[0].Message, "forbidden")
	assert.Contains(t, res.Message, "1 error")

	rec, err := f.store.GetSyncRecord(context.Background(), keys[2])
	require.NoError(t, err)
	assert.Equal(t, model.SyncError, rec.Status)
	assert.False(t, rec.HasBackup())

	fileLogs := f.logOps(t, synclog.OpBackupFile)
	require.Len(t, fileLogs, 5)
	var errorsLogged int
	for _, e := range fileLogs {
		if e.Status == model.LogError {
			errorsLogged++
			assert.Equal(t, keys[2], e.Subject)
		}
	}
	assert.Equal(t, 1, errorsLogged)

	// The failed file is picked up again once the fault clears.
	f.backup.Heal(testutil.OpUpload, keys[2])
	res, err = f.orch.PerformBackup(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.NewFilesBackedUp)
	assert.Equal(t, 4, res.SkippedFiles)
}

func TestPerformBackup_TransientUploadRetried(t *testing.T) {
	f := newFixture(t)
	keys := f.seed(1)
	f.backup.FailTimes(testutil.OpUpload, keys[0], storage.NewRemoteError("memory", "upload", keys[0], 503, errors.New("busy")), 2)

	res, err := f.orch.PerformBackup(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.NewFilesBackedUp)
}

func TestPerformBackup_TransientExhaustedReported(t *testing.T) {
	f := newFixture(t)
	keys := f.seed(2)
	f.backup.Fail(testutil.OpUpload, keys[0], storage.NewRemoteError("memory", "upload", keys[0], 500, errors.New("down")))

	res, err := f.orch.PerformBackup(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "retry exhausted")
	assert.Equal(t, 1, res.NewFilesBackedUp)
}

func TestPerformBackup_AuthExpiryRefreshesBackup(t *testing.T) {
	f := newFixture(t)
	keys := f.seed(1)
	f.backup.FailTimes(testutil.OpUpload, keys[0], storage.NewRemoteError("memory", "upload", keys[0], 401, errors.New("token expired")), 1)

	res, err := f.orch.PerformBackup(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, f.backup.Refreshes())
}

func TestPerformBackup_ModifiedObject(t *testing.T) {
	f := newFixture(t)
	keys := f.seed(2)
	ctx := context.Background()

	_, err := f.orch.PerformBackup(ctx, Options{})
	require.NoError(t, err)
	before, err := f.store.GetSyncRecord(ctx, keys[0])
	require.NoError(t, err)

	f.primary.SetObject(keys[0], []byte("rewritten content"), testutil.Epoch.Add(time.Hour))

	res, err := f.orch.PerformBackup(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewFilesBackedUp)
	assert.Equal(t, 1, res.ModifiedFilesBackedUp)
	assert.Equal(t, 1, res.SkippedFiles)

	after, err := f.store.GetSyncRecord(ctx, keys[0])
	require.NoError(t, err)
	assert.NotEqual(t, before.BackupID, after.BackupID)
	assert.Equal(t, hasher.Sum([]byte("rewritten content")), after.ContentHash)
	assert.Equal(t, testutil.Epoch.Add(time.Hour), after.LastSyncedAt)
}

func TestPerformBackup_DryRunHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.seed(3)
	ctx := context.Background()

	res, err := f.orch.PerformBackup(ctx, Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.NewDetected)
	assert.Equal(t, 0, res.NewFilesBackedUp)

	recs, err := f.store.ListSyncRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, f.backup.Uploads())
	assert.Equal(t, 0, f.primary.TotalGets())
	entries, err := f.store.ListLog(ctx, store.LogFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPerformBackup_NotConfiguredIsFatal(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()
	p := testutil.NewMemoryPrimary(nil)
	p.SetObject("a.xlsx", []byte("a"), testutil.Epoch)
	log := synclog.New(s, synclog.WithLogger(quietLogger()))
	orch := New(p, nil, s, log, WithRetry(fastRetry()), WithLogger(quietLogger()))

	res, err := orch.PerformBackup(context.Background(), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotConfigured)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 0, p.TotalGets())

	recs, err := s.ListSyncRecords(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs, "fatal preflight must not touch records")

	entries, err := s.ListLog(context.Background(), store.LogFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, synclog.OpBackupPreflight, entries[0].Operation)
	assert.Equal(t, model.LogError, entries[0].Status)
}

func TestPerformBackup_UnreachableBackupIsFatal(t *testing.T) {
	f := newFixture(t)
	f.seed(2)
	f.backup.Fail(testutil.OpMetadata, "", storage.NewRemoteError("memory", "metadata", "", 403, errors.New("denied")))

	res, err := f.orch.PerformBackup(context.Background(), Options{})
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, f.backup.Uploads())

	recs, err := f.store.ListSyncRecords(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestPerformBackup_MissingBackupFolderIsNotFatal(t *testing.T) {
	f := newFixture(t)
	keys := f.seed(2)
	f.backup.Fail(testutil.OpMetadata, "", storage.NewRemoteError("memory", "metadata", "", 404, errors.New("itemNotFound")))

	res, err := f.orch.PerformBackup(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.NewFilesBackedUp)
	var names []string
	for _, it := range f.backup.Uploads() {
		names = append(names, it.Name)
	}
	assert.ElementsMatch(t, keys, names)
	assert.Empty(t, f.logOps(t, synclog.OpBackupPreflight))
}

type checkingBackup struct {
	*testutil.MemoryBackup
	err error
}

func (b checkingBackup) Check(ctx context.Context) error { return b.err }

func TestPerformBackup_BackupCheckFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.seed(1)
	b := checkingBackup{MemoryBackup: f.backup, err: storage.NewRemoteError("memory", "check", "", 403, errors.New("denied"))}
	orch := New(f.primary, b, f.store, synclog.New(f.store, synclog.WithLogger(quietLogger())),
		WithRetry(fastRetry()), WithClock(f.clock.Now), WithLogger(quietLogger()))

	_, err := orch.PerformBackup(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backup store unreachable")
	assert.Empty(t, f.backup.Uploads())
}

func TestPerformBackup_PrimaryCheckFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.seed(1)
	f.primary.Fail(testutil.OpCheck, "", storage.NewRemoteError("memory", "check", "", 404, errors.New("no bucket")))

	_, err := f.orch.PerformBackup(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary store unreachable")
}

func TestPerformBackup_DownloadFailureRecorded(t *testing.T) {
	f := newFixture(t)
	keys := f.seed(2)
	f.primary.Fail(testutil.OpGet, keys[1], storage.NewRemoteError("memory", "get", keys[1], 404, errors.New("vanished")))

	res, err := f.orch.PerformBackup(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "download")
	assert.Equal(t, 1, res.NewFilesBackedUp)
}

// concurrencyProbe records the peak number of in-flight uploads.
type concurrencyProbe struct {
	storage.Backup
	inFlight atomic.Int32
	mu       sync.Mutex
	peak     int32
}

func (p *concurrencyProbe) Upload(ctx context.Context, data []byte, filename, contentType string) (*storage.BackupItem, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	p.mu.Lock()
	if n > p.peak {
		p.peak = n
	}
	p.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	return p.Backup.Upload(ctx, data, filename, contentType)
}

func TestPerformBackup_ConcurrencyBounded(t *testing.T) {
	f := newFixture(t)
	f.seed(7)
	probe := &concurrencyProbe{Backup: f.backup}
	log := synclog.New(f.store, synclog.WithLogger(quietLogger()))
	orch := New(f.primary, probe, f.store, log, WithRetry(fastRetry()), WithLogger(quietLogger()))

	res, err := orch.PerformBackup(context.Background(), Options{Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, 7, res.NewFilesBackedUp)
	assert.LessOrEqual(t, probe.peak, int32(2))
}

func TestCheckIfBackupNeeded(t *testing.T) {
	f := newFixture(t)
	f.seed(3)
	ctx := context.Background()

	sum, err := f.orch.CheckIfBackupNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, sum.NeedsBackup)
	assert.Equal(t, 3, sum.NewFilesCount)

	_, err = f.orch.PerformBackup(ctx, Options{})
	require.NoError(t, err)

	sum, err = f.orch.CheckIfBackupNeeded(ctx)
	require.NoError(t, err)
	assert.False(t, sum.NeedsBackup)
	assert.Equal(t, 3, sum.TotalFiles)
	assert.Equal(t, sum.TotalFiles, sum.UnchangedFilesCount)
	assert.Zero(t, sum.NewFilesCount)
	assert.Zero(t, sum.ModifiedFilesCount)
}

func TestPerformBackup_PrefixScopesRun(t *testing.T) {
	f := newFixture(t)
	f.primary.SetObject("sop/a.xlsx", []byte("a"), testutil.Epoch)
	f.primary.SetObject("tmp/b.xlsx", []byte("b"), testutil.Epoch)
	log := synclog.New(f.store, synclog.WithLogger(quietLogger()))
	orch := New(f.primary, f.backup, f.store, log, WithRetry(fastRetry()), WithLogger(quietLogger()), WithPrefix("sop/"))

	res, err := orch.PerformBackup(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalChecked)
	assert.Equal(t, 1, res.NewFilesBackedUp)
}
