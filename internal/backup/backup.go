// Package backup copies new and modified primary-store objects to the
// backup store and keeps their sync records current.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/docmirror/internal/detect"
	"github.com/roach88/docmirror/internal/hasher"
	"github.com/roach88/docmirror/internal/model"
	"github.com/roach88/docmirror/internal/retry"
	"github.com/roach88/docmirror/internal/storage"
	"github.com/roach88/docmirror/internal/synclog"
)

// DefaultConcurrency is the batch size used when Options.Concurrency is unset.
const DefaultConcurrency = 3

// RecordStore is the sync-record persistence the orchestrator needs.
// *store.Store implements it.
type RecordStore interface {
	detect.RecordSource
	EnsurePendingRecord(ctx context.Context, key string, size int64, modifiedAt, now time.Time) error
	UpsertSynced(ctx context.Context, rec model.SyncRecord) error
	MarkRecordError(ctx context.Context, key, msg string, now time.Time) error
}

// Options controls one run.
type Options struct {
	DryRun      bool
	Concurrency int
}

// FileError attributes a per-file failure.
type FileError struct {
	Key      string `json:"key"`
	Filename string `json:"filename"`
	Message  string `json:"message"`
}

// Result summarises one run.
type Result struct {
	TotalChecked          int         `json:"total_checked"`
	NewFilesBackedUp      int         `json:"new_files_backed_up"`
	ModifiedFilesBackedUp int         `json:"modified_files_backed_up"`
	SkippedFiles          int         `json:"skipped_files"`
	Errors                []FileError `json:"errors"`
	Success               bool        `json:"success"`
	Message               string      `json:"message"`
	DryRun                bool        `json:"dry_run"`
	NewDetected           int         `json:"new_detected"`
	ModifiedDetected      int         `json:"modified_detected"`
	BytesUploaded         int64       `json:"bytes_uploaded"`
	StartedAt             time.Time   `json:"started_at"`
	FinishedAt            time.Time   `json:"finished_at"`
}

// NeedSummary is the answer to CheckIfBackupNeeded.
type NeedSummary struct {
	NeedsBackup         bool                 `json:"needs_backup"`
	TotalFiles          int                  `json:"total_files"`
	NewFilesCount       int                  `json:"new_files_count"`
	ModifiedFilesCount  int                  `json:"modified_files_count"`
	UnchangedFilesCount int                  `json:"unchanged_files_count"`
	Changes             []model.ChangeRecord `json:"changes"`
}

// Orchestrator runs reconciliation passes. One run at a time is assumed.
type Orchestrator struct {
	primary  storage.Primary
	backup   storage.Backup
	records  RecordStore
	detector *detect.Detector
	retry    *retry.Executor
	log      *synclog.Log
	now      func() time.Time
	logger   *slog.Logger
	prefix   string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetry sets the executor wrapping every remote call.
func WithRetry(e *retry.Executor) Option { return func(o *Orchestrator) { o.retry = e } }

// WithClock sets the time source for record timestamps.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithPrefix restricts runs to primary keys under prefix.
func WithPrefix(prefix string) Option { return func(o *Orchestrator) { o.prefix = prefix } }

// New creates an Orchestrator. primary or backup may be nil when not
// configured; runs then fail preflight.
func New(primary storage.Primary, backup storage.Backup, records RecordStore, log *synclog.Log, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		primary: primary,
		backup:  backup,
		records: records,
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.retry == nil {
		o.retry = retry.New(retry.WithLogger(o.logger))
	}
	o.detector = detect.New(primary, records, o.retry, o.prefix)
	return o
}

// PerformBackup runs one reconciliation pass.
//
// Configuration or connectivity problems abort the run before any record is
// touched and are returned as the error, alongside a failed Result. Per-file
// failures never abort the run; they are reported in Result.Errors.
func (o *Orchestrator) PerformBackup(ctx context.Context, opts Options) (*Result, error) {
	res := &Result{StartedAt: o.now().UTC(), DryRun: opts.DryRun, Errors: []FileError{}}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	if err := o.preflight(ctx, opts.DryRun); err != nil {
		return o.abort(ctx, res, synclog.OpBackupPreflight, err), err
	}

	changes, err := o.detector.DetectChanges(ctx)
	if err != nil {
		return o.abort(ctx, res, synclog.OpBackupRun, err), err
	}

	var pending []model.ChangeRecord
	for _, c := range changes {
		switch c.Type {
		case model.ChangeNew:
			res.NewDetected++
			pending = append(pending, c)
		case model.ChangeModified:
			res.ModifiedDetected++
			pending = append(pending, c)
		default:
			res.SkippedFiles++
		}
	}
	res.TotalChecked = len(changes)

	if opts.DryRun {
		res.Success = true
		res.Message = fmt.Sprintf("dry run: %d new, %d modified, %d unchanged of %d checked",
			res.NewDetected, res.ModifiedDetected, res.SkippedFiles, res.TotalChecked)
		res.FinishedAt = o.now().UTC()
		return res, nil
	}

	if len(pending) == 0 {
		res.Success = true
		res.Message = fmt.Sprintf("no changes: %d files up to date", res.TotalChecked)
		res.FinishedAt = o.now().UTC()
		o.log.Success(ctx, synclog.OpBackupNoop, o.prefix, res.Message, model.Details{
			"total_checked": res.TotalChecked,
		})
		return res, nil
	}

	outcomes := make([]fileOutcome, len(pending))
	for start := 0; start < len(pending); start += concurrency {
		end := min(start+concurrency, len(pending))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				outcomes[i] = o.backupFile(ctx, pending[i])
				return nil
			})
		}
		_ = g.Wait()

		o.logger.Debug("backup batch finished", "from", start, "to", end, "of", len(pending))
	}

	for i, out := range outcomes {
		c := pending[i]
		if out.err != nil {
			res.Errors = append(res.Errors, FileError{Key: c.Key, Filename: c.Filename, Message: out.err.Error()})
			continue
		}
		res.BytesUploaded += out.bytes
		if c.Type == model.ChangeNew {
			res.NewFilesBackedUp++
		} else {
			res.ModifiedFilesBackedUp++
		}
	}

	res.Success = len(res.Errors) == 0
	res.Message = summarize(res)
	res.FinishedAt = o.now().UTC()

	details := model.Details{
		"total_checked":  res.TotalChecked,
		"new":            res.NewFilesBackedUp,
		"modified":       res.ModifiedFilesBackedUp,
		"skipped":        res.SkippedFiles,
		"errors":         len(res.Errors),
		"bytes_uploaded": res.BytesUploaded,
	}
	if res.Success {
		o.log.Success(ctx, synclog.OpBackupRun, o.prefix, res.Message, details)
	} else {
		failed := make([]string, len(res.Errors))
		for i, fe := range res.Errors {
			failed[i] = fe.Key
		}
		details["failed_keys"] = failed
		o.log.Failure(ctx, synclog.OpBackupRun, o.prefix, res.Message, details)
	}
	return res, nil
}

// CheckIfBackupNeeded runs detection only and reports what a run would do.
func (o *Orchestrator) CheckIfBackupNeeded(ctx context.Context) (*NeedSummary, error) {
	changes, err := o.detector.DetectChanges(ctx)
	if err != nil {
		return nil, err
	}
	sum := &NeedSummary{TotalFiles: len(changes), Changes: changes}
	for _, c := range changes {
		switch c.Type {
		case model.ChangeNew:
			sum.NewFilesCount++
		case model.ChangeModified:
			sum.ModifiedFilesCount++
		default:
			sum.UnchangedFilesCount++
		}
	}
	sum.NeedsBackup = sum.NewFilesCount+sum.ModifiedFilesCount > 0
	return sum, nil
}

func (o *Orchestrator) preflight(ctx context.Context, dryRun bool) error {
	if o.primary == nil {
		return fmt.Errorf("primary store: %w", storage.ErrNotConfigured)
	}
	if dryRun {
		return nil
	}
	if o.backup == nil {
		return fmt.Errorf("backup store: %w", storage.ErrNotConfigured)
	}

	if c, ok := o.primary.(storage.Checker); ok {
		err := o.retry.Do(ctx, "primary.check", c.Check, retry.WithRefresher(retry.RefresherOf(o.primary)))
		if err != nil {
			return fmt.Errorf("primary store unreachable: %w", err)
		}
	}
	refresh := retry.WithRefresher(retry.RefresherOf(o.backup))
	if c, ok := o.backup.(storage.Checker); ok {
		if err := o.retry.Do(ctx, "backup.check", c.Check, refresh); err != nil {
			return fmt.Errorf("backup store unreachable: %w", err)
		}
	}
	err := o.retry.Do(ctx, "backup.metadata", func(ctx context.Context) error {
		_, err := o.backup.GetMetadata(ctx, "")
		return err
	}, refresh)
	// A missing backup folder means the store answered; the first upload
	// creates it.
	if storage.IsNotFound(err) {
		o.logger.Info("backup folder does not exist yet", "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("backup store unreachable: %w", err)
	}
	return nil
}

func (o *Orchestrator) abort(ctx context.Context, res *Result, op string, err error) *Result {
	res.Success = false
	res.Message = "backup aborted: " + err.Error()
	res.Errors = append(res.Errors, FileError{Message: err.Error()})
	res.FinishedAt = o.now().UTC()
	details := model.Details{}
	if errors.Is(err, storage.ErrNotConfigured) {
		details["reason"] = "not_configured"
	} else {
		details["reason"] = string(storage.KindOf(err))
	}
	o.log.Failure(ctx, op, o.prefix, res.Message, details)
	o.logger.Error("backup aborted", "error", err)
	return res
}

type fileOutcome struct {
	bytes int64
	err   error
}

func (o *Orchestrator) backupFile(ctx context.Context, c model.ChangeRecord) fileOutcome {
	now := o.now().UTC()
	details := model.Details{"change_type": c.Type, "new_size": c.Size}
	if c.PreviousSize != nil {
		details["old_size"] = *c.PreviousSize
	}

	fail := func(stage string, err error) fileOutcome {
		err = fmt.Errorf("%s: %w", stage, err)
		if merr := o.records.MarkRecordError(ctx, c.Key, err.Error(), now); merr != nil {
			o.logger.Error("failed to record backup error", "key", c.Key, "error", merr)
		}
		details["stage"] = stage
		details["error_kind"] = string(storage.KindOf(err))
		o.log.Failure(ctx, synclog.OpBackupFile, c.Key, err.Error(), details)
		return fileOutcome{err: err}
	}

	if err := o.records.EnsurePendingRecord(ctx, c.Key, c.Size, c.LastModified, now); err != nil {
		return fail("record", err)
	}

	data, err := retry.Value(ctx, o.retry, "primary.get", func(ctx context.Context) ([]byte, error) {
		return o.primary.Get(ctx, c.Key)
	}, retry.WithRefresher(retry.RefresherOf(o.primary)))
	if err != nil {
		return fail("download", err)
	}

	hash := hasher.Sum(data)
	contentType := mimetype.Detect(data).String()

	item, err := retry.Value(ctx, o.retry, "backup.upload", func(ctx context.Context) (*storage.BackupItem, error) {
		return o.backup.Upload(ctx, data, c.Key, contentType)
	}, retry.WithRefresher(retry.RefresherOf(o.backup)))
	if err != nil {
		return fail("upload", err)
	}

	backupModified := item.LastModified
	if backupModified.IsZero() {
		backupModified = now
	}
	rec := model.SyncRecord{
		PrimaryKey:        c.Key,
		BackupID:          item.ID,
		ContentHash:       hash,
		Size:              int64(len(data)),
		PrimaryModifiedAt: c.LastModified,
		BackupModifiedAt:  backupModified,
		Status:            model.SyncSynced,
		LastSyncedAt:      c.LastModified,
		Provenance:        model.ProvenanceBoth,
		UpdatedAt:         now,
	}
	if err := o.records.UpsertSynced(ctx, rec); err != nil {
		return fail("record", err)
	}

	details["backup_id"] = item.ID
	details["content_hash"] = hash
	details["content_type"] = contentType
	o.log.Success(ctx, synclog.OpBackupFile, c.Key,
		fmt.Sprintf("backed up %s (%s, %s)", c.Key, c.Type, humanize.Bytes(uint64(len(data)))), details)
	return fileOutcome{bytes: int64(len(data))}
}

func summarize(res *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "backed up %d files (%d new, %d modified, %s)",
		res.NewFilesBackedUp+res.ModifiedFilesBackedUp,
		res.NewFilesBackedUp, res.ModifiedFilesBackedUp,
		humanize.Bytes(uint64(res.BytesUploaded)))
	fmt.Fprintf(&b, "; %d unchanged", res.SkippedFiles)
	if n := len(res.Errors); n > 0 {
		fmt.Fprintf(&b, "; %d %s", n, plural(n, "error", "errors"))
	}
	return b.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
