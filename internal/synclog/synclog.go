// Package synclog writes the append-only audit trail of backup and
// edit-session operations.
package synclog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/docmirror/internal/model"
)

// Operation names.
const (
	OpBackupRun          = "backup.run"
	OpBackupNoop         = "backup.noop"
	OpBackupFile         = "backup.file"
	OpBackupPreflight    = "backup.preflight"
	OpSessionAcquire     = "session.acquire"
	OpSessionValidate    = "session.validate"
	OpSessionComplete    = "session.complete"
	OpSessionRelease     = "session.release"
	OpEditFolderCheckout = "editfolder.checkout"
	OpEditFolderCollect  = "editfolder.collect"
)

// Appender persists one entry. *store.Store implements it.
type Appender interface {
	AppendLog(ctx context.Context, e model.SyncLogEntry) (int64, error)
}

// Entry is the caller-facing form of a log entry.
type Entry struct {
	Operation string
	Subject   string
	Status    model.LogStatus
	Message   string
	Details   model.Details
}

// Log appends entries with timestamps from its clock and mirrors them to slog.
type Log struct {
	dst    Appender
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the timestamp source.
func WithClock(now func() time.Time) Option { return func(l *Log) { l.now = now } }

// WithLogger sets the slog mirror. Nil uses slog.Default.
func WithLogger(logger *slog.Logger) Option { return func(l *Log) { l.logger = logger } }

// New creates a Log writing to dst.
func New(dst Appender, opts ...Option) *Log {
	l := &Log{dst: dst, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Append writes e. Details are stored as canonical JSON.
// On error nothing is persisted; the failure is also logged.
func (l *Log) Append(ctx context.Context, e Entry) (int64, error) {
	details, err := model.MarshalDetails(e.Details)
	if err != nil {
		l.logger.Error("sync log details rejected", "operation", e.Operation, "subject", e.Subject, "error", err)
		return 0, fmt.Errorf("sync log %s: %w", e.Operation, err)
	}

	entry := model.SyncLogEntry{
		Operation: e.Operation,
		Subject:   e.Subject,
		Status:    e.Status,
		Message:   e.Message,
		Details:   details,
		CreatedAt: l.now().UTC(),
	}

	l.mirror(ctx, entry)

	id, err := l.dst.AppendLog(ctx, entry)
	if err != nil {
		l.logger.Error("sync log append failed", "operation", e.Operation, "subject", e.Subject, "error", err)
		return 0, fmt.Errorf("sync log %s: %w", e.Operation, err)
	}
	return id, nil
}

// Success appends a success entry and logs any write failure.
// Callers that must not abort on audit failures use this form.
func (l *Log) Success(ctx context.Context, op, subject, message string, details model.Details) {
	_, _ = l.Append(ctx, Entry{Operation: op, Subject: subject, Status: model.LogSuccess, Message: message, Details: details})
}

// Failure appends an error entry and logs any write failure.
func (l *Log) Failure(ctx context.Context, op, subject, message string, details model.Details) {
	_, _ = l.Append(ctx, Entry{Operation: op, Subject: subject, Status: model.LogError, Message: message, Details: details})
}

func (l *Log) mirror(ctx context.Context, e model.SyncLogEntry) {
	level := slog.LevelInfo
	if e.Status == model.LogError {
		level = slog.LevelWarn
	}
	attrs := []any{"operation", e.Operation, "status", string(e.Status)}
	if e.Subject != "" {
		attrs = append(attrs, "subject", e.Subject)
	}
	if e.Details != "" {
		attrs = append(attrs, "details", e.Details)
	}
	l.logger.Log(ctx, level, e.Message, attrs...)
}
