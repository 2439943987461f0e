package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/docmirror/internal/model"
)

const syncRecordColumns = `primary_key, backup_id, content_hash, size, primary_modified_at,
	backup_modified_at, status, last_synced_at, provenance, last_error, updated_at`

// EnsurePendingRecord inserts a pending record for key if none exists.
// An existing record is left untouched.
func (s *Store) EnsurePendingRecord(ctx context.Context, key string, size int64, modifiedAt, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_records (primary_key, size, primary_modified_at, status, provenance, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(primary_key) DO NOTHING
	`,
		key,
		size,
		nullTime(modifiedAt),
		string(model.SyncPending),
		string(model.ProvenancePrimaryOnly),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("ensure pending record %s: %w", key, err)
	}
	return nil
}

// UpsertSynced writes rec as the current state of its key.
// The record must pass Validate.
func (s *Store) UpsertSynced(ctx context.Context, rec model.SyncRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_records (`+syncRecordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(primary_key) DO UPDATE SET
			backup_id           = excluded.backup_id,
			content_hash        = excluded.content_hash,
			size                = excluded.size,
			primary_modified_at = excluded.primary_modified_at,
			backup_modified_at  = excluded.backup_modified_at,
			status              = excluded.status,
			last_synced_at      = excluded.last_synced_at,
			provenance          = excluded.provenance,
			last_error          = excluded.last_error,
			updated_at          = excluded.updated_at
	`,
		rec.PrimaryKey,
		nullString(rec.BackupID),
		rec.ContentHash,
		rec.Size,
		nullTime(rec.PrimaryModifiedAt),
		nullTime(rec.BackupModifiedAt),
		string(rec.Status),
		nullTime(rec.LastSyncedAt),
		string(rec.Provenance),
		rec.LastError,
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert sync record %s: %w", rec.PrimaryKey, err)
	}
	return nil
}

// MarkRecordError sets the record for key to status error with msg.
// Backup id, hash and last-synced time of a previous success are preserved.
func (s *Store) MarkRecordError(ctx context.Context, key, msg string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_records (primary_key, status, provenance, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(primary_key) DO UPDATE SET
			status     = excluded.status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`,
		key,
		string(model.SyncError),
		string(model.ProvenancePrimaryOnly),
		msg,
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("mark record error %s: %w", key, err)
	}
	return nil
}

// GetSyncRecord returns the record for key or ErrNotFound.
func (s *Store) GetSyncRecord(ctx context.Context, key string) (*model.SyncRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+syncRecordColumns+`
		FROM sync_records
		WHERE primary_key = ?
	`, key)
	rec, err := scanSyncRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync record %s: %w", key, err)
	}
	return rec, nil
}

// ListSyncRecords returns every record ordered by primary key.
func (s *Store) ListSyncRecords(ctx context.Context) ([]model.SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+syncRecordColumns+`
		FROM sync_records
		ORDER BY primary_key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sync records: %w", err)
	}
	defer rows.Close()

	var out []model.SyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list sync records: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sync records: %w", err)
	}
	return out, nil
}

// CountSyncRecords returns the number of records per status.
func (s *Store) CountSyncRecords(ctx context.Context) (map[model.SyncStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM sync_records
		GROUP BY status
		ORDER BY status ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("count sync records: %w", err)
	}
	defer rows.Close()

	counts := map[model.SyncStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count sync records: %w", err)
		}
		counts[model.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncRecord(sc rowScanner) (*model.SyncRecord, error) {
	var (
		rec                               model.SyncRecord
		backupID                          sql.NullString
		primaryMod, backupMod, lastSynced sql.NullString
		status, provenance, updatedAt     string
	)
	if err := sc.Scan(
		&rec.PrimaryKey,
		&backupID,
		&rec.ContentHash,
		&rec.Size,
		&primaryMod,
		&backupMod,
		&status,
		&lastSynced,
		&provenance,
		&rec.LastError,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	rec.BackupID = backupID.String
	rec.Status = model.SyncStatus(status)
	rec.Provenance = model.Provenance(provenance)

	var err error
	if rec.PrimaryModifiedAt, err = parseNullTime(primaryMod); err != nil {
		return nil, err
	}
	if rec.BackupModifiedAt, err = parseNullTime(backupMod); err != nil {
		return nil, err
	}
	if rec.LastSyncedAt, err = parseNullTime(lastSynced); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}
