// Package model defines the records owned by the reconciliation and
// edit-session core: sync records, edit sessions, change records and
// sync log entries.
package model

import (
	"errors"
	"fmt"
	"time"
)

// SyncStatus is the backup state of one primary object.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncError   SyncStatus = "error"
)

// Provenance records which stores hold a copy of an object.
type Provenance string

const (
	ProvenancePrimaryOnly Provenance = "primary-only"
	ProvenanceBackupOnly  Provenance = "backup-only"
	ProvenanceBoth        Provenance = "both"
)

// SyncRecord is the persisted backup state for one primary-store object.
//
// LastSyncedAt is the primary-side modification time of the content that was
// last backed up. The change detector compares live listings against it.
type SyncRecord struct {
	PrimaryKey        string     `json:"primary_key"`
	BackupID          string     `json:"backup_id,omitempty"` // empty until the first successful backup
	ContentHash       string     `json:"content_hash,omitempty"`
	Size              int64      `json:"size"`
	PrimaryModifiedAt time.Time  `json:"primary_modified_at"`
	BackupModifiedAt  time.Time  `json:"backup_modified_at"`
	Status            SyncStatus `json:"status"`
	LastSyncedAt      time.Time  `json:"last_synced_at"`
	Provenance        Provenance `json:"provenance,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ErrInvalidRecord is returned by SyncRecord.Validate.
var ErrInvalidRecord = errors.New("invalid sync record")

// Validate checks the record invariants.
func (r *SyncRecord) Validate() error {
	if r.PrimaryKey == "" {
		return fmt.Errorf("%w: primary key is empty", ErrInvalidRecord)
	}
	switch r.Status {
	case SyncPending, SyncError:
	case SyncSynced:
		if r.BackupID == "" {
			return fmt.Errorf("%w: %s is synced without a backup id", ErrInvalidRecord, r.PrimaryKey)
		}
		if r.ContentHash == "" {
			return fmt.Errorf("%w: %s is synced without a content hash", ErrInvalidRecord, r.PrimaryKey)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, r.Status)
	}
	return nil
}

// HasBackup reports whether the object was ever backed up successfully.
func (r *SyncRecord) HasBackup() bool { return r.BackupID != "" }

// SessionStatus is the state of an edit session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
)

// EditSession is an exclusive, time-bounded lock on one object key.
type EditSession struct {
	ID           string        `json:"id"`
	ObjectKey    string        `json:"object_key"`
	DocumentID   string        `json:"document_id,omitempty"`
	UserID       string        `json:"user_id"`
	LockedAt     time.Time     `json:"locked_at"`
	OriginalHash string        `json:"original_hash"`
	Status       SessionStatus `json:"status"`
	FinalHash    string        `json:"final_hash,omitempty"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// ExpiredAt reports whether the session has outlived maxAge at now.
// Only active sessions expire; a non-positive maxAge disables expiry.
func (s *EditSession) ExpiredAt(now time.Time, maxAge time.Duration) bool {
	if s.Status == SessionExpired {
		return true
	}
	if s.Status != SessionActive || maxAge <= 0 {
		return false
	}
	return now.Sub(s.LockedAt) > maxAge
}

// Conflict describes a primary-store change made while a session was open.
type Conflict struct {
	Message      string    `json:"message"`
	OriginalHash string    `json:"original_hash"`
	CurrentHash  string    `json:"current_hash"`
	DetectedAt   time.Time `json:"detected_at"`
}

// ChangeType classifies a primary object against its sync record.
type ChangeType string

const (
	ChangeNew       ChangeType = "new"
	ChangeModified  ChangeType = "modified"
	ChangeUnchanged ChangeType = "unchanged"
)

// ChangeRecord is one classified object from a detection pass. Not persisted.
type ChangeRecord struct {
	Key                  string     `json:"key"`
	Filename             string     `json:"filename"`
	Type                 ChangeType `json:"change_type"`
	PreviousSize         *int64     `json:"previous_size,omitempty"`
	PreviousLastModified *time.Time `json:"previous_last_modified,omitempty"`
	Size                 int64      `json:"size"`
	LastModified         time.Time  `json:"last_modified"`
	Reason               string     `json:"reason"`
}

// NeedsBackup reports whether the change requires a copy to the backup store.
func (c ChangeRecord) NeedsBackup() bool {
	return c.Type == ChangeNew || c.Type == ChangeModified
}

// LogStatus is the outcome recorded in a sync log entry.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
)

// SyncLogEntry is one append-only audit row.
type SyncLogEntry struct {
	ID        int64     `json:"id"`
	Operation string    `json:"operation"`
	Subject   string    `json:"subject"`
	Status    LogStatus `json:"status"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"` // canonical JSON, "" when absent
	CreatedAt time.Time `json:"created_at"`
}
