package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/docmirror/internal/model"
)

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestSession creates an active session with minimal required fields.
func createTestSession(id, key, user string, lockedAt time.Time) model.EditSession {
	return model.EditSession{
		ID:           id,
		ObjectKey:    key,
		DocumentID:   "doc-" + id,
		UserID:       user,
		LockedAt:     lockedAt,
		OriginalHash: "h1",
		Status:       model.SessionActive,
	}
}

// createSyncedRecord creates a synced record with minimal required fields.
func createSyncedRecord(key, backupID string, size int64, modified time.Time) model.SyncRecord {
	return model.SyncRecord{
		PrimaryKey:        key,
		BackupID:          backupID,
		ContentHash:       "hash-" + key,
		Size:              size,
		PrimaryModifiedAt: modified,
		BackupModifiedAt:  modified.Add(time.Minute),
		Status:            model.SyncSynced,
		LastSyncedAt:      modified,
		Provenance:        model.ProvenanceBoth,
		UpdatedAt:         modified.Add(time.Minute),
	}
}
