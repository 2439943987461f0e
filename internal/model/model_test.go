package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rec     SyncRecord
		wantErr bool
	}{
		{"pending without backup", SyncRecord{PrimaryKey: "a", Status: SyncPending}, false},
		{"error without backup", SyncRecord{PrimaryKey: "a", Status: SyncError}, false},
		{"synced complete", SyncRecord{PrimaryKey: "a", Status: SyncSynced, BackupID: "b1", ContentHash: "h"}, false},
		{"synced without backup id", SyncRecord{PrimaryKey: "a", Status: SyncSynced, ContentHash: "h"}, true},
		{"synced without hash", SyncRecord{PrimaryKey: "a", Status: SyncSynced, BackupID: "b1"}, true},
		{"empty key", SyncRecord{Status: SyncPending}, true},
		{"unknown status", SyncRecord{PrimaryKey: "a", Status: "weird"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRecord)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEditSession_ExpiredAt(t *testing.T) {
	locked := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	s := EditSession{Status: SessionActive, LockedAt: locked}

	assert.False(t, s.ExpiredAt(locked.Add(time.Hour), 4*time.Hour))
	assert.False(t, s.ExpiredAt(locked.Add(4*time.Hour), 4*time.Hour), "boundary is inclusive")
	assert.True(t, s.ExpiredAt(locked.Add(4*time.Hour+time.Second), 4*time.Hour))
	assert.False(t, s.ExpiredAt(locked.Add(1000*time.Hour), 0), "zero max age disables expiry")

	done := EditSession{Status: SessionCompleted, LockedAt: locked}
	assert.False(t, done.ExpiredAt(locked.Add(100*time.Hour), time.Hour))

	expired := EditSession{Status: SessionExpired, LockedAt: locked}
	assert.True(t, expired.ExpiredAt(locked, time.Hour))
}

func TestChangeRecord_NeedsBackup(t *testing.T) {
	assert.True(t, ChangeRecord{Type: ChangeNew}.NeedsBackup())
	assert.True(t, ChangeRecord{Type: ChangeModified}.NeedsBackup())
	assert.False(t, ChangeRecord{Type: ChangeUnchanged}.NeedsBackup())
}

func TestMarshalDetails_Canonical(t *testing.T) {
	got, err := MarshalDetails(Details{
		"old_size":    int64(10),
		"change_type": ChangeModified,
		"backup_id":   "01ABC",
		"note":        "a<b & \"c\"\n",
		"skipped":     nil,
		"tags":        []string{"x", "y"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"backup_id":"01ABC","change_type":"modified","note":"a<b & \"c\"\n","old_size":10,"tags":["x","y"]}`, got)
}

func TestMarshalDetails_NFCAndOrder(t *testing.T) {
	// "e" + combining acute normalises to U+00E9.
	got, err := MarshalDetails(Details{"name": "cafe\u0301", "\u00e9": true, "z": false})
	require.NoError(t, err)
	assert.Equal(t, "{\"name\":\"caf\u00e9\",\"z\":false,\"\u00e9\":true}", got)
}

func TestMarshalDetails_RejectsFloats(t *testing.T) {
	_, err := MarshalDetails(Details{"ratio": 0.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats")
}

func TestMarshalDetails_Empty(t *testing.T) {
	got, err := MarshalDetails(nil)
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestUnmarshalDetails_RoundTripKeepsIntegers(t *testing.T) {
	s, err := MarshalDetails(Details{"size": int64(1 << 53), "key": "sop/1.xlsx"})
	require.NoError(t, err)

	d, err := UnmarshalDetails(s)
	require.NoError(t, err)
	again, err := MarshalDetails(d)
	require.NoError(t, err)
	assert.Equal(t, s, again)

	empty, err := UnmarshalDetails("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
