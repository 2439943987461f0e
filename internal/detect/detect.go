// Package detect classifies primary-store objects against their sync records.
//
// Detection is a cheap heuristic: an object counts as modified when its
// listed size or modification time differs from what was recorded at the last
// successful backup. Content is hashed only when a file is actually backed up.
package detect

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roach88/docmirror/internal/model"
	"github.com/roach88/docmirror/internal/retry"
	"github.com/roach88/docmirror/internal/storage"
)

// RecordSource loads persisted sync records. *store.Store implements it.
type RecordSource interface {
	ListSyncRecords(ctx context.Context) ([]model.SyncRecord, error)
}

// Detector compares live primary listings with sync records. It never writes.
type Detector struct {
	primary storage.Primary
	records RecordSource
	retry   *retry.Executor
	prefix  string
}

// New creates a Detector over objects under prefix.
func New(primary storage.Primary, records RecordSource, exec *retry.Executor, prefix string) *Detector {
	if exec == nil {
		exec = retry.New()
	}
	return &Detector{primary: primary, records: records, retry: exec, prefix: prefix}
}

// DetectChanges returns one ChangeRecord per listed object, sorted by key.
func (d *Detector) DetectChanges(ctx context.Context) ([]model.ChangeRecord, error) {
	if d.primary == nil {
		return nil, fmt.Errorf("detect changes: primary store: %w", storage.ErrNotConfigured)
	}

	objects, err := retry.Value(ctx, d.retry, "primary.list", func(ctx context.Context) ([]storage.ObjectInfo, error) {
		return d.primary.List(ctx, d.prefix)
	}, retry.WithRefresher(retry.RefresherOf(d.primary)))
	if err != nil {
		return nil, fmt.Errorf("detect changes: list primary: %w", err)
	}

	records, err := d.records.ListSyncRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("detect changes: load sync records: %w", err)
	}
	byKey := make(map[string]*model.SyncRecord, len(records))
	for i := range records {
		byKey[records[i].PrimaryKey] = &records[i]
	}

	seen := make(map[string]bool, len(objects))
	changes := make([]model.ChangeRecord, 0, len(objects))
	for _, obj := range objects {
		if isFolderMarker(obj) || seen[obj.Key] {
			continue
		}
		seen[obj.Key] = true
		changes = append(changes, Classify(obj, byKey[obj.Key]))
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes, nil
}

// Classify compares one listed object with its record, which may be nil.
func Classify(obj storage.ObjectInfo, rec *model.SyncRecord) model.ChangeRecord {
	c := model.ChangeRecord{
		Key:          obj.Key,
		Filename:     path.Base(obj.Key),
		Size:         obj.Size,
		LastModified: obj.LastModified.UTC(),
	}

	if rec == nil {
		c.Type = model.ChangeNew
		c.Reason = "no sync record"
		return c
	}

	prevSize := rec.Size
	c.PreviousSize = &prevSize
	if !rec.LastSyncedAt.IsZero() {
		prevMod := rec.LastSyncedAt.UTC()
		c.PreviousLastModified = &prevMod
	}

	if !rec.HasBackup() {
		c.Type = model.ChangeNew
		c.Reason = fmt.Sprintf("never backed up (status %s)", rec.Status)
		return c
	}

	var reasons []string
	if obj.Size != rec.Size {
		reasons = append(reasons, fmt.Sprintf("size changed from %s to %s",
			humanize.Bytes(uint64(max(rec.Size, 0))), humanize.Bytes(uint64(max(obj.Size, 0)))))
	}
	if !sameSecond(obj.LastModified, rec.LastSyncedAt) {
		reasons = append(reasons, fmt.Sprintf("modified time changed from %s to %s",
			formatStamp(rec.LastSyncedAt), formatStamp(obj.LastModified)))
	}

	if len(reasons) == 0 {
		c.Type = model.ChangeUnchanged
		c.Reason = "size and modified time match last backup"
		return c
	}
	c.Type = model.ChangeModified
	c.Reason = strings.Join(reasons, "; ")
	return c
}

// sameSecond compares at one-second UTC granularity. Listings from some
// backends carry sub-second precision while others truncate.
func sameSecond(a, b time.Time) bool {
	return a.UTC().Truncate(time.Second).Equal(b.UTC().Truncate(time.Second))
}

func formatStamp(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func isFolderMarker(obj storage.ObjectInfo) bool {
	return obj.Size == 0 && strings.HasSuffix(obj.Key, "/")
}
