package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/docmirror/internal/storage"
)

// Operation names accepted by the Fail methods.
const (
	OpList     = "list"
	OpGet      = "get"
	OpPut      = "put"
	OpCheck    = "check"
	OpUpload   = "upload"
	OpDelete   = "delete"
	OpMetadata = "metadata"
	OpDownload = "download"
)

var errMissing = errors.New("no such object")

func notFound(backend, op, key string) error {
	return storage.NewRemoteError(backend, op, key, 404, errMissing)
}

type memObject struct {
	data     []byte
	modified time.Time
}

// MemoryPrimary is an in-memory storage.Primary with failure injection.
type MemoryPrimary struct {
	Now func() time.Time

	mu      sync.Mutex
	objects map[string]memObject
	gets    map[string]int
	puts    int
	faults  faults
}

var (
	_ storage.Primary = (*MemoryPrimary)(nil)
	_ storage.Checker = (*MemoryPrimary)(nil)
)

// NewMemoryPrimary creates an empty primary store whose Put timestamps come from now.
func NewMemoryPrimary(now func() time.Time) *MemoryPrimary {
	if now == nil {
		now = time.Now
	}
	return &MemoryPrimary{Now: now, objects: map[string]memObject{}, gets: map[string]int{}}
}

// SetObject stores data under key with an explicit modification time.
func (p *MemoryPrimary) SetObject(key string, data []byte, modified time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[key] = memObject{data: append([]byte(nil), data...), modified: modified.UTC()}
}

// Fail makes every op on key return err. Use key "" for List and Check.
func (p *MemoryPrimary) Fail(op, key string, err error) { p.faults.set(op, key, err, -1) }

// FailTimes makes the next n calls of op on key return err.
func (p *MemoryPrimary) FailTimes(op, key string, err error, n int) { p.faults.set(op, key, err, n) }

// Heal removes an injected failure.
func (p *MemoryPrimary) Heal(op, key string) { p.faults.clear(op, key) }

// GetCount returns how many times Get was called for key.
func (p *MemoryPrimary) GetCount(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gets[key]
}

// TotalGets returns the number of Get calls across all keys.
func (p *MemoryPrimary) TotalGets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.gets {
		n += c
	}
	return n
}

// PutCount returns the number of successful Put calls.
func (p *MemoryPrimary) PutCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.puts
}

// Content returns a copy of the bytes stored under key.
func (p *MemoryPrimary) Content(key string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.data...), true
}

func (p *MemoryPrimary) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	if err := p.faults.take(OpList, ""); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]storage.ObjectInfo, 0, len(p.objects))
	for k, o := range p.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		out = append(out, storage.ObjectInfo{Key: k, Size: int64(len(o.data)), LastModified: o.modified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (p *MemoryPrimary) Get(ctx context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	p.gets[key]++
	p.mu.Unlock()
	if err := p.faults.take(OpGet, key); err != nil {
		return nil, err
	}
	data, ok := p.Content(key)
	if !ok {
		return nil, notFound("memory", OpGet, key)
	}
	return data, nil
}

func (p *MemoryPrimary) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := p.faults.take(OpPut, key); err != nil {
		return err
	}
	now := p.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[key] = memObject{data: append([]byte(nil), data...), modified: now.UTC()}
	p.puts++
	return nil
}

func (p *MemoryPrimary) Check(ctx context.Context) error {
	return p.faults.take(OpCheck, "")
}

type backupEntry struct {
	item storage.BackupItem
	data []byte
}

// MemoryBackup is an in-memory storage.Backup with failure injection.
// Upload ids are sequential: B0001, B0002, ...
type MemoryBackup struct {
	Now func() time.Time

	mu        sync.Mutex
	items     map[string]backupEntry
	order     []string
	nextID    int
	refreshes int
	faults    faults
}

var (
	_ storage.Backup    = (*MemoryBackup)(nil)
	_ storage.Refresher = (*MemoryBackup)(nil)
)

// NewMemoryBackup creates an empty backup store.
func NewMemoryBackup(now func() time.Time) *MemoryBackup {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackup{Now: now, items: map[string]backupEntry{}}
}

// Fail makes every op on subject return err. Upload faults are keyed by
// filename; use "" for GetMetadata on the root.
func (b *MemoryBackup) Fail(op, subject string, err error) { b.faults.set(op, subject, err, -1) }

// FailTimes makes the next n calls of op on subject return err.
func (b *MemoryBackup) FailTimes(op, subject string, err error, n int) {
	b.faults.set(op, subject, err, n)
}

// Heal removes an injected failure.
func (b *MemoryBackup) Heal(op, subject string) { b.faults.clear(op, subject) }

// Uploads returns the uploaded items in upload order.
func (b *MemoryBackup) Uploads() []storage.BackupItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]storage.BackupItem, 0, len(b.order))
	for _, id := range b.order {
		if e, ok := b.items[id]; ok {
			out = append(out, e.item)
		}
	}
	return out
}

// Data returns the bytes of the item with id.
func (b *MemoryBackup) Data(id string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.items[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.data...), true
}

// Refreshes returns how many times RefreshCredentials was called.
func (b *MemoryBackup) Refreshes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshes
}

func (b *MemoryBackup) Upload(ctx context.Context, data []byte, filename, contentType string) (*storage.BackupItem, error) {
	if err := b.faults.take(OpUpload, filename); err != nil {
		return nil, err
	}
	now := b.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	item := storage.BackupItem{
		ID:           fmt.Sprintf("B%04d", b.nextID),
		Name:         filename,
		Size:         int64(len(data)),
		LastModified: now.UTC(),
	}
	b.items[item.ID] = backupEntry{item: item, data: append([]byte(nil), data...)}
	b.order = append(b.order, item.ID)
	return &item, nil
}

func (b *MemoryBackup) Delete(ctx context.Context, id string) error {
	if err := b.faults.take(OpDelete, id); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[id]; !ok {
		return notFound("memory-backup", OpDelete, id)
	}
	delete(b.items, id)
	return nil
}

func (b *MemoryBackup) GetMetadata(ctx context.Context, id string) (*storage.BackupItem, error) {
	if err := b.faults.take(OpMetadata, id); err != nil {
		return nil, err
	}
	if id == "" {
		return &storage.BackupItem{ID: "root", Name: "backup"}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.items[id]
	if !ok {
		return nil, notFound("memory-backup", OpMetadata, id)
	}
	item := e.item
	return &item, nil
}

func (b *MemoryBackup) RefreshCredentials(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshes++
	return nil
}

type editEntry struct {
	item storage.RemoteItem
	data []byte
}

// MemoryEditFolder is an in-memory storage.EditFolder with failure injection.
// Item ids are sequential: E0001, E0002, ...
type MemoryEditFolder struct {
	Now func() time.Time

	mu     sync.Mutex
	items  map[string]editEntry
	nextID int
	faults faults
}

var _ storage.EditFolder = (*MemoryEditFolder)(nil)

// NewMemoryEditFolder creates an empty edit folder.
func NewMemoryEditFolder(now func() time.Time) *MemoryEditFolder {
	if now == nil {
		now = time.Now
	}
	return &MemoryEditFolder{Now: now, items: map[string]editEntry{}}
}

// Fail makes every op on subject return err. Subjects are item ids, except
// Upload which is keyed by filename and List which uses "".
func (f *MemoryEditFolder) Fail(op, subject string, err error) { f.faults.set(op, subject, err, -1) }

// FailTimes makes the next n calls of op on subject return err.
func (f *MemoryEditFolder) FailTimes(op, subject string, err error, n int) {
	f.faults.set(op, subject, err, n)
}

// Heal removes an injected failure.
func (f *MemoryEditFolder) Heal(op, subject string) { f.faults.clear(op, subject) }

// Replace overwrites the content of item id, as a desktop edit would.
func (f *MemoryEditFolder) Replace(id string, data []byte) error {
	now := f.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.items[id]
	if !ok {
		return notFound("memory-edit", "replace", id)
	}
	e.data = append([]byte(nil), data...)
	e.item.Size = int64(len(data))
	e.item.LastModified = now.UTC()
	f.items[id] = e
	return nil
}

// Add places an item directly into the folder, bypassing Upload faults.
func (f *MemoryEditFolder) Add(name, description string, data []byte) storage.RemoteItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(name, description, data, f.Now())
}

func (f *MemoryEditFolder) addLocked(name, description string, data []byte, now time.Time) storage.RemoteItem {
	f.nextID++
	item := storage.RemoteItem{
		ID:           fmt.Sprintf("E%04d", f.nextID),
		Name:         name,
		LastModified: now.UTC(),
		Description:  description,
		Size:         int64(len(data)),
	}
	f.items[item.ID] = editEntry{item: item, data: append([]byte(nil), data...)}
	return item
}

// Len returns the number of items in the folder.
func (f *MemoryEditFolder) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *MemoryEditFolder) List(ctx context.Context) ([]storage.RemoteItem, error) {
	if err := f.faults.take(OpList, ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.RemoteItem, 0, len(f.items))
	for _, e := range f.items {
		out = append(out, e.item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *MemoryEditFolder) Download(ctx context.Context, id string) ([]byte, error) {
	if err := f.faults.take(OpDownload, id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.items[id]
	if !ok {
		return nil, notFound("memory-edit", OpDownload, id)
	}
	return append([]byte(nil), e.data...), nil
}

func (f *MemoryEditFolder) Delete(ctx context.Context, id string) error {
	if err := f.faults.take(OpDelete, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[id]; !ok {
		return notFound("memory-edit", OpDelete, id)
	}
	delete(f.items, id)
	return nil
}

func (f *MemoryEditFolder) Upload(ctx context.Context, data []byte, filename, description string) (*storage.RemoteItem, error) {
	if err := f.faults.take(OpUpload, filename); err != nil {
		return nil, err
	}
	now := f.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	item := f.addLocked(filename, description, data, now)
	return &item, nil
}
