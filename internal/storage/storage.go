// Package storage defines the boundary to the remote stores docmirror works
// against: the primary object store, the backup drive, and the drive folder
// used for desktop editing.
//
// Adapters live in subpackages. Each adapter instance owns its own client and
// credential state; nothing here is process-global.
package storage

import (
	"context"
	"time"
)

// ObjectInfo describes one object in the primary store listing.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// BackupItem describes a file held by the backup store.
type BackupItem struct {
	ID           string
	Name         string
	Size         int64
	LastModified time.Time
}

// RemoteItem describes a file in the remote edit folder.
// Description carries opaque newline-delimited key=value metadata.
type RemoteItem struct {
	ID           string
	Name         string
	LastModified time.Time
	Description  string
	Size         int64
}

// Primary is the authoritative object store.
type Primary interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Backup is the one-way destination for copies of primary objects.
type Backup interface {
	Upload(ctx context.Context, data []byte, filename, contentType string) (*BackupItem, error)
	Delete(ctx context.Context, id string) error
	// GetMetadata returns the item with the given id. An empty id addresses
	// the backup root folder and doubles as a connectivity check.
	GetMetadata(ctx context.Context, id string) (*BackupItem, error)
}

// EditFolder is the drive folder documents are checked out to for editing.
type EditFolder interface {
	List(ctx context.Context) ([]RemoteItem, error)
	Download(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
	Upload(ctx context.Context, data []byte, filename, description string) (*RemoteItem, error)
}

// Checker is implemented by adapters that can probe their backend cheaply.
type Checker interface {
	Check(ctx context.Context) error
}

// Refresher is implemented by adapters whose credentials can expire.
// RefreshCredentials drops cached tokens so the next call obtains new ones.
type Refresher interface {
	RefreshCredentials(ctx context.Context) error
}
