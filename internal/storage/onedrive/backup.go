package onedrive

import (
	"context"
	"net/http"

	"github.com/roach88/docmirror/internal/storage"
)

// Upload stores data under the backup folder. Slashes in filename become
// subfolders, so a primary key keeps its layout in the backup drive.
func (c *Client) Upload(ctx context.Context, data []byte, filename, contentType string) (*storage.BackupItem, error) {
	item, err := c.upload(ctx, c.folder, filename, data, contentType, "upload")
	if err != nil {
		return nil, err
	}
	return toBackupItem(item), nil
}

// Delete removes an item by id.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.itemURL(id, ""), nil, "", "delete", id, nil)
}

// GetMetadata fetches an item by id. The empty id returns the backup folder
// itself.
func (c *Client) GetMetadata(ctx context.Context, id string) (*storage.BackupItem, error) {
	target := c.itemURL(id, "")
	if id == "" {
		target = c.itemPath(c.folder, "", "")
	}
	var item driveItem
	if err := c.do(ctx, http.MethodGet, target, nil, "", "metadata", id, &item); err != nil {
		return nil, err
	}
	return toBackupItem(&item), nil
}

func toBackupItem(item *driveItem) *storage.BackupItem {
	return &storage.BackupItem{
		ID:           item.ID,
		Name:         item.Name,
		Size:         item.Size,
		LastModified: item.LastModifiedDateTime.UTC(),
	}
}
