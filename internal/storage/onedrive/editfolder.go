package onedrive

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/roach88/docmirror/internal/storage"
)

const listSelect = "id,name,size,lastModifiedDateTime,description,folder"

// EditFolder is the checkout folder of a Client's drive. It shares the
// client's token state.
type EditFolder struct {
	c *Client
}

var (
	_ storage.EditFolder = (*EditFolder)(nil)
	_ storage.Checker    = (*EditFolder)(nil)
	_ storage.Refresher  = (*EditFolder)(nil)
)

// EditFolder returns the edit folder view, or nil when no edit folder is
// configured.
func (c *Client) EditFolder() *EditFolder {
	if c.edit == "" {
		return nil
	}
	return &EditFolder{c: c}
}

// List returns the files in the edit folder, following @odata.nextLink.
// Subfolders are skipped.
func (f *EditFolder) List(ctx context.Context) ([]storage.RemoteItem, error) {
	next := f.c.itemPath(f.c.edit, "", "/children") + "?$select=" + url.QueryEscape(listSelect)
	var out []storage.RemoteItem
	for next != "" {
		var page struct {
			Value    []driveItem `json:"value"`
			NextLink string      `json:"@odata.nextLink"`
		}
		if err := f.c.do(ctx, http.MethodGet, next, nil, "", "list", f.c.edit, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Value {
			if item.Folder != nil {
				continue
			}
			out = append(out, toRemoteItem(&item))
		}
		next = page.NextLink
	}
	return out, nil
}

// Download reads the content of an item.
func (f *EditFolder) Download(ctx context.Context, id string) ([]byte, error) {
	var buf bytes.Buffer
	if err := f.c.do(ctx, http.MethodGet, f.c.itemURL(id, "/content"), nil, "", "download", id, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Delete removes an item by id.
func (f *EditFolder) Delete(ctx context.Context, id string) error {
	return f.c.do(ctx, http.MethodDelete, f.c.itemURL(id, ""), nil, "", "delete", id, nil)
}

// Upload places data in the edit folder and sets its description.
func (f *EditFolder) Upload(ctx context.Context, data []byte, filename, description string) (*storage.RemoteItem, error) {
	item, err := f.c.upload(ctx, f.c.edit, filename, data, "", "upload")
	if err != nil {
		return nil, err
	}
	if description != "" {
		body, err := jsonBody(map[string]string{"description": description})
		if err != nil {
			return nil, err
		}
		var patched driveItem
		if err := f.c.do(ctx, http.MethodPatch, f.c.itemURL(item.ID, ""), body, "application/json", "describe", item.ID, &patched); err != nil {
			return nil, err
		}
		if patched.ID != "" {
			item = &patched
		}
		if item.Description == "" {
			item.Description = description
		}
	}
	ri := toRemoteItem(item)
	return &ri, nil
}

// Check fetches the edit folder.
func (f *EditFolder) Check(ctx context.Context) error {
	return f.c.do(ctx, http.MethodGet, f.c.itemPath(f.c.edit, "", ""), nil, "", "check", f.c.edit, nil)
}

// RefreshCredentials refreshes the shared token state.
func (f *EditFolder) RefreshCredentials(ctx context.Context) error {
	return f.c.RefreshCredentials(ctx)
}

func toRemoteItem(item *driveItem) storage.RemoteItem {
	return storage.RemoteItem{
		ID:           item.ID,
		Name:         item.Name,
		LastModified: item.LastModifiedDateTime.UTC(),
		Description:  strings.TrimSpace(item.Description),
		Size:         item.Size,
	}
}
