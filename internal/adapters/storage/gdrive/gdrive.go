package gdrive

import (
	"context"
	"fmt"
	"io"
	"strings"

	"mediarender/internal/ports"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

// Client implements ports.StorageProvider backed by Google Drive.
// The object key is used as the Drive file name inside folderID; a second
// upload under the same key replaces the existing file's content.
// Get/Delete accept either the Drive fileId or the object key.
type Client struct {
	srv      *drive.Service
	folderID string
}

func NewClient(srv *drive.Service, folderID string) *Client {
	return &Client{srv: srv, folderID: folderID}
}

func (c *Client) Provider() string { return "gdrive" }

const fileFields = "id, name, size, webContentLink"

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("object_key is required")
	}

	existing, err := c.findByName(ctx, in.ObjectKey)
	if err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("gdrive lookup failed: %w", err)
	}

	var media []googleapi.MediaOption
	if in.ContentType != "" {
		media = append(media, googleapi.ContentType(in.ContentType))
	}

	var f *drive.File
	if existing != nil {
		f, err = c.srv.Files.Update(existing.Id, &drive.File{}).
			Media(in.Reader, media...).
			SupportsAllDrives(true).
			Fields(fileFields).
			Context(ctx).
			Do()
	} else {
		file := &drive.File{Name: in.ObjectKey, MimeType: in.ContentType}
		if c.folderID != "" {
			file.Parents = []string{c.folderID}
		}
		f, err = c.srv.Files.Create(file).
			Media(in.Reader, media...).
			SupportsAllDrives(true).
			Fields(fileFields).
			Context(ctx).
			Do()
	}
	if err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("gdrive upload failed: %w", err)
	}

	size := f.Size
	if size == 0 {
		size = in.Size
	}
	return ports.PutObjectOutput{ObjectKey: f.Id, Size: size, URL: fileURL(f)}, nil
}

func fileURL(f *drive.File) string {
	if f.WebContentLink != "" {
		return f.WebContentLink
	}
	return "https://drive.google.com/uc?id=" + f.Id + "&export=download"
}

// findByName returns the non-trashed file called name in the folder, or nil.
func (c *Client) findByName(ctx context.Context, name string) (*drive.File, error) {
	list, err := c.srv.Files.List().
		Q(nameQuery(name, c.folderID)).
		Fields("files(" + fileFields + ")").
		PageSize(1).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	if len(list.Files) == 0 {
		return nil, nil
	}
	return list.Files[0], nil
}

func nameQuery(name, folderID string) string {
	q := fmt.Sprintf("name = '%s' and trashed = false", escapeQuery(name))
	if folderID != "" {
		q += fmt.Sprintf(" and '%s' in parents", escapeQuery(folderID))
	}
	return q
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func (c *Client) resolveID(ctx context.Context, objectKey string) (string, error) {
	if !strings.Contains(objectKey, "/") {
		return objectKey, nil
	}
	f, err := c.findByName(ctx, objectKey)
	if err != nil {
		return "", err
	}
	if f == nil {
		return "", fmt.Errorf("gdrive object not found: %s", objectKey)
	}
	return f.Id, nil
}

func (c *Client) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	id, err := c.resolveID(ctx, objectKey)
	if err != nil {
		return nil, "", 0, err
	}
	resp, err := c.srv.Files.Get(id).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		return nil, "", 0, err
	}

	contentType = resp.Header.Get("Content-Type")
	size = resp.ContentLength
	return resp.Body, contentType, size, nil
}

func (c *Client) DeleteObject(ctx context.Context, objectKey string) error {
	id, err := c.resolveID(ctx, objectKey)
	if err != nil {
		return err
	}
	return c.srv.Files.Delete(id).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
}
