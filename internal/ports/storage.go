package ports

import (
	"context"
	"io"
)

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	// Size is -1 when unknown.
	Size int64
}

type PutObjectOutput struct {
	// localfs: the object key. gdrive: the Drive fileId. s3: the object key.
	ObjectKey string
	Size      int64
	// URL is the stable address recorded as a job's primary output.
	URL string
}

// StorageProvider: localfs, gdrive, s3.
// PutObject on an existing key overwrites it.
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	DeleteObject(ctx context.Context, objectKey string) error
}
