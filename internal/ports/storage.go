package ports

import (
	"context"
	"io"
)

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	// On localfs this is the same object_key.
	// On gdrive it is the real fileId (needed to read/stream later).
	ObjectKey string
	Size      int64
}

// StorageProvider abstracts asset storage (source videos, overlay images,
// rendered results). Assets are write-once: callers never overwrite an
// existing object key.
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	DeleteObject(ctx context.Context, objectKey string) error
}
