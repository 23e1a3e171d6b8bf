package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader lists and downloads objects from blob storage.
type BlobReader interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// Archiver snapshots old transaction records to blob storage as monthly
// statements. Archival copies; it never deletes from the primary store.
type Archiver interface {
	ArchiveTransactions(ctx context.Context, before time.Time) (int64, error)
}
