package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter stores one object under key.
type BlobWriter interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) error
}

// Archiver exports execution history older than a cutoff to cold storage
// and reports how many rows it wrote.
type Archiver interface {
	ArchiveExecutions(ctx context.Context, before time.Time) (int64, error)
}
