// Package storage provides access to Asset source files. The pipeline
// never serves files itself; it reads them from wherever the
// repository keeps them, either a local directory or a NATS object
// store bucket.
package storage

import (
	"context"
	"io"
)

// FileInfo describes a stored source file
type FileInfo struct {
	FileID   string
	Size     int64
	MimeType string
}

// FileSource opens source files by file id
type FileSource interface {
	// Open returns the file's bytes. Callers own the closer.
	Open(ctx context.Context, fileID string) (io.ReadCloser, error)

	// Stat returns metadata without reading the bytes
	Stat(ctx context.Context, fileID string) (FileInfo, error)
}
