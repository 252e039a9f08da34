package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/esmero/strawberry-runners-sub000/errors"
)

// ObjectSource reads source files from a NATS object store bucket,
// one object per file id.
type ObjectSource struct {
	store  jetstream.ObjectStore
	logger *slog.Logger
}

// NewObjectSource creates (or binds to) the named object store bucket
func NewObjectSource(ctx context.Context, js jetstream.JetStream, bucket string, logger *slog.Logger) (*ObjectSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "Asset source files",
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "ObjectSource", "NewObjectSource", "bucket binding")
	}
	return &ObjectSource{store: store, logger: logger}, nil
}

// Open implements FileSource
func (s *ObjectSource) Open(ctx context.Context, fileID string) (io.ReadCloser, error) {
	if fileID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingFileID, "ObjectSource", "Open", "file id validation")
	}
	res, err := s.store.Get(ctx, fileID)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("file %q: %w", fileID, errors.ErrFileNotFound),
				"ObjectSource", "Open", "object lookup")
		}
		return nil, errors.WrapTransient(err, "ObjectSource", "Open", "object read")
	}
	return res, nil
}

// Stat implements FileSource
func (s *ObjectSource) Stat(ctx context.Context, fileID string) (FileInfo, error) {
	if fileID == "" {
		return FileInfo{}, errors.WrapInvalid(errors.ErrMissingFileID, "ObjectSource", "Stat", "file id validation")
	}
	info, err := s.store.GetInfo(ctx, fileID)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrObjectNotFound) {
			return FileInfo{}, errors.WrapInvalid(
				fmt.Errorf("file %q: %w", fileID, errors.ErrFileNotFound),
				"ObjectSource", "Stat", "object lookup")
		}
		return FileInfo{}, errors.WrapTransient(err, "ObjectSource", "Stat", "object info read")
	}

	fi := FileInfo{FileID: fileID, Size: int64(info.Size)}
	if info.Headers != nil {
		fi.MimeType = info.Headers.Get("Content-Type")
	}
	return fi, nil
}

// Put uploads a file, used when attaching derived files back onto an
// Asset and by ingest tooling.
func (s *ObjectSource) Put(ctx context.Context, fileID, mimeType string, r io.Reader) error {
	if fileID == "" {
		return errors.WrapInvalid(errors.ErrMissingFileID, "ObjectSource", "Put", "file id validation")
	}
	meta := jetstream.ObjectMeta{Name: fileID}
	if mimeType != "" {
		meta.Headers = map[string][]string{"Content-Type": {mimeType}}
	}
	if _, err := s.store.Put(ctx, meta, r); err != nil {
		return errors.WrapTransient(err, "ObjectSource", "Put", "object write")
	}
	return nil
}
