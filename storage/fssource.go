package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/esmero/strawberry-runners-sub000/errors"
)

// FSSource reads source files from a local directory tree. File ids
// map to paths relative to the root; path escapes are rejected.
type FSSource struct {
	root string
}

// NewFSSource creates a file source rooted at dir
func NewFSSource(dir string) (*FSSource, error) {
	if dir == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "FSSource", "NewFSSource", "root validation")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.WrapFatal(err, "FSSource", "NewFSSource", "root directory check")
	}
	if !info.IsDir() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%q is not a directory", dir),
			"FSSource", "NewFSSource", "root directory check")
	}
	return &FSSource{root: dir}, nil
}

func (s *FSSource) resolve(fileID string) (string, error) {
	if fileID == "" {
		return "", errors.WrapInvalid(errors.ErrMissingFileID, "FSSource", "resolve", "file id validation")
	}
	clean := filepath.Clean(fileID)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", errors.WrapInvalid(
			fmt.Errorf("file id %q escapes the storage root", fileID),
			"FSSource", "resolve", "path validation")
	}
	return filepath.Join(s.root, clean), nil
}

// Open implements FileSource
func (s *FSSource) Open(_ context.Context, fileID string) (io.ReadCloser, error) {
	path, err := s.resolve(fileID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("file %q: %w", fileID, errors.ErrFileNotFound),
				"FSSource", "Open", "file lookup")
		}
		return nil, errors.WrapTransient(err, "FSSource", "Open", "file open")
	}
	return f, nil
}

// Stat implements FileSource
func (s *FSSource) Stat(_ context.Context, fileID string) (FileInfo, error) {
	path, err := s.resolve(fileID)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, errors.WrapInvalid(
				fmt.Errorf("file %q: %w", fileID, errors.ErrFileNotFound),
				"FSSource", "Stat", "file lookup")
		}
		return FileInfo{}, errors.WrapTransient(err, "FSSource", "Stat", "file stat")
	}
	return FileInfo{
		FileID:   fileID,
		Size:     info.Size(),
		MimeType: mime.TypeByExtension(filepath.Ext(path)),
	}, nil
}
