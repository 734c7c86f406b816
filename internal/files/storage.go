package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrInvalidPath is returned for paths escaping the storage root.
var ErrInvalidPath = errors.New("invalid storage path")

// Storage persists uploaded file contents.
type Storage interface {
	// Upload writes r to dir/name and returns the number of bytes written.
	Upload(ctx context.Context, r io.Reader, dir, name string) (int64, error)
	// Open opens a stored file for reading.
	Open(dir, name string) (io.ReadCloser, error)
	// Remove deletes a stored file. Missing files are not an error.
	Remove(dir, name string) error
}

// LocalStorage stores files under a root directory on local disk.
type LocalStorage struct {
	root   string
	logger *slog.Logger
}

var _ Storage = (*LocalStorage)(nil)

// NewLocalStorage creates the root directory if needed.
func NewLocalStorage(root string, logger *slog.Logger) (*LocalStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStorage{root: root, logger: logger}, nil
}

func (s *LocalStorage) resolve(dir, name string) (string, error) {
	rel := filepath.Join(dir, name)
	if name == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return filepath.Join(s.root, rel), nil
}

// Upload writes to a temporary file and renames it into place, so a failed
// upload never leaves a partial file behind.
func (s *LocalStorage) Upload(ctx context.Context, r io.Reader, dir, name string) (int64, error) {
	dst, err := s.resolve(dir, name)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, fmt.Errorf("create file dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if removeErr := os.Remove(tmpName); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			s.logger.Warn("failed to remove temp upload", "path", tmpName, "error", removeErr)
		}
	}()

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("write upload: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return 0, fmt.Errorf("store upload: %w", err)
	}

	s.logger.Debug("Stored upload", "path", dst, "bytes", n)
	return n, nil
}

// Open opens a stored file.
func (s *LocalStorage) Open(dir, name string) (io.ReadCloser, error) {
	path, err := s.resolve(dir, name)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Remove deletes a stored file.
func (s *LocalStorage) Remove(dir, name string) error {
	path, err := s.resolve(dir, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
