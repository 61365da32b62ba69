package store

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
)

// metaSuffix names the sidecar file holding an object's content type.
const metaSuffix = ".meta"

// FileObjectStore keeps objects as files under a root directory. The
// filesystem is an afero.Fs: the OS in production, memory in tests.
type FileObjectStore struct {
	fs   afero.Fs
	root string
}

var _ ObjectStore = (*FileObjectStore)(nil)

// NewFileObjectStore creates the root directory if needed.
func NewFileObjectStore(fs afero.Fs, root string) (*FileObjectStore, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object root %s: %w", root, err)
	}
	return &FileObjectStore{fs: fs, root: root}, nil
}

// objectPath rejects keys that would escape the root.
func (s *FileObjectStore) objectPath(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || strings.HasSuffix(key, metaSuffix) || clean != "/"+key {
		return "", siftErrors.ValidationError("invalid object key", nil).WithDetail("key", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Get returns the bytes stored under key.
func (s *FileObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, p)
	if os.IsNotExist(err) {
		return nil, siftErrors.New(siftErrors.ErrCodeObjectNotFound, "object "+key+" not found", err).
			WithDetail("key", key)
	}
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to read object", err)
	}
	return data, nil
}

// ContentType returns the content type recorded at Put, or "".
func (s *FileObjectStore) ContentType(key string) string {
	p, err := s.objectPath(key)
	if err != nil {
		return ""
	}
	data, err := afero.ReadFile(s.fs, p+metaSuffix)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Put writes data under key, replacing any previous object.
func (s *FileObjectStore) Put(ctx context.Context, data []byte, key, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := s.objectPath(key)
	if err != nil {
		return "", err
	}
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to create object directory", err)
	}

	// Write then rename so readers never see a partial object.
	tmp := p + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return "", siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to write object", err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		_ = s.fs.Remove(tmp)
		return "", siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to commit object", err)
	}
	if contentType != "" {
		if err := afero.WriteFile(s.fs, p+metaSuffix, []byte(contentType), 0o644); err != nil {
			return "", siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to write object metadata", err)
		}
	}
	return key, nil
}

// Delete removes the object. Deleting a missing object is not an error.
func (s *FileObjectStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to delete object", err)
	}
	_ = s.fs.Remove(p + metaSuffix)
	return nil
}
