// Package file implements the store interface over a local or mounted
// evidence share.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dfirkit/gograb/pkg/provider"
)

// Store writes evidence under a root directory.
type Store struct {
	root string
}

var _ provider.Store = (*Store)(nil)

// New creates a file store rooted at root. The root is created when
// missing.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("file store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &provider.StoreError{
			Op: "New", Store: provider.StoreFile, Bucket: root, Err: err,
		}
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put streams body to <root>/<key>, creating parent directories. The
// write goes through a temporary file so a crash never leaves a
// truncated object under the final name.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &provider.StoreError{Op: "Put", Store: provider.StoreFile, Bucket: s.root, Key: key, Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".gograb-put-*")
	if err != nil {
		return &provider.StoreError{Op: "Put", Store: provider.StoreFile, Bucket: s.root, Key: key, Err: err}
	}
	_, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())
		err := copyErr
		if err == nil {
			err = closeErr
		}
		return &provider.StoreError{Op: "Put", Store: provider.StoreFile, Bucket: s.root, Key: key, Err: err}
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return &provider.StoreError{Op: "Put", Store: provider.StoreFile, Bucket: s.root, Key: key, Err: err}
	}
	return nil
}

// Head stats an uploaded object.
func (s *Store) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fi, err := os.Stat(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &provider.StoreError{
				Op: "Head", Store: provider.StoreFile, Bucket: s.root, Key: key,
				Err: provider.ErrNotFound,
			}
		}
		if os.IsPermission(err) {
			return nil, &provider.StoreError{
				Op: "Head", Store: provider.StoreFile, Bucket: s.root, Key: key,
				Err: provider.ErrAccessDenied,
			}
		}
		return nil, &provider.StoreError{Op: "Head", Store: provider.StoreFile, Bucket: s.root, Key: key, Err: err}
	}
	return &provider.ObjectMeta{
		Key:          key,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
	}, nil
}

// Close releases nothing; the store holds no handles between calls.
func (s *Store) Close() error { return nil }
