// Package fsstore implements store.Storage on the local filesystem.
// Each cache key maps to one file under a configured root directory;
// writes go through a temp-file-then-rename sequence so concurrent
// readers never observe partial content, grounded on the teacher's
// pkg/storage/dumper.go atomic-dump-write idiom.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/mirror-cache/mirror-cache/pkg/store"
)

// FS is a filesystem-backed Storage rooted at a single directory.
type FS struct {
	root string
}

// New returns a Storage rooted at root, creating the directory if
// necessary.
func New(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fsstore: mkdir %s: %w", root, err)
	}
	return &FS{root: root}, nil
}

// pathFor maps a cache key to a filesystem path via URL-safe escaping
// of path separators, so keys containing "/" never traverse into
// subdirectories of root.
func (f *FS) pathFor(key string) string {
	return filepath.Join(f.root, url.PathEscape(key))
}

// Put implements store.Storage. The write is atomic: bytes are written
// to a temp file in root, fsynced, then renamed into place — readers
// opening the final path either see the complete old file or the
// complete new one, never a partial write.
func (f *FS) Put(_ context.Context, key string, data []byte) (int64, error) {
	final := f.pathFor(key)
	tmp, err := os.CreateTemp(f.root, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("%w: create temp: %v", store.ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	n, err := tmp.Write(data)
	if err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("%w: write: %v", store.ErrUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("%w: sync: %v", store.ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("%w: close: %v", store.ErrUnavailable, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return 0, fmt.Errorf("%w: rename: %v", store.ErrUnavailable, err)
	}
	return int64(n), nil
}

// Get implements store.Storage.
func (f *FS) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(f.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return data, true, nil
}

// Del implements store.Storage. Idempotent.
func (f *FS) Del(_ context.Context, key string) error {
	err := os.Remove(f.pathFor(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Exists implements store.Storage.
func (f *FS) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(f.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return true, nil
}

// Len implements store.Storage.
func (f *FS) Len(_ context.Context, key string) (int64, bool, error) {
	info, err := os.Stat(f.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return info.Size(), true, nil
}

// Reconcile implements the §4.2/§9 startup repair pass: it deletes
// files under root that are not referenced by isReferenced (and any
// leftover ".tmp-" write files), and returns the cache keys of the
// unreferenced files it deleted. The opposite-direction orphan
// (metadata without a blob) is not handled here.
func (f *FS) Reconcile(isReferenced func(key string) bool) (deleted []string, err error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("fsstore: reconcile: readdir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) >= 5 && name[:5] == ".tmp-" {
			_ = os.Remove(filepath.Join(f.root, name))
			continue
		}
		key, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		if !isReferenced(key) {
			if err := os.Remove(filepath.Join(f.root, name)); err == nil {
				deleted = append(deleted, key)
			}
		}
	}
	return deleted, nil
}

var _ store.Storage = (*FS)(nil)
