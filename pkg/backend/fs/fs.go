// Package fs implements backend.Backend over a local directory, grounded on
// the teacher's filesystem block store (atomic write-then-rename, path
// sanitization via filepath.Join + FromSlash).
package fs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blockvault/blockvault/pkg/backend"
)

// Backend stores objects as files under BasePath.
type Backend struct {
	mu       sync.RWMutex
	basePath string
}

// New creates the base directory if needed and returns a ready Backend.
func New(basePath string) (*Backend, error) {
	if basePath == "" {
		return nil, errors.New("fs: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("fs: base path is not a directory")
	}
	return &Backend{basePath: basePath}, nil
}

func (b *Backend) path(name string) string {
	return filepath.Join(b.basePath, filepath.FromSlash(name))
}

func (b *Backend) List(ctx context.Context, prefix string) ([]backend.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var entries []backend.Entry
	err := filepath.WalkDir(b.basePath, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.basePath, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, backend.Entry{Name: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (b *Backend) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	f, err := os.Open(b.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, backend.ErrNotFound
	}
	return f, err
}

func (b *Backend) Put(ctx context.Context, name string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

func (b *Backend) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	err := os.Remove(b.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (b *Backend) Rename(ctx context.Context, oldName, newName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	newPath := b.path(newName)
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return err
	}
	err := os.Rename(b.path(oldName), newPath)
	if errors.Is(err, os.ErrNotExist) {
		return backend.ErrNotFound
	}
	return err
}

var _ backend.Backend = (*Backend)(nil)
