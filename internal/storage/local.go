package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	uperrors "github.com/modelup/modelup/internal/errors"
)

// LocalStorage implements ObjectStorage using the local filesystem.
// Keys are slash-separated paths below basePath.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local filesystem storage.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, uperrors.NewStorageError(uperrors.CodeStorageFailed, "failed to create base directory", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Get reads an object from local storage.
func (l *LocalStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(key)
		}
		return nil, failed("get", key, err)
	}
	return data, nil
}

// Put writes an object to local storage. The content is written to a
// temporary file first and renamed into place.
func (l *LocalStorage) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	destPath := l.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return failed("put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".put-*")
	if err != nil {
		return failed("put", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return failed("put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return failed("put", key, err)
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		return failed("put", key, err)
	}
	return nil
}

// Delete removes an object from local storage.
func (l *LocalStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(l.fullPath(key)); err != nil && !os.IsNotExist(err) {
		return failed("delete", key, err)
	}
	return nil
}

// Exists checks if an object exists in local storage.
func (l *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(l.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, failed("stat", key, err)
	}
	return !info.IsDir(), nil
}

// List returns all keys under prefix. The prefix is matched against the
// full key, not only directory names.
func (l *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := filepath.Walk(l.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, failed("list", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// fullPath returns the full filesystem path for a key.
func (l *LocalStorage) fullPath(key string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(key))
}
