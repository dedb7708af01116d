// Package storage provides object storage for model files: a local
// filesystem backend for development and tests and an S3 backend.
package storage

import (
	"context"
	"fmt"

	"github.com/modelup/modelup/internal/config"
	uperrors "github.com/modelup/modelup/internal/errors"
)

// Sentinel values usable as errors.Is targets.
var (
	ErrObjectNotFound = uperrors.New(uperrors.ErrCategoryStorage, uperrors.CodeObjectNotFound, "object not found")
	ErrStorageFailed  = uperrors.New(uperrors.ErrCategoryStorage, uperrors.CodeStorageFailed, "storage operation failed")
)

// ObjectStorage abstracts object storage operations on whole objects.
type ObjectStorage interface {
	// Get returns the content of key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

func notFound(key string) error {
	return uperrors.NewStorageError(uperrors.CodeObjectNotFound, fmt.Sprintf("object %s not found", key), nil)
}

func failed(op, key string, cause error) error {
	return uperrors.NewStorageError(uperrors.CodeStorageFailed, fmt.Sprintf("%s %s failed", op, key), cause)
}

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg config.StorageConfig) (ObjectStorage, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalStorage(cfg.Path)
	case "s3":
		s3cfg := DefaultS3Config()
		if cfg.S3.Region != "" {
			s3cfg.Region = cfg.S3.Region
		}
		s3cfg.Endpoint = cfg.S3.Endpoint
		s3cfg.UsePathStyle = cfg.S3.Endpoint != ""
		return NewS3Storage(ctx, cfg.S3.Bucket, s3cfg)
	default:
		return nil, uperrors.NewConfigError(fmt.Sprintf("invalid storage type: %s", cfg.Type), nil)
	}
}
