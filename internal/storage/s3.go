package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	uperrors "github.com/modelup/modelup/internal/errors"
)

// s3API is the subset of the S3 client the backend calls.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3Storage stores model objects in one S3 bucket. Transient failures are
// retried with exponential backoff; missing keys are not.
type S3Storage struct {
	client    s3API
	bucket    string
	retries   int
	baseDelay time.Duration
}

// S3Config holds connection settings for S3 or an S3-compatible store.
type S3Config struct {
	Region string
	// Endpoint overrides the AWS endpoint, e.g. for MinIO.
	Endpoint string
	// UsePathStyle addresses buckets as endpoint/bucket/key.
	UsePathStyle bool
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{Region: "us-east-1"}
}

// NewS3Storage loads AWS credentials from the environment and connects to
// bucket.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, uperrors.NewStorageError(uperrors.CodeStorageFailed, "failed to load AWS config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StorageWithClient(client, bucket), nil
}

// NewS3StorageWithClient wraps an already configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string) *S3Storage {
	return newS3Storage(client, bucket)
}

func newS3Storage(client s3API, bucket string) *S3Storage {
	return &S3Storage{
		client:    client,
		bucket:    bucket,
		retries:   3,
		baseDelay: 100 * time.Millisecond,
	}
}

// Get downloads an object.
func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.withRetry(ctx, "get", key, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var noSuchKey *types.NoSuchKey
			if errors.As(err, &noSuchKey) {
				return notFound(key)
			}
			return err
		}
		defer resp.Body.Close()
		data, err = io.ReadAll(resp.Body)
		return err
	})
	return data, err
}

// Put uploads an object, replacing any previous content.
func (s *S3Storage) Put(ctx context.Context, key string, data []byte) error {
	return s.withRetry(ctx, "put", key, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return err
	})
}

// Delete removes an object. Deleting a missing key succeeds.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, "delete", key, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

// Exists reports whether key is stored.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	found := false
	err := s.withRetry(ctx, "head", key, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		var nf *types.NotFound
		switch {
		case err == nil:
			found = true
		case errors.As(err, &nf):
			found = false
		default:
			return err
		}
		return nil
	})
	return found, err
}

// List returns every key under prefix in lexical order.
func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	var keys []string
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, failed("list", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// withRetry runs fn until it succeeds, reports a missing object, or the
// retries are exhausted. Delays double from baseDelay.
func (s *S3Storage) withRetry(ctx context.Context, op, key string, fn func() error) error {
	delay := s.baseDelay
	var err error
	for attempt := 0; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = fn(); err == nil || errors.Is(err, ErrObjectNotFound) {
			return err
		}
		if attempt == s.retries {
			return failed(op, key, err)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}
