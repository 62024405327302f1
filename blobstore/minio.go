package blobstore

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore implements Store on a MinIO (or other S3-compatible)
// deployment reached by explicit endpoint.
type MinIOStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIOStore creates a MinIOStore. Credentials come from the standard
// MinIO environment variables.
func NewMinIOStore(endpoint, bucket, prefix string) (*MinIOStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewEnvMinio(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinIOStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *MinIOStore) key(name string) string {
	return path.Join(s.prefix, name)
}

// Put uploads the blob.
func (s *MinIOStore) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), r, size, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("minio upload of %s failed: %w", name, err)
	}
	return nil
}

// Get opens the blob for reading. The object is statted up front so a
// missing blob surfaces as ErrNotFound instead of a deferred read error.
func (s *MinIOStore) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio get of %s failed: %w", name, err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("minio stat of %s failed: %w", name, err)
	}
	return obj, nil
}

// Remove deletes the blob.
func (s *MinIOStore) Remove(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("minio delete of %s failed: %w", name, err)
	}
	return nil
}
