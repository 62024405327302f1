// Package blobstore provides the optional mirror used to keep index
// files in object storage: local directory, Amazon S3, or a MinIO
// deployment. The persistence layer always works against the local index
// directory; the mirror receives whole files after a save and supplies
// them on load when the local copy is missing.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return an error satisfying errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// Store is an abstraction for reading and writing immutable blobs.
type Store interface {
	// Put stores the blob under name, replacing any existing one.
	Put(ctx context.Context, name string, r io.Reader, size int64) error

	// Get opens the named blob for reading.
	Get(ctx context.Context, name string) (io.ReadCloser, error)

	// Remove deletes the named blob. Removing a missing blob is not an
	// error.
	Remove(ctx context.Context, name string) error
}

// Open creates a store from a URL:
//
//	s3://bucket/prefix          Amazon S3 (ambient AWS credentials)
//	minio://host:port/bucket/p  MinIO (credentials from the environment)
//	/path or file://path        local directory
func Open(ctx context.Context, rawURL string) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid blobstore URL %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "s3":
		return NewS3Store(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "minio":
		bucket, prefix, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		if !ok {
			prefix = ""
		}
		if bucket == "" {
			return nil, fmt.Errorf("minio URL %q is missing a bucket", rawURL)
		}
		return NewMinIOStore(u.Host, bucket, prefix)
	case "", "file":
		return NewLocalStore(u.Path), nil
	default:
		return nil, fmt.Errorf("unsupported blobstore scheme %q", u.Scheme)
	}
}
