// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config names the bucket that receives document blobs.
type Config struct {
	Bucket string `mapstructure:"bucket"`
}

// BlobStore writes document content to one GCS bucket. Object names are
// derived from document identifiers, so a rewrite replaces the whole object
// and uploads are safe to retry.
type BlobStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// New creates a GCS-backed blob store. The client is owned by the caller.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	name := strings.TrimSpace(cfg.Bucket)
	if name == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{client: client, bucket: client.Bucket(name), name: name}, nil
}

func (s *BlobStore) object(path string) (*storage.ObjectHandle, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("path is required")
	}
	return s.bucket.Object(path).Retryer(storage.WithPolicy(storage.RetryAlways)), nil
}

// PutObject uploads data and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	obj, err := s.object(path)
	if err != nil {
		return "", err
	}
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, data); err != nil {
		return "", errors.Join(fmt.Errorf("upload %s: %w", path, err), w.Close())
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", path, err)
	}
	return "gs://" + s.name + "/" + path, nil
}

// DeleteObject removes the object. A missing object is not an error.
func (s *BlobStore) DeleteObject(ctx context.Context, path string) error {
	obj, err := s.object(path)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// Verify checks that the bucket exists and the credentials can read it.
func (s *BlobStore) Verify(ctx context.Context) error {
	if _, err := s.bucket.Attrs(ctx); err != nil {
		return fmt.Errorf("bucket %q: %w", s.name, err)
	}
	return nil
}
