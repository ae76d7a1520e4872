package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
)

// BlobStore satisfies output.BlobStore with objects held in a map. URIs use
// the memory:// scheme.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]storedObject
}

type storedObject struct {
	contentType string
	body        []byte
}

// NewBlobStore returns an empty store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]storedObject)}
}

// PutObject buffers data fully before replacing any existing object at path.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	if path == "" {
		return "", errors.New("object path is required")
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(data); err != nil {
		return "", fmt.Errorf("buffer object %s: %w", path, err)
	}

	s.mu.Lock()
	s.objects[path] = storedObject{contentType: contentType, body: buf.Bytes()}
	s.mu.Unlock()
	return "memory://" + path, nil
}

// DeleteObject drops path if present.
func (s *BlobStore) DeleteObject(_ context.Context, path string) error {
	s.mu.Lock()
	delete(s.objects, path)
	s.mu.Unlock()
	return nil
}

// Object returns a private copy of the body at path and its content type.
func (s *BlobStore) Object(path string) ([]byte, string, bool) {
	s.mu.RLock()
	obj, ok := s.objects[path]
	s.mu.RUnlock()
	if !ok {
		return nil, "", false
	}
	return bytes.Clone(obj.body), obj.contentType, true
}

// Paths returns the stored object paths, sorted.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.objects))
}
