// Package memory keeps document versions and blob content in process for
// development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

type versionKey struct {
	connectionID string
	id           crawler.DocumentIdentifier
}

// VersionStore is an in-memory crawler.VersionStore.
type VersionStore struct {
	mu       sync.RWMutex
	versions map[versionKey]crawler.DocumentVersion
}

// NewVersionStore constructs an empty VersionStore.
func NewVersionStore() *VersionStore {
	return &VersionStore{versions: make(map[versionKey]crawler.DocumentVersion)}
}

// GetVersion returns the stored version and whether one exists.
func (s *VersionStore) GetVersion(
	_ context.Context,
	connectionID string,
	id crawler.DocumentIdentifier,
) (crawler.DocumentVersion, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[versionKey{connectionID, id}]
	return v, ok, nil
}

// PutVersion records the version of an ingested document.
func (s *VersionStore) PutVersion(
	_ context.Context,
	connectionID string,
	id crawler.DocumentIdentifier,
	version crawler.DocumentVersion,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[versionKey{connectionID, id}] = version
	return nil
}

// DeleteVersion forgets the identifier. Deleting a missing key is a no-op.
func (s *VersionStore) DeleteVersion(_ context.Context, connectionID string, id crawler.DocumentIdentifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.versions, versionKey{connectionID, id})
	return nil
}

// Len reports how many versions are stored.
func (s *VersionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.versions)
}
