package crawler

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// Connector is the narrow contract a repository adapter implements. H is the
// connector's session handle type; every repository call receives the live
// handle owned by the session manager.
type Connector[H any] interface {
	// RequiredCredentials names the credential keys that must be non-empty.
	RequiredCredentials() []string
	CreateSession(ctx context.Context, creds Credentials) (H, error)
	CheckLive(ctx context.Context, session H) error
	DestroySession(ctx context.Context, session H) error

	// ListSeeds may over-report; it must never under-report.
	ListSeeds(ctx context.Context, session H, query string, window TimeWindow) ([]DocumentIdentifier, error)
	// GetVersion must be free of side effects.
	GetVersion(ctx context.Context, session H, id DocumentIdentifier) (VersionInfo, error)
	Fetch(ctx context.Context, session H, id DocumentIdentifier) (Document, error)
	ListChildren(ctx context.Context, session H, id DocumentIdentifier) ([]DocumentIdentifier, error)
	// ResolveBins returns the throttling bins for id. Empty means unthrottled.
	ResolveBins(id DocumentIdentifier) []string
}

// VersionStore is the persisted (connectionID, identifier) -> version mapping.
type VersionStore interface {
	GetVersion(ctx context.Context, connectionID string, id DocumentIdentifier) (DocumentVersion, bool, error)
	PutVersion(ctx context.Context, connectionID string, id DocumentIdentifier, version DocumentVersion) error
	DeleteVersion(ctx context.Context, connectionID string, id DocumentIdentifier) error
}

// Ingester hands documents to the downstream indexing target.
type Ingester interface {
	Ingest(ctx context.Context, connectionID string, doc Document) (int64, error)
	Remove(ctx context.Context, connectionID string, id DocumentIdentifier) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	DeleteObject(ctx context.Context, path string) error
}

// Publisher pushes change notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// VisitTracker records identifiers already queued in the current pass.
type VisitTracker interface {
	MarkIfNew(id DocumentIdentifier) bool
	Reset()
}

// Hasher computes digests for blob naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs. Each pass gets a fresh one.
type IDGenerator interface {
	NewRunID() (uuid.UUID, error)
}
