// Package crawler defines core types shared across subsystems.
package crawler

import (
	"io"
	"time"
)

// DocumentIdentifier is an opaque identifier, unique within one connection's namespace.
type DocumentIdentifier string

// DocumentVersion is an opaque fingerprint. The empty version means the
// connector cannot version the document and it is always reprocessed.
type DocumentVersion string

// VersionInfo is the result of a connector version lookup.
type VersionInfo struct {
	// Version is the fingerprint reported by the repository.
	Version DocumentVersion
	// Absent marks a document that no longer exists upstream.
	Absent bool
	// Container marks identifiers that are expanded with ListChildren and never fetched.
	Container bool
}

// Absent returns the VersionInfo sentinel for a vanished document.
func Absent() VersionInfo {
	return VersionInfo{Absent: true}
}

// RelationshipChild tags references discovered by expanding a container.
const RelationshipChild = "child"

// DocumentReference is a directed edge between two identifiers.
type DocumentReference struct {
	Parent       DocumentIdentifier `json:"parent"`
	Child        DocumentIdentifier `json:"child"`
	Relationship string             `json:"relationship"`
}

// JobMode selects how a job treats its document set across passes.
type JobMode string

// Supported job modes.
const (
	JobModeOnce       JobMode = "once"
	JobModeContinuous JobMode = "continuous"
)

// Job is the orchestration-level description of a crawl.
type Job struct {
	ID    string  `json:"id" mapstructure:"id"`
	Query string  `json:"query" mapstructure:"query"`
	Mode  JobMode `json:"mode" mapstructure:"mode"`
}

// TimeWindow bounds a seeding pass to [Start, End). Zero values are open ends.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !t.Before(w.End) {
		return false
	}
	return true
}

// QueuedDocument is one identifier in a QueueEntry together with the edge
// that discovered it. Seeds carry a zero Reference.
type QueuedDocument struct {
	ID        DocumentIdentifier
	Reference DocumentReference
}

// QueueEntry is the unit moved through the document and cleanup queues.
type QueueEntry struct {
	JobID     string
	Mode      JobMode
	Documents []QueuedDocument
}

// Identifiers returns the identifiers carried by the entry in order.
func (e QueueEntry) Identifiers() []DocumentIdentifier {
	out := make([]DocumentIdentifier, 0, len(e.Documents))
	for _, doc := range e.Documents {
		out = append(out, doc.ID)
	}
	return out
}

// Credentials are the connection parameters handed to session creation.
type Credentials map[string]string

// Document is a fetched document ready to be ingested downstream. The caller
// owns Content and must close it.
type Document struct {
	ID       DocumentIdentifier
	Version  DocumentVersion
	URI      string
	MimeType string
	Length   int64
	Modified time.Time
	Metadata map[string][]string
	Content  io.ReadCloser
}

// Close releases the content stream if one is attached.
func (d Document) Close() error {
	if d.Content == nil {
		return nil
	}
	return d.Content.Close()
}
