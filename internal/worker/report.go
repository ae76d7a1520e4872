// Package worker implements the per-identifier crawl pipeline run by the
// document and cleanup pools.
package worker

import (
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// Reporter receives everything a worker decides that outlives the entry it
// is processing. The crawl cycle implements it.
type Reporter interface {
	// Enqueue submits discovered work to the document queue.
	Enqueue(entry crawler.QueueEntry)
	// Cleanup routes a vanished document to the cleanup queue.
	Cleanup(entry crawler.QueueEntry)
	// Defer reschedules doc no earlier than notBefore. Persisted state is untouched.
	Defer(jobID string, doc crawler.QueuedDocument, notBefore time.Time, cause string)
	// Fail records a fatal failure for doc in this pass.
	Fail(jobID string, doc crawler.QueuedDocument, err error)
}

// Run carries the per-pass context handed to every Process call.
type Run struct {
	ID       uuid.UUID
	Reporter Reporter
}

// Timeouts bound each kind of repository or downstream call. Zero falls back
// to the session manager's call timeout.
type Timeouts struct {
	Version  time.Duration `mapstructure:"version_timeout"`
	Fetch    time.Duration `mapstructure:"fetch_timeout"`
	Children time.Duration `mapstructure:"children_timeout"`
	Ingest   time.Duration `mapstructure:"ingest_timeout"`
	Remove   time.Duration `mapstructure:"remove_timeout"`
}

// Batch splits docs into queue entries of at most size documents.
func Batch(jobID string, mode crawler.JobMode, docs []crawler.QueuedDocument, size int) []crawler.QueueEntry {
	if size <= 0 {
		size = 1
	}
	var out []crawler.QueueEntry
	for start := 0; start < len(docs); start += size {
		end := min(start+size, len(docs))
		batch := make([]crawler.QueuedDocument, end-start)
		copy(batch, docs[start:end])
		out = append(out, crawler.QueueEntry{JobID: jobID, Mode: mode, Documents: batch})
	}
	return out
}
