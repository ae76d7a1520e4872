package cycle

import (
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// Phase is the lifecycle position of a job on a cycle.
type Phase string

// Job phases.
const (
	PhaseIdle    Phase = "idle"
	PhaseSeeding Phase = "seeding"
	PhaseActive  Phase = "active"
	PhaseCleanup Phase = "cleanup"
)

// Summary describes one finished pass.
type Summary struct {
	JobID    string    `json:"job_id"`
	RunID    uuid.UUID `json:"run_id"`
	Phase    Phase     `json:"phase"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	// Seeds is the number of identifiers the connector reported.
	Seeds int `json:"seeds,omitempty"`
	// Queued counts identifiers submitted by seeding.
	Queued int `json:"queued,omitempty"`
	// Requeued counts deferred identifiers that came due and were resubmitted.
	Requeued int `json:"requeued,omitempty"`
	// Skipped reports a seeding pass that found the queue above its low-water mark.
	Skipped bool `json:"skipped,omitempty"`
	// Deferred is the size of the job's deferred set when the pass ended.
	Deferred int `json:"deferred"`
	// Failed is the number of identifiers that failed fatally since seeding.
	Failed int `json:"failed"`
	// NextRetry is the earliest time a deferred identifier comes due.
	NextRetry time.Time `json:"next_retry,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// Report collects the summaries of a full RunJob cycle.
type Report struct {
	Seeding *Summary `json:"seeding,omitempty"`
	Active  *Summary `json:"active,omitempty"`
	Cleanup *Summary `json:"cleanup,omitempty"`
}

// Status is a point-in-time view of a job.
type Status struct {
	JobID         string            `json:"job_id"`
	Phase         Phase             `json:"phase"`
	Running       bool              `json:"running"`
	Queued        int               `json:"queued"`
	CleanupQueued int               `json:"cleanup_queued"`
	Deferred      int               `json:"deferred"`
	Failed        map[string]string `json:"failed,omitempty"`
	LastPass      *Summary          `json:"last_pass,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type deferral struct {
	doc       crawler.QueuedDocument
	notBefore time.Time
	cause     string
}

// jobState is owned by the cycle and guarded by its mutex.
type jobState struct {
	job       crawler.Job
	phase     Phase
	deferred  map[crawler.DocumentIdentifier]deferral
	failed    map[crawler.DocumentIdentifier]string
	lastPass  *Summary
	lastError string
	updated   time.Time
}

func newJobState(job crawler.Job) *jobState {
	return &jobState{
		job:      job,
		phase:    PhaseIdle,
		deferred: make(map[crawler.DocumentIdentifier]deferral),
		failed:   make(map[crawler.DocumentIdentifier]string),
	}
}

// deferDoc keeps the later notBefore when an identifier is deferred twice.
func (s *jobState) deferDoc(doc crawler.QueuedDocument, notBefore time.Time, cause string) {
	if prev, ok := s.deferred[doc.ID]; ok && prev.notBefore.After(notBefore) {
		notBefore = prev.notBefore
	}
	s.deferred[doc.ID] = deferral{doc: doc, notBefore: notBefore, cause: cause}
}

// takeDue removes and returns deferrals whose time has come.
func (s *jobState) takeDue(now time.Time) []crawler.QueuedDocument {
	var due []crawler.QueuedDocument
	for id, d := range s.deferred {
		if !d.notBefore.After(now) {
			due = append(due, d.doc)
			delete(s.deferred, id)
		}
	}
	return due
}

func (s *jobState) nextRetry() time.Time {
	var next time.Time
	for _, d := range s.deferred {
		if next.IsZero() || d.notBefore.Before(next) {
			next = d.notBefore
		}
	}
	return next
}

func (s *jobState) forget() {
	s.deferred = make(map[crawler.DocumentIdentifier]deferral)
	s.failed = make(map[crawler.DocumentIdentifier]string)
}
