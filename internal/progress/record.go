// Package progress defines the per-document activity records emitted by the
// crawl workers.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/crawlcore/internal/bounded"
)

// Activity names what a worker did with an identifier.
type Activity string

// Supported activities.
const (
	ActivityVersion Activity = "version"
	ActivityFetch   Activity = "fetch"
	ActivityExpand  Activity = "expand"
	ActivitySkip    Activity = "skip"
	ActivityDelete  Activity = "delete"
)

// Code is the result code attached to a record.
type Code string

// Result codes.
const (
	CodeOK          Code = "OK"
	CodeUnchanged   Code = "UNCHANGED"
	CodeAbsent      Code = "ABSENT"
	CodeTransient   Code = "TRANSIENT"
	CodeFatal       Code = "FATAL"
	CodeInterrupted Code = "INTERRUPTED"
)

// Record describes one processed identifier.
type Record struct {
	// RunID identifies the pass that produced the record.
	RunID uuid.UUID
	// ConnectionID scopes Identifier.
	ConnectionID string
	JobID        string
	Activity     Activity
	Identifier   string
	// Started is the UTC time the worker picked the identifier up.
	Started time.Time
	Elapsed time.Duration
	// Bytes is the ingested content size for fetch records.
	Bytes int64
	Code  Code
	// Detail carries the failure text for non-OK codes.
	Detail string
}

// ElapsedMs returns Elapsed in whole milliseconds.
func (r Record) ElapsedMs() int64 {
	return r.Elapsed.Milliseconds()
}

// MarshalLogObject lets loggers attach a record with zap.Object or
// zap.Inline.
func (r Record) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("run_id", r.RunID.String())
	if r.ConnectionID != "" {
		enc.AddString("connection_id", r.ConnectionID)
	}
	if r.JobID != "" {
		enc.AddString("job_id", r.JobID)
	}
	enc.AddString("activity", string(r.Activity))
	enc.AddString("doc_id", r.Identifier)
	enc.AddInt64("elapsed_ms", r.ElapsedMs())
	if r.Bytes > 0 {
		enc.AddInt64("bytes", r.Bytes)
	}
	enc.AddString("code", string(r.Code))
	if r.Detail != "" {
		enc.AddString("detail", r.Detail)
	}
	return nil
}

// Validate performs coarse validation on Record payloads.
func (r Record) Validate() error {
	if r.Identifier == "" {
		return errors.New("identifier is required")
	}
	if r.Started.IsZero() {
		return errors.New("start time is required")
	}
	switch r.Activity {
	case ActivityVersion, ActivityFetch, ActivityExpand, ActivitySkip, ActivityDelete:
	default:
		return fmt.Errorf("unknown activity %q", r.Activity)
	}
	if r.Code == "" {
		return errors.New("code is required")
	}
	if r.Elapsed < 0 {
		return errors.New("elapsed must be >= 0")
	}
	if r.Bytes < 0 {
		return errors.New("bytes must be >= 0")
	}
	return nil
}

// CodeFor maps an outcome kind onto a record code.
func CodeFor(kind bounded.Kind) Code {
	switch kind {
	case bounded.KindSuccess:
		return CodeOK
	case bounded.KindTransient:
		return CodeTransient
	case bounded.KindInterrupted:
		return CodeInterrupted
	default:
		return CodeFatal
	}
}
