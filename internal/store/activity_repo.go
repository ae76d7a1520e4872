// Package store declares interfaces for persisting crawl activity.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("activity record not found")

// Activity models one row of the activity log.
type Activity struct {
	RunID        uuid.UUID
	ConnectionID string
	JobID        string
	Activity     string
	Identifier   string
	Started      time.Time
	ElapsedMs    int64
	Bytes        int64
	Code         string
	// Detail is empty for OK rows.
	Detail string
}

// ActivityRepository persists per-document activity records.
type ActivityRepository interface {
	// InsertActivities appends rows and returns how many were written.
	InsertActivities(ctx context.Context, rows []Activity) (int64, error)
	// ListActivities returns the rows of one run, newest first.
	ListActivities(ctx context.Context, runID uuid.UUID, limit, offset int) ([]Activity, error)
}
