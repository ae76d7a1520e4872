package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/progress"
	"github.com/JakeFAU/crawlcore/internal/store"
)

// StoreSink persists activity records via a store.ActivityRepository, one
// insert per batch.
type StoreSink struct {
	repo   store.ActivityRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ActivityRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes the batch. It respects ctx deadlines and returns repository
// errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Record) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	rows := make([]store.Activity, 0, len(batch))
	for _, rec := range batch {
		rows = append(rows, store.Activity{
			RunID:        rec.RunID,
			ConnectionID: rec.ConnectionID,
			JobID:        rec.JobID,
			Activity:     string(rec.Activity),
			Identifier:   rec.Identifier,
			Started:      rec.Started,
			ElapsedMs:    rec.ElapsedMs(),
			Bytes:        rec.Bytes,
			Code:         string(rec.Code),
			Detail:       rec.Detail,
		})
	}
	n, err := s.repo.InsertActivities(ctx, rows)
	if err != nil {
		return fmt.Errorf("insert activities: %w", err)
	}
	if n != int64(len(rows)) {
		s.logger.Warn("activity insert wrote fewer rows than sent", zap.Int64("written", n), zap.Int("sent", len(rows)))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
