package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawlcore/internal/store"
)

// DefaultActivityTable receives the per-document activity log.
const DefaultActivityTable = "crawl_activity"

var activityColumns = []string{
	"run_id",
	"connection_id",
	"job_id",
	"activity",
	"document_id",
	"started_at",
	"elapsed_ms",
	"byte_count",
	"error_code",
	"error_detail",
}

// ActivityStore implements store.ActivityRepository using Postgres COPY for
// batch inserts.
type ActivityStore struct {
	pool  Pool
	table string
}

// NewActivityStore wraps an open pool. An empty table selects DefaultActivityTable.
func NewActivityStore(pool Pool, table string) (*ActivityStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, DefaultActivityTable)
	if err != nil {
		return nil, err
	}
	return &ActivityStore{pool: pool, table: name}, nil
}

// InsertActivities copies rows into the activity table.
func (s *ActivityStore) InsertActivities(ctx context.Context, rows []store.Activity) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	src := pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		r := rows[i]
		return []any{
			r.RunID,
			r.ConnectionID,
			r.JobID,
			r.Activity,
			r.Identifier,
			r.Started,
			r.ElapsedMs,
			r.Bytes,
			r.Code,
			r.Detail,
		}, nil
	})
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{s.table}, activityColumns, src)
	if err != nil {
		return n, fmt.Errorf("copy activities: %w", err)
	}
	return n, nil
}

// ListActivities returns the rows of one run, newest first.
func (s *ActivityStore) ListActivities(
	ctx context.Context,
	runID uuid.UUID,
	limit,
	offset int,
) ([]store.Activity, error) {
	query := fmt.Sprintf(`
SELECT run_id, connection_id, job_id, activity, document_id, started_at,
	elapsed_ms, byte_count, error_code, error_detail
FROM %s
WHERE run_id = $1
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, s.table)
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []store.Activity
	for rows.Next() {
		var a store.Activity
		if err := rows.Scan(
			&a.RunID,
			&a.ConnectionID,
			&a.JobID,
			&a.Activity,
			&a.Identifier,
			&a.Started,
			&a.ElapsedMs,
			&a.Bytes,
			&a.Code,
			&a.Detail,
		); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity rows: %w", err)
	}
	return out, nil
}
