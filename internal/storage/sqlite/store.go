// Package sqlite persists document versions and the activity log in a local
// SQLite database for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/storage/sqlite/migrations"
	"github.com/JakeFAU/crawlcore/internal/store"
)

// Store implements crawler.VersionStore and store.ActivityRepository.
type Store struct {
	db   *sql.DB
	path string
}

var (
	_ crawler.VersionStore     = (*Store)(nil)
	_ store.ActivityRepository = (*Store)(nil)
)

// Open creates or opens the database file at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &Store{db: db, path: path}
	if err := s.migrate(ctx, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate(ctx context.Context, fsys fs.FS) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}
	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil || version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
	}
	return nil
}

// GetVersion returns the stored version and whether a row exists.
func (s *Store) GetVersion(
	ctx context.Context,
	connectionID string,
	id crawler.DocumentIdentifier,
) (crawler.DocumentVersion, bool, error) {
	var version string
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM document_versions WHERE connection_id = ? AND document_id = ?`,
		connectionID, string(id)).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("selecting version: %w", err)
	}
	return crawler.DocumentVersion(version), true, nil
}

// PutVersion upserts the version for the identifier.
func (s *Store) PutVersion(
	ctx context.Context,
	connectionID string,
	id crawler.DocumentIdentifier,
	version crawler.DocumentVersion,
) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_versions (connection_id, document_id, version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(connection_id, document_id) DO UPDATE SET
			version = excluded.version,
			updated_at = excluded.updated_at`,
		connectionID, string(id), string(version), time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("saving version: %w", err)
	}
	return nil
}

// DeleteVersion removes the row. Deleting a missing row is not an error.
func (s *Store) DeleteVersion(ctx context.Context, connectionID string, id crawler.DocumentIdentifier) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM document_versions WHERE connection_id = ? AND document_id = ?`,
		connectionID, string(id))
	if err != nil {
		return fmt.Errorf("deleting version: %w", err)
	}
	return nil
}

// InsertActivities appends rows in a single transaction.
func (s *Store) InsertActivities(ctx context.Context, rows []store.Activity) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO crawl_activity (run_id, connection_id, job_id, activity, document_id,
			started_at_ns, elapsed_ms, byte_count, error_code, error_detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.RunID.String(), r.ConnectionID, r.JobID, r.Activity, r.Identifier,
			r.Started.UTC().UnixNano(), r.ElapsedMs, r.Bytes, r.Code, r.Detail,
		); err != nil {
			return 0, fmt.Errorf("inserting activity: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing activities: %w", err)
	}
	return int64(len(rows)), nil
}

// ListActivities returns the rows of one run, newest first.
func (s *Store) ListActivities(ctx context.Context, runID uuid.UUID, limit, offset int) ([]store.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, connection_id, job_id, activity, document_id,
			started_at_ns, elapsed_ms, byte_count, error_code, error_detail
		FROM crawl_activity
		WHERE run_id = ?
		ORDER BY started_at_ns DESC, id DESC
		LIMIT ? OFFSET ?`, runID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing activities: %w", err)
	}
	defer rows.Close()

	var out []store.Activity
	for rows.Next() {
		var (
			a       store.Activity
			run     string
			started int64
		)
		if err := rows.Scan(&run, &a.ConnectionID, &a.JobID, &a.Activity, &a.Identifier,
			&started, &a.ElapsedMs, &a.Bytes, &a.Code, &a.Detail); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		if a.RunID, err = uuid.Parse(run); err != nil {
			return nil, fmt.Errorf("parsing run id: %w", err)
		}
		a.Started = time.Unix(0, started).UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activities: %w", err)
	}
	return out, nil
}
