package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// DefaultVersionTable holds (connection_id, document_id) -> version rows.
const DefaultVersionTable = "document_versions"

// VersionStore implements crawler.VersionStore on Postgres. The table needs a
// primary key on (connection_id, document_id).
type VersionStore struct {
	pool  Pool
	table string
}

// NewVersionStore wraps an open pool. An empty table selects DefaultVersionTable.
func NewVersionStore(pool Pool, table string) (*VersionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, DefaultVersionTable)
	if err != nil {
		return nil, err
	}
	return &VersionStore{pool: pool, table: name}, nil
}

// GetVersion returns the stored version and whether a row exists.
func (s *VersionStore) GetVersion(
	ctx context.Context,
	connectionID string,
	id crawler.DocumentIdentifier,
) (crawler.DocumentVersion, bool, error) {
	query := fmt.Sprintf(`SELECT version FROM %s WHERE connection_id = $1 AND document_id = $2`, s.table)
	var version string
	if err := s.pool.QueryRow(ctx, query, connectionID, string(id)).Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("select version: %w", err)
	}
	return crawler.DocumentVersion(version), true, nil
}

// PutVersion upserts the version for the identifier.
func (s *VersionStore) PutVersion(
	ctx context.Context,
	connectionID string,
	id crawler.DocumentIdentifier,
	version crawler.DocumentVersion,
) error {
	query := fmt.Sprintf(`
INSERT INTO %s (connection_id, document_id, version, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (connection_id, document_id) DO UPDATE
SET version = EXCLUDED.version, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, connectionID, string(id), string(version)); err != nil {
		return fmt.Errorf("upsert version: %w", err)
	}
	return nil
}

// DeleteVersion removes the row. Deleting a missing row is not an error.
func (s *VersionStore) DeleteVersion(ctx context.Context, connectionID string, id crawler.DocumentIdentifier) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE connection_id = $1 AND document_id = $2`, s.table)
	if _, err := s.pool.Exec(ctx, query, connectionID, string(id)); err != nil {
		return fmt.Errorf("delete version: %w", err)
	}
	return nil
}
