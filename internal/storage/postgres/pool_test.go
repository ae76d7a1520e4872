package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func TestNewPoolRejectsMissingOrMalformedDSN(t *testing.T) {
	t.Parallel()

	_, err := NewPool(context.Background(), Config{})
	require.ErrorContains(t, err, "store.postgres.dsn is required")

	_, err = NewPool(context.Background(), Config{DSN: "postgres://host:notaport/db"})
	require.ErrorContains(t, err, "parse postgres dsn")
}

func TestApplySizingOnlyOverridesSetFields(t *testing.T) {
	t.Parallel()

	pc, err := pgxpool.ParseConfig("postgres://crawl@localhost:5432/crawl?pool_max_conns=7")
	require.NoError(t, err)
	lifetime := pc.MaxConnLifetime

	applySizing(pc, Config{MinConns: 2})
	require.EqualValues(t, 7, pc.MaxConns)
	require.EqualValues(t, 2, pc.MinConns)
	require.Equal(t, lifetime, pc.MaxConnLifetime)

	applySizing(pc, Config{MaxConns: 12, MaxConnLifetime: time.Minute})
	require.EqualValues(t, 12, pc.MaxConns)
	require.Equal(t, time.Minute, pc.MaxConnLifetime)
}

func TestTableNameValidation(t *testing.T) {
	t.Parallel()

	got, err := tableName("", "document_versions")
	require.NoError(t, err)
	require.Equal(t, "document_versions", got)

	_, err = tableName("versions; drop table x", "document_versions")
	require.ErrorContains(t, err, "invalid table name")
}
