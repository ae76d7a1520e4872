package postgres

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/crawlcore/internal/bounded"
)

// Classify marks dropped connections and retryable server conditions as
// transient. It is meant to be registered with bounded.WithClassifiers so a
// store outage defers documents instead of failing them.
func Classify(err error) (bounded.Kind, bool) {
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return bounded.KindTransient, true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return bounded.KindTransient, true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			pgErr.Code == "57P01",               // admin shutdown
			pgErr.Code == "40001",               // serialization failure
			pgErr.Code == "40P01":               // deadlock detected
			return bounded.KindTransient, true
		}
		return bounded.KindFatal, true
	}
	return 0, false
}
