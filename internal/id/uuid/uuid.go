// Package uuid mints run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator hands out version 7 UUIDs. Their leading bits carry the
// millisecond timestamp, so activity rows keyed by run sort by pass start.
type Generator struct{}

// New returns a Generator.
func New() Generator {
	return Generator{}
}

// NewRunID satisfies crawler.IDGenerator.
func (Generator) NewRunID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("mint run id: %w", err)
	}
	return id, nil
}
