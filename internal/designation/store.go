package designation

import (
	"context"

	"github.com/google/uuid"
)

// Store persists designations. ApplyChangeset must be atomic: either
// every change in the set lands or none do.
type Store interface {
	// ListActive returns all active designations, optionally restricted
	// to the given state FIPS codes.
	ListActive(ctx context.Context, states []string) ([]Designation, error)

	// GetByGEOID returns the designation for a unit, or nil if none exists.
	GetByGEOID(ctx context.Context, geoid string) (*Designation, error)

	// ApplyChangeset writes the full changeset in a single transaction,
	// tagged with the execution that produced it.
	ApplyChangeset(ctx context.Context, cs *Changeset, executionID uuid.UUID) error

	// CountActive returns the number of active designations.
	CountActive(ctx context.Context) (int64, error)
}
