package geounit

import "context"

// Store persists geographic units keyed by GEOID.
type Store interface {
	// BulkUpsert inserts or refreshes units by GEOID. Returns rows written.
	BulkUpsert(ctx context.Context, units []GeographicUnit) (int64, error)

	// GetByGEOIDs returns the units for the given GEOIDs, geometry included.
	GetByGEOIDs(ctx context.Context, geoids []string) ([]GeographicUnit, error)

	// ListByState returns all units of a level within a state.
	ListByState(ctx context.Context, stateFIPS string, level Level) ([]GeographicUnit, error)

	// CountByLevel returns how many units of a level are loaded.
	CountByLevel(ctx context.Context, level Level) (int64, error)
}
