package geounit

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sba-tools/hubzone-cli/internal/db"
)

// PostgresStore implements Store against hubzone.geographic_units.
// Geometry is held as EWKB bytes; containment runs in-process, so the
// database needs no spatial extension.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a geographic unit store backed by the pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var unitColumns = []string{
	"geoid", "level", "state_fips", "county_fips", "name",
	"aland", "awater", "centroid_lat", "centroid_lng",
	"min_lng", "min_lat", "max_lng", "max_lat", "geom",
}

// BulkUpsert implements Store using a temp-table upsert keyed on GEOID.
func (s *PostgresStore) BulkUpsert(ctx context.Context, units []GeographicUnit) (int64, error) {
	rows := make([][]any, 0, len(units))
	for i := range units {
		u := &units[i]
		wkb, err := EncodeEWKB(u.Geometry)
		if err != nil {
			return 0, eris.Wrapf(err, "geounit: encode %s", u.GEOID)
		}
		rows = append(rows, []any{
			u.GEOID, string(u.Level), u.StateFIPS, u.CountyFIPS, u.Name,
			u.LandArea, u.WaterArea, u.CentroidLat, u.CentroidLng,
			u.BBox.MinLng, u.BBox.MinLat, u.BBox.MaxLng, u.BBox.MaxLat, wkb,
		})
	}

	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "hubzone.geographic_units",
		Columns:      unitColumns,
		ConflictKeys: []string{"geoid"},
	}, rows)
}

const selectUnitSQL = `SELECT geoid, level, state_fips, county_fips, name,
	aland, awater, centroid_lat, centroid_lng,
	min_lng, min_lat, max_lng, max_lat, geom
FROM hubzone.geographic_units`

// GetByGEOIDs implements Store.
func (s *PostgresStore) GetByGEOIDs(ctx context.Context, geoids []string) ([]GeographicUnit, error) {
	if len(geoids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, selectUnitSQL+" WHERE geoid = ANY($1)", geoids)
	if err != nil {
		return nil, eris.Wrap(err, "geounit: query by geoids")
	}
	return scanUnits(rows)
}

// ListByState implements Store.
func (s *PostgresStore) ListByState(ctx context.Context, stateFIPS string, level Level) ([]GeographicUnit, error) {
	rows, err := s.pool.Query(ctx, selectUnitSQL+" WHERE state_fips = $1 AND level = $2 ORDER BY geoid",
		stateFIPS, string(level))
	if err != nil {
		return nil, eris.Wrapf(err, "geounit: list state %s", stateFIPS)
	}
	return scanUnits(rows)
}

// CountByLevel implements Store.
func (s *PostgresStore) CountByLevel(ctx context.Context, level Level) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM hubzone.geographic_units WHERE level = $1", string(level),
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "geounit: count by level")
	}
	return n, nil
}

func scanUnits(rows pgx.Rows) ([]GeographicUnit, error) {
	defer rows.Close()

	var units []GeographicUnit
	for rows.Next() {
		var u GeographicUnit
		var level string
		var wkb []byte
		if err := rows.Scan(
			&u.GEOID, &level, &u.StateFIPS, &u.CountyFIPS, &u.Name,
			&u.LandArea, &u.WaterArea, &u.CentroidLat, &u.CentroidLng,
			&u.BBox.MinLng, &u.BBox.MinLat, &u.BBox.MaxLng, &u.BBox.MaxLat, &wkb,
		); err != nil {
			return nil, eris.Wrap(err, "geounit: scan unit")
		}
		u.Level = Level(level)
		mp, err := DecodeEWKB(wkb)
		if err != nil {
			return nil, eris.Wrapf(err, "geounit: decode geometry for %s", u.GEOID)
		}
		u.Geometry = mp
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "geounit: iterate units")
	}
	return units, nil
}
