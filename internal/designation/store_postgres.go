package designation

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sba-tools/hubzone-cli/internal/db"
	"github.com/sba-tools/hubzone-cli/internal/geounit"
)

// PostgresStore implements Store on the hubzone.designations table. One
// row per GEOID; reconciliation supersedes rows in place and the
// execution changeset carries the history.
type PostgresStore struct {
	pool db.Pool
	log  *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		log:  zap.L().With(zap.String("component", "designation-store")),
	}
}

const selectDesignationSQL = `
SELECT geoid, level, type, status, designated_at, expires_at, grace_ends_at,
       poverty_rate, income_ratio, source_dataset
FROM hubzone.designations`

// ListActive returns active designations, optionally scoped to states by
// GEOID prefix (the first two digits of a GEOID are the state FIPS code).
func (s *PostgresStore) ListActive(ctx context.Context, states []string) ([]Designation, error) {
	sql := selectDesignationSQL + ` WHERE status = 'active'`
	args := []any{}
	if len(states) > 0 {
		sql += ` AND left(geoid, 2) = ANY($1)`
		args = append(args, states)
	}
	sql += ` ORDER BY geoid`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "designation: list active")
	}
	defer rows.Close()

	return scanDesignations(rows)
}

// GetByGEOID returns the designation for one unit, nil if absent.
func (s *PostgresStore) GetByGEOID(ctx context.Context, geoid string) (*Designation, error) {
	row := s.pool.QueryRow(ctx, selectDesignationSQL+` WHERE geoid = $1`, geoid)

	var d Designation
	var level, typ, status string
	err := row.Scan(&d.GEOID, &level, &typ, &status, &d.DesignatedAt,
		&d.ExpiresAt, &d.GraceEndsAt, &d.PovertyRate, &d.IncomeRatio, &d.SourceDataset)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "designation: get %s", geoid)
	}
	d.Level = geounit.Level(level)
	d.Type = Type(typ)
	d.Status = Status(status)
	return &d, nil
}

// CountActive returns the number of active designations.
func (s *PostgresStore) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM hubzone.designations WHERE status = 'active'`,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "designation: count active")
	}
	return n, nil
}

const upsertDesignationSQL = `
INSERT INTO hubzone.designations
	(geoid, level, type, status, designated_at, expires_at, grace_ends_at,
	 poverty_rate, income_ratio, source_dataset, execution_id, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
ON CONFLICT (geoid) DO UPDATE SET
	level = EXCLUDED.level,
	type = EXCLUDED.type,
	status = EXCLUDED.status,
	designated_at = EXCLUDED.designated_at,
	expires_at = EXCLUDED.expires_at,
	grace_ends_at = EXCLUDED.grace_ends_at,
	poverty_rate = EXCLUDED.poverty_rate,
	income_ratio = EXCLUDED.income_ratio,
	source_dataset = EXCLUDED.source_dataset,
	execution_id = EXCLUDED.execution_id,
	updated_at = now()`

const transitionDesignationSQL = `
UPDATE hubzone.designations
SET status = $2, expires_at = $3, grace_ends_at = $4, execution_id = $5, updated_at = now()
WHERE geoid = $1 AND status = 'active'`

// ApplyChangeset writes every change in one transaction. Created and
// updated designations are upserted; expired and redesignated units are
// transitioned in place. Any failure rolls the whole set back.
func (s *PostgresStore) ApplyChangeset(ctx context.Context, cs *Changeset, executionID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "designation: apply changeset: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, d := range append(append([]Designation{}, cs.Created...), cs.Updated...) {
		_, err := tx.Exec(ctx, upsertDesignationSQL,
			d.GEOID, string(d.Level), string(d.Type), string(d.Status),
			d.DesignatedAt, d.ExpiresAt, d.GraceEndsAt,
			d.PovertyRate, d.IncomeRatio, d.SourceDataset, executionID)
		if err != nil {
			return eris.Wrapf(err, "designation: upsert %s", d.GEOID)
		}
	}

	for _, d := range cs.Expired {
		if err := s.transition(ctx, tx, d, executionID); err != nil {
			return err
		}
	}
	for _, d := range cs.Redesignated {
		if err := s.transition(ctx, tx, d, executionID); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "designation: apply changeset: commit")
	}

	s.log.Info("changeset applied",
		zap.String("execution_id", executionID.String()),
		zap.Int("created", len(cs.Created)),
		zap.Int("updated", len(cs.Updated)),
		zap.Int("expired", len(cs.Expired)),
		zap.Int("redesignated", len(cs.Redesignated)),
	)
	return nil
}

func (s *PostgresStore) transition(ctx context.Context, tx pgx.Tx, d Designation, executionID uuid.UUID) error {
	tag, err := tx.Exec(ctx, transitionDesignationSQL,
		d.GEOID, string(d.Status), d.ExpiresAt, d.GraceEndsAt, executionID)
	if err != nil {
		return eris.Wrapf(err, "designation: transition %s to %s", d.GEOID, d.Status)
	}
	if tag.RowsAffected() == 0 {
		// The active row vanished under us; a concurrent writer would
		// violate the single-flight invariant, so surface it.
		return eris.Errorf("designation: transition %s: no active row", d.GEOID)
	}
	return nil
}

func scanDesignations(rows pgx.Rows) ([]Designation, error) {
	var out []Designation
	for rows.Next() {
		var d Designation
		var level, typ, status string
		if err := rows.Scan(&d.GEOID, &level, &typ, &status, &d.DesignatedAt,
			&d.ExpiresAt, &d.GraceEndsAt, &d.PovertyRate, &d.IncomeRatio, &d.SourceDataset); err != nil {
			return nil, eris.Wrap(err, "designation: scan row")
		}
		d.Level = geounit.Level(level)
		d.Type = Type(typ)
		d.Status = Status(status)
		out = append(out, d)
	}
	return out, rows.Err()
}
