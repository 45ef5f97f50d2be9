package resolver

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sba-tools/hubzone-cli/internal/db"
)

// Store loads business locations and persists resolved changes.
type Store interface {
	// ListBusinesses returns registered businesses, optionally scoped to
	// the given state FIPS codes.
	ListBusinesses(ctx context.Context, states []string) ([]BusinessLocation, error)

	// RecordChanges persists the affected-business changes for an execution
	// and flips each business's in_hubzone flag to its new status.
	RecordChanges(ctx context.Context, executionID uuid.UUID, changes []AffectedBusinessChange) error

	// MarkNotified flags the execution's changes as handed off.
	MarkNotified(ctx context.Context, executionID uuid.UUID) error
}

// PostgresStore implements Store on hubzone.businesses and
// hubzone.affected_business_changes.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ListBusinesses returns registered businesses with their last-known
// principal-office coordinates.
func (s *PostgresStore) ListBusinesses(ctx context.Context, states []string) ([]BusinessLocation, error) {
	sql := `SELECT id, name, lat, lng, in_hubzone FROM hubzone.businesses`
	args := []any{}
	if len(states) > 0 {
		sql += ` WHERE state_fips = ANY($1)`
		args = append(args, states)
	}
	sql += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "resolver: list businesses")
	}
	defer rows.Close()

	var out []BusinessLocation
	for rows.Next() {
		var b BusinessLocation
		if err := rows.Scan(&b.ID, &b.Name, &b.Lat, &b.Lng, &b.InHUBZone); err != nil {
			return nil, eris.Wrap(err, "resolver: scan business")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// RecordChanges writes all changes and the businesses' new status in one
// transaction.
func (s *PostgresStore) RecordChanges(ctx context.Context, executionID uuid.UUID, changes []AffectedBusinessChange) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "resolver: record changes: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows := make([][]any, 0, len(changes))
	for _, c := range changes {
		rows = append(rows, []any{
			executionID, c.BusinessID, c.PreviousInZone, c.NewInZone,
			string(c.Change), c.GEOID, c.GraceEndsAt, c.NotificationSent,
		})
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"hubzone", "affected_business_changes"},
		[]string{"execution_id", "business_id", "previous_in_zone", "new_in_zone",
			"change", "geoid", "grace_ends_at", "notification_sent"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return eris.Wrap(err, "resolver: copy changes")
	}

	for _, c := range changes {
		_, err := tx.Exec(ctx,
			`UPDATE hubzone.businesses SET in_hubzone = $2, updated_at = now() WHERE id = $1`,
			c.BusinessID, c.NewInZone,
		)
		if err != nil {
			return eris.Wrapf(err, "resolver: update business %s", c.BusinessID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "resolver: record changes: commit")
	}
	return nil
}

// MarkNotified flags every change of an execution as handed off to the
// notification collaborator. Hand-off is attempted once; delivery is the
// collaborator's problem.
func (s *PostgresStore) MarkNotified(ctx context.Context, executionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE hubzone.affected_business_changes SET notification_sent = true WHERE execution_id = $1`,
		executionID,
	)
	return eris.Wrapf(err, "resolver: mark notified %s", executionID)
}
