package importer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sba-tools/hubzone-cli/internal/db"
)

// ExecutionStore persists import executions and the single-flight lease.
type ExecutionStore interface {
	Create(ctx context.Context, exec *ImportExecution) error
	Update(ctx context.Context, exec *ImportExecution) error
	Get(ctx context.Context, id uuid.UUID) (*ImportExecution, error)
	// Current returns the running execution, nil if none.
	Current(ctx context.Context) (*ImportExecution, error)
	List(ctx context.Context, limit int) ([]ImportExecution, error)

	// AcquireLease attempts a compare-and-swap on the execution-lock row.
	// Returns false with the current holder's ID when the lease is taken
	// and not yet expired.
	AcquireLease(ctx context.Context, id uuid.UUID, ttl time.Duration) (bool, uuid.UUID, error)
	ReleaseLease(ctx context.Context, id uuid.UUID) error
}

// PostgresExecutionStore implements ExecutionStore on
// hubzone.import_executions and hubzone.execution_lock.
type PostgresExecutionStore struct {
	pool db.Pool
}

// NewPostgresExecutionStore creates a store backed by the given pool.
func NewPostgresExecutionStore(pool db.Pool) *PostgresExecutionStore {
	return &PostgresExecutionStore{pool: pool}
}

// Create inserts a new pending execution record.
func (s *PostgresExecutionStore) Create(ctx context.Context, exec *ImportExecution) error {
	opts, stats, errs, warns, err := marshalExecJSON(exec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO hubzone.import_executions
		 (id, trigger_type, trigger_actor, status, options, stats, errors, warnings, retry_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		exec.ID, string(exec.TriggerType), exec.TriggerActor, string(exec.Status),
		opts, stats, errs, warns, exec.RetryCount, exec.CreatedAt,
	)
	return eris.Wrapf(err, "importer: create execution %s", exec.ID)
}

// Update writes the mutable fields of an execution.
func (s *PostgresExecutionStore) Update(ctx context.Context, exec *ImportExecution) error {
	opts, stats, errs, warns, err := marshalExecJSON(exec)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE hubzone.import_executions
		 SET status = $2, options = $3, stats = $4, errors = $5, warnings = $6,
		     retry_count = $7, started_at = $8, finished_at = $9
		 WHERE id = $1`,
		exec.ID, string(exec.Status), opts, stats, errs, warns,
		exec.RetryCount, exec.StartedAt, exec.FinishedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "importer: update execution %s", exec.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("importer: execution %s not found", exec.ID)
	}
	return nil
}

const selectExecutionSQL = `
SELECT id, trigger_type, trigger_actor, status, options, stats, errors, warnings,
       retry_count, started_at, finished_at, created_at
FROM hubzone.import_executions`

// Get returns one execution, nil if absent.
func (s *PostgresExecutionStore) Get(ctx context.Context, id uuid.UUID) (*ImportExecution, error) {
	rows, err := s.pool.Query(ctx, selectExecutionSQL+` WHERE id = $1`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "importer: get execution %s", id)
	}
	defer rows.Close()
	return firstExecution(rows)
}

// Current returns the running execution, nil if none.
func (s *PostgresExecutionStore) Current(ctx context.Context) (*ImportExecution, error) {
	rows, err := s.pool.Query(ctx,
		selectExecutionSQL+` WHERE status = 'running' ORDER BY created_at DESC LIMIT 1`)
	if err != nil {
		return nil, eris.Wrap(err, "importer: get current execution")
	}
	defer rows.Close()
	return firstExecution(rows)
}

// List returns the most recent executions, newest first.
func (s *PostgresExecutionStore) List(ctx context.Context, limit int) ([]ImportExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		selectExecutionSQL+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "importer: list executions")
	}
	defer rows.Close()

	var out []ImportExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *exec)
	}
	return out, rows.Err()
}

// AcquireLease swaps the holder of the execution-lock row if it is free
// or its previous holder's TTL expired. The CAS keeps single-flight true
// across engine instances, not just within one process.
func (s *PostgresExecutionStore) AcquireLease(ctx context.Context, id uuid.UUID, ttl time.Duration) (bool, uuid.UUID, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE hubzone.execution_lock
		 SET holder = $1, acquired_at = $2, expires_at = $3
		 WHERE id = 1 AND (holder IS NULL OR expires_at < $2)`,
		id, now, now.Add(ttl),
	)
	if err != nil {
		return false, uuid.Nil, eris.Wrap(err, "importer: acquire lease")
	}
	if tag.RowsAffected() == 1 {
		return true, id, nil
	}

	var holder uuid.UUID
	err = s.pool.QueryRow(ctx,
		`SELECT holder FROM hubzone.execution_lock WHERE id = 1`,
	).Scan(&holder)
	if err != nil {
		return false, uuid.Nil, eris.Wrap(err, "importer: read lease holder")
	}
	return false, holder, nil
}

// ReleaseLease frees the lock row if this execution still holds it.
func (s *PostgresExecutionStore) ReleaseLease(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE hubzone.execution_lock
		 SET holder = NULL, acquired_at = NULL, expires_at = NULL
		 WHERE id = 1 AND holder = $1`,
		id,
	)
	return eris.Wrapf(err, "importer: release lease %s", id)
}

func marshalExecJSON(exec *ImportExecution) (opts, stats, errs, warns []byte, err error) {
	if opts, err = json.Marshal(exec.Options); err != nil {
		return nil, nil, nil, nil, eris.Wrap(err, "importer: marshal options")
	}
	if stats, err = json.Marshal(exec.Stats); err != nil {
		return nil, nil, nil, nil, eris.Wrap(err, "importer: marshal stats")
	}
	if exec.Errors == nil {
		errs = []byte("[]")
	} else if errs, err = json.Marshal(exec.Errors); err != nil {
		return nil, nil, nil, nil, eris.Wrap(err, "importer: marshal errors")
	}
	if exec.Warnings == nil {
		warns = []byte("[]")
	} else if warns, err = json.Marshal(exec.Warnings); err != nil {
		return nil, nil, nil, nil, eris.Wrap(err, "importer: marshal warnings")
	}
	return opts, stats, errs, warns, nil
}

func firstExecution(rows pgx.Rows) (*ImportExecution, error) {
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanExecution(rows)
}

func scanExecution(rows pgx.Rows) (*ImportExecution, error) {
	var (
		exec                     ImportExecution
		trigger, status          string
		opts, stats, errs, warns []byte
	)
	if err := rows.Scan(&exec.ID, &trigger, &exec.TriggerActor, &status,
		&opts, &stats, &errs, &warns,
		&exec.RetryCount, &exec.StartedAt, &exec.FinishedAt, &exec.CreatedAt); err != nil {
		return nil, eris.Wrap(err, "importer: scan execution")
	}
	exec.TriggerType = TriggerType(trigger)
	exec.Status = ExecStatus(status)
	if err := json.Unmarshal(opts, &exec.Options); err != nil {
		return nil, eris.Wrap(err, "importer: unmarshal options")
	}
	if err := json.Unmarshal(stats, &exec.Stats); err != nil {
		return nil, eris.Wrap(err, "importer: unmarshal stats")
	}
	if err := json.Unmarshal(errs, &exec.Errors); err != nil {
		return nil, eris.Wrap(err, "importer: unmarshal errors")
	}
	if err := json.Unmarshal(warns, &exec.Warnings); err != nil {
		return nil, eris.Wrap(err, "importer: unmarshal warnings")
	}
	return &exec, nil
}
