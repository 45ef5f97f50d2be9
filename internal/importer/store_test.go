package importer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndUpdateExecution(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	exec := &ImportExecution{
		ID:           uuid.New(),
		TriggerType:  TriggerManual,
		TriggerActor: "operator@sba.gov",
		Status:       StatusPending,
		Options:      Options{DryRun: true, States: []string{"11"}},
		CreatedAt:    time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO hubzone.import_executions").
		WithArgs(exec.ID, "manual", "operator@sba.gov", "pending",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			0, exec.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := NewPostgresExecutionStore(mock)
	require.NoError(t, s.Create(context.Background(), exec))

	started := time.Now().UTC()
	exec.Status = StatusRunning
	exec.StartedAt = &started

	mock.ExpectExec("UPDATE hubzone.import_executions").
		WithArgs(exec.ID, "running",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			0, &started, (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.Update(context.Background(), exec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateExecution_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	exec := &ImportExecution{ID: uuid.New(), Status: StatusCompleted}
	mock.ExpectExec("UPDATE hubzone.import_executions").
		WithArgs(exec.ID, "completed",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			0, (*time.Time)(nil), (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	s := NewPostgresExecutionStore(mock)
	assert.Error(t, s.Update(context.Background(), exec))
}

func executionRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "trigger_type", "trigger_actor", "status", "options", "stats",
		"errors", "warnings", "retry_count", "started_at", "finished_at", "created_at",
	})
}

func TestGetExecution(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT id, trigger_type").
		WithArgs(id).
		WillReturnRows(executionRows().AddRow(
			id, "scheduled", "", "completed",
			[]byte(`{"dry_run":false}`), []byte(`{"new":3,"total_active":100}`),
			[]byte(`[]`), []byte(`[{"code":"dataset_unavailable","message":"state 72","severity":"warning","occurred_at":"2026-07-01T00:00:00Z"}]`),
			0, &now, &now, now,
		))

	s := NewPostgresExecutionStore(mock)
	got, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 3, got.Stats.New)
	require.Len(t, got.Warnings, 1)
	assert.Equal(t, CodeDatasetUnavailable, got.Warnings[0].Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentExecution_NoneRunning(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT id, trigger_type").
		WillReturnRows(executionRows())

	s := NewPostgresExecutionStore(mock)
	got, err := s.Current(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAcquireLease_Free(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectExec("UPDATE hubzone.execution_lock").
		WithArgs(id, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	s := NewPostgresExecutionStore(mock)
	ok, holder, err := s.AcquireLease(context.Background(), id, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, holder)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLease_Held(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	other := uuid.New()
	mock.ExpectExec("UPDATE hubzone.execution_lock").
		WithArgs(id, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT holder FROM hubzone.execution_lock").
		WillReturnRows(pgxmock.NewRows([]string{"holder"}).AddRow(other))

	s := NewPostgresExecutionStore(mock)
	ok, holder, err := s.AcquireLease(context.Background(), id, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, other, holder, "conflict names the in-progress execution")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseLease(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectExec("UPDATE hubzone.execution_lock").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	s := NewPostgresExecutionStore(mock)
	require.NoError(t, s.ReleaseLease(context.Background(), id))
	require.NoError(t, mock.ExpectationsWereMet())
}
