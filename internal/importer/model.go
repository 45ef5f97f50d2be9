// Package importer orchestrates the reconciliation pipeline: dataset
// acquisition, qualification evaluation, designation diffing,
// affected-business resolution, and the persisted execution record.
package importer

import (
	"time"

	"github.com/google/uuid"

	"github.com/sba-tools/hubzone-cli/internal/designation"
)

// TriggerType records who started an execution.
type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerManual    TriggerType = "manual"
)

// ExecStatus is the execution state machine:
// pending → running → {completed, failed, cancelled}.
type ExecStatus string

const (
	StatusPending   ExecStatus = "pending"
	StatusRunning   ExecStatus = "running"
	StatusCompleted ExecStatus = "completed"
	StatusFailed    ExecStatus = "failed"
	StatusCancelled ExecStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Severity distinguishes fatal errors from recorded warnings.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Error codes in the execution error taxonomy.
const (
	CodeDatasetUnavailable     = "dataset_unavailable"
	CodeEvaluationDataMissing  = "evaluation_data_missing"
	CodeReconciliationConflict = "reconciliation_conflict"
	CodePersistenceFailure     = "persistence_failure"
	CodeGeospatialResolution   = "geospatial_resolution_error"
)

// ExecError is one recorded error or warning from a run.
type ExecError struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	GEOID      string    `json:"geoid,omitempty"`
	Severity   Severity  `json:"severity"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Options is the free-form options bag for a run.
type Options struct {
	DryRun            bool     `json:"dry_run"`
	SkipNotifications bool     `json:"skip_notifications"`
	States            []string `json:"states,omitempty"` // FIPS scope filter
}

// ImportExecution is the persisted record of one pipeline run.
type ImportExecution struct {
	ID           uuid.UUID              `json:"id"`
	TriggerType  TriggerType            `json:"trigger_type"`
	TriggerActor string                 `json:"trigger_actor"`
	Status       ExecStatus             `json:"status"`
	Options      Options                `json:"options"`
	Stats        designation.Statistics `json:"stats"`
	Errors       []ExecError            `json:"errors,omitempty"`
	Warnings     []ExecError            `json:"warnings,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	FinishedAt   *time.Time             `json:"finished_at,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// AddError appends a fatal error to the record.
func (e *ImportExecution) AddError(code, message, geoid string) {
	e.Errors = append(e.Errors, ExecError{
		Code: code, Message: message, GEOID: geoid,
		Severity: SeverityError, OccurredAt: time.Now().UTC(),
	})
}

// AddWarning appends a non-fatal warning to the record.
func (e *ImportExecution) AddWarning(code, message, geoid string) {
	e.Warnings = append(e.Warnings, ExecError{
		Code: code, Message: message, GEOID: geoid,
		Severity: SeverityWarning, OccurredAt: time.Now().UTC(),
	})
}
