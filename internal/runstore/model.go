// Package runstore persists the audit trail of pipeline runs: who generated
// which study's grid, when, and with what outcome.
package runstore

import (
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is one recorded pipeline execution.
type Run struct {
	ID            uuid.UUID  `json:"id"`
	Study         string     `json:"study"`
	Status        string     `json:"status"`
	CreatedBy     string     `json:"created_by,omitempty"`
	ArtifactDir   string     `json:"artifact_dir,omitempty"`
	VisitCount    int        `json:"visit_count"`
	RowCount      int        `json:"row_count"`
	UnmappedCount int        `json:"unmapped_count"`
	FailedStage   string     `json:"failed_stage,omitempty"`
	Error         *string    `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
