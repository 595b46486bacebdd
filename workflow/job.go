// Package workflow provides branch-aware, multi-tenant scheduling of
// long-running image-processing jobs: entity lifecycle, in-memory storage,
// tenant admission, the scheduling engine, and progress fan-out.
package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/pathomics/wsiflow/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// Terminal returns true once a job can no longer change status
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidJobStatus returns true if the status string is a valid JobStatus
func IsValidJobStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusRunning, JobStatusSucceeded,
		JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// WorkflowStatus represents the aggregate state of a workflow
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "PENDING"
	WorkflowStatusRunning   WorkflowStatus = "RUNNING"
	WorkflowStatusSucceeded WorkflowStatus = "SUCCEEDED"
	WorkflowStatusFailed    WorkflowStatus = "FAILED"
	// WorkflowStatusCancelled is reserved: workflow cancellation cancels
	// pending jobs only and the aggregate resolves through the counters.
	WorkflowStatusCancelled WorkflowStatus = "CANCELLED"
)

// Terminal returns true once a workflow can no longer change status
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusSucceeded, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	default:
		return false
	}
}

// JobType identifies which processing pipeline a job runs
type JobType string

const (
	JobTypeSegmentation JobType = "SEGMENTATION"
	JobTypeTissueMask   JobType = "TISSUE_MASK"
)

// IsValidJobType returns true if the type string is a known JobType
func IsValidJobType(t string) bool {
	switch JobType(t) {
	case JobTypeSegmentation, JobTypeTissueMask:
		return true
	default:
		return false
	}
}

// JobConfig is the input-only description of a single job in a DAG branch
type JobConfig struct {
	Type           JobType                `json:"type"`
	InputImagePath string                 `json:"input_image_path"`
	Params         map[string]interface{} `json:"params,omitempty"`
}

// DAG maps branch ids to ordered job configurations. Jobs within a branch
// execute serially in declaration order; branches are independent.
type DAG struct {
	Branches map[string][]JobConfig `json:"branches"`
}

// TotalJobs returns the number of jobs across all branches
func (d DAG) TotalJobs() int {
	total := 0
	for _, configs := range d.Branches {
		total += len(configs)
	}
	return total
}

// Job is the atomic unit of execution
type Job struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	BranchID   string    `json:"branch_id"`
	UserID     string    `json:"user_id"`
	Type       JobType   `json:"type"`
	Status     JobStatus `json:"status"`

	InputImagePath string `json:"input_image_path"`
	OutputPath     string `json:"output_path,omitempty"`

	// Progress tracking
	ProgressPercent float64 `json:"progress_percent"`
	TilesProcessed  int     `json:"tiles_processed"`
	TilesTotal      int     `json:"tiles_total"`

	Params       map[string]interface{} `json:"params,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a PENDING job from a branch job configuration
func NewJob(workflowID, branchID, userID string, cfg JobConfig) *Job {
	return &Job{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		BranchID:       branchID,
		UserID:         userID,
		Type:           cfg.Type,
		Status:         JobStatusPending,
		InputImagePath: cfg.InputImagePath,
		Params:         cfg.Params,
		CreatedAt:      time.Now().UTC(),
	}
}

// Legal job transitions:
//
//	PENDING → RUNNING | CANCELLED
//	RUNNING → SUCCEEDED | FAILED
//
// Terminal states never change. All other transitions are rejected.

// Start marks the job as running
func (j *Job) Start() error {
	if j.Status != JobStatusPending {
		return errors.NewInvalidStateError("cannot start job %s from status %s", j.ID, j.Status)
	}
	now := time.Now().UTC()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	return nil
}

// Succeed marks the job as succeeded with full progress
func (j *Job) Succeed() error {
	if j.Status != JobStatusRunning {
		return errors.NewInvalidStateError("cannot succeed job %s from status %s", j.ID, j.Status)
	}
	now := time.Now().UTC()
	j.Status = JobStatusSucceeded
	j.ProgressPercent = 100.0
	j.CompletedAt = &now
	return nil
}

// Fail marks the job as failed with an error message
func (j *Job) Fail(cause error) error {
	if j.Status != JobStatusRunning {
		return errors.NewInvalidStateError("cannot fail job %s from status %s", j.ID, j.Status)
	}
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	j.ErrorMessage = cause.Error()
	j.CompletedAt = &now
	return nil
}

// Cancel marks a pending job as cancelled. Running jobs cannot be
// preempted; they run to termination.
func (j *Job) Cancel() error {
	if j.Status != JobStatusPending {
		return errors.NewInvalidStateError("cannot cancel job %s from status %s", j.ID, j.Status)
	}
	now := time.Now().UTC()
	j.Status = JobStatusCancelled
	j.CompletedAt = &now
	return nil
}

// SetProgress updates the job's progress counters. Progress percent is
// monotone within a job's lifetime; a lower value is ignored.
func (j *Job) SetProgress(percent float64, tilesProcessed, tilesTotal int) {
	if percent > j.ProgressPercent {
		j.ProgressPercent = percent
	}
	if tilesProcessed > j.TilesProcessed {
		j.TilesProcessed = tilesProcessed
	}
	if tilesTotal > 0 {
		j.TilesTotal = tilesTotal
	}
}

// Workflow is a user-submitted unit of work consisting of branches of jobs
type Workflow struct {
	ID     string         `json:"id"`
	UserID string         `json:"user_id"`
	Name   string         `json:"name"`
	DAG    DAG            `json:"dag"`
	Status WorkflowStatus `json:"status"`

	TotalJobs     int `json:"total_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewWorkflow creates a PENDING workflow for the given DAG
func NewWorkflow(userID, name string, dag DAG) *Workflow {
	return &Workflow{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		DAG:       dag,
		Status:    WorkflowStatusPending,
		TotalJobs: dag.TotalJobs(),
		CreatedAt: time.Now().UTC(),
	}
}
