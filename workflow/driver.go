package workflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pathomics/wsiflow/errors"
)

// Driver is the orchestration entrypoint. It validates and persists
// submitted workflows, then drives them through tenant admission and
// per-branch dispatch in background goroutines.
type Driver struct {
	store     *Store
	tenants   *TenantManager
	scheduler *Scheduler
	hub       *ProgressHub
	log       *zap.SugaredLogger

	wg sync.WaitGroup
}

// NewDriver wires the orchestration components together
func NewDriver(store *Store, tenants *TenantManager, scheduler *Scheduler, hub *ProgressHub, log *zap.SugaredLogger) *Driver {
	return &Driver{
		store:     store,
		tenants:   tenants,
		scheduler: scheduler,
		hub:       hub,
		log:       log.Named("driver"),
	}
}

// CreateWorkflow validates the DAG, persists the workflow and its jobs,
// and starts the run in the background. The returned snapshot reflects
// the PENDING state at submission.
func (d *Driver) CreateWorkflow(userID, name string, dag DAG) (*Workflow, error) {
	if err := validateDAG(dag); err != nil {
		return nil, err
	}

	w := NewWorkflow(userID, name, dag)
	stored, err := d.store.CreateWorkflow(w)
	if err != nil {
		return nil, errors.Wrap(err, "failed to persist workflow")
	}

	// Persist jobs per branch in declaration order so listing order
	// matches DAG order.
	branchJobs := make(map[string][]string, len(dag.Branches))
	for branchID, configs := range dag.Branches {
		for _, cfg := range configs {
			job := NewJob(w.ID, branchID, userID, cfg)
			if _, err := d.store.CreateJob(job); err != nil {
				return nil, errors.Wrap(err, "failed to persist job")
			}
			branchJobs[branchID] = append(branchJobs[branchID], job.ID)
		}
	}

	d.log.Infow("Workflow created",
		"workflow_id", w.ID,
		"user_id", userID,
		"name", name,
		"branches", len(dag.Branches),
		"total_jobs", w.TotalJobs)

	d.wg.Add(1)
	go d.run(w.ID, userID, branchJobs)

	return stored, nil
}

// validateDAG rejects empty or malformed DAGs before anything is persisted
func validateDAG(dag DAG) error {
	if len(dag.Branches) == 0 {
		return errors.Wrap(errors.ErrInvalidRequest, "workflow DAG has no branches")
	}
	for branchID, configs := range dag.Branches {
		if branchID == "" {
			return errors.Wrap(errors.ErrInvalidRequest, "workflow DAG has an unnamed branch")
		}
		if len(configs) == 0 {
			return errors.Wrapf(errors.ErrInvalidRequest, "branch %s has no jobs", branchID)
		}
		for _, cfg := range configs {
			if !IsValidJobType(string(cfg.Type)) {
				return errors.Wrapf(errors.ErrInvalidRequest, "branch %s has unknown job type %q", branchID, cfg.Type)
			}
			if cfg.InputImagePath == "" {
				return errors.Wrapf(errors.ErrInvalidRequest, "branch %s has a job without an input image", branchID)
			}
		}
	}
	return nil
}

// run drives one workflow: admission, branch dispatch, completion. The
// driver holds the tenant reference for the whole run so the slot cannot
// be released between consecutive jobs of the same workflow.
func (d *Driver) run(workflowID, userID string, branchJobs map[string][]string) {
	defer d.wg.Done()

	d.tenants.AcquireUserSlot(userID)
	d.tenants.RegisterJobStart(userID)
	defer d.tenants.RegisterJobEnd(userID)

	_, err := d.store.UpdateWorkflow(workflowID, func(w *Workflow) error {
		if w.Status != WorkflowStatusPending {
			return nil
		}
		now := time.Now().UTC()
		w.Status = WorkflowStatusRunning
		w.StartedAt = &now
		return nil
	})
	if err != nil {
		d.log.Errorw("Failed to mark workflow running", "workflow_id", workflowID, "error", err)
		return
	}
	d.hub.PublishWorkflow(workflowID)

	ctx := context.Background()

	var branches sync.WaitGroup
	for branchID, jobIDs := range branchJobs {
		branches.Add(1)
		go func(branchID string, jobIDs []string) {
			defer branches.Done()
			d.runBranch(ctx, workflowID, userID, branchID, jobIDs)
		}(branchID, jobIDs)
	}
	branches.Wait()

	d.log.Infow("Workflow run finished", "workflow_id", workflowID, "user_id", userID)
}

// runBranch dispatches a branch's jobs in order. Each job carries its own
// tenant reference for the span of its scheduling call.
func (d *Driver) runBranch(ctx context.Context, workflowID, userID, branchID string, jobIDs []string) {
	for _, jobID := range jobIDs {
		d.tenants.RegisterJobStart(userID)
		err := d.scheduler.ScheduleJob(ctx, jobID)
		d.tenants.RegisterJobEnd(userID)
		if err != nil {
			d.log.Errorw("Branch dispatch error",
				"workflow_id", workflowID,
				"branch_id", branchID,
				"job_id", jobID,
				"error", err)
		}
	}
}

// CancelWorkflow cancels every PENDING job of the workflow and returns
// how many were cancelled. Running jobs finish on their own.
func (d *Driver) CancelWorkflow(workflowID string) (int, error) {
	if _, err := d.store.GetWorkflow(workflowID); err != nil {
		return 0, err
	}

	cancelled := 0
	for _, job := range d.store.ListWorkflowJobs(workflowID) {
		if job.Status != JobStatusPending {
			continue
		}
		ok, err := d.scheduler.CancelJob(job.ID)
		if err != nil {
			d.log.Warnw("Failed to cancel job", "job_id", job.ID, "error", err)
			continue
		}
		if ok {
			cancelled++
		}
	}

	d.log.Infow("Workflow cancellation requested", "workflow_id", workflowID, "cancelled_jobs", cancelled)
	return cancelled, nil
}

// Wait blocks until all in-flight workflow runs have finished
func (d *Driver) Wait() {
	d.wg.Wait()
}
