package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pathomics/wsiflow/errors"
)

// Scheduler executes jobs under a global worker semaphore of capacity
// maxWorkers and a per-branch serialization token, so at most maxWorkers
// jobs run process-wide and at most one job runs per branch.
type Scheduler struct {
	store    *Store
	hub      *ProgressHub
	executor JobExecutor

	maxWorkers  int
	workerSlots chan struct{}

	mu          sync.Mutex
	branchLocks map[string]*sync.Mutex
	running     map[string]bool

	log *zap.SugaredLogger
}

// NewScheduler creates a scheduler with the given worker capacity
func NewScheduler(store *Store, hub *ProgressHub, executor JobExecutor, maxWorkers int, log *zap.SugaredLogger) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	s := &Scheduler{
		store:       store,
		hub:         hub,
		executor:    executor,
		maxWorkers:  maxWorkers,
		workerSlots: make(chan struct{}, maxWorkers),
		branchLocks: make(map[string]*sync.Mutex),
		running:     make(map[string]bool),
		log:         log.Named("scheduler"),
	}
	s.log.Infow("Scheduler initialized", "max_workers", maxWorkers)
	return s
}

func branchKey(workflowID, branchID string) string {
	return fmt.Sprintf("%s:%s", workflowID, branchID)
}

// branchLock returns the serialization token for a branch, creating it
// lazily on first use. Tokens persist for the life of the process.
func (s *Scheduler) branchLock(workflowID, branchID string) *sync.Mutex {
	key := branchKey(workflowID, branchID)

	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.branchLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.branchLocks[key] = lock
	}
	return lock
}

// ScheduleJob runs one job to termination: acquire the branch token,
// re-read the job (skipping execution if it was cancelled while queued),
// acquire a worker slot, execute, and record the terminal state. The
// call blocks until the job reaches a terminal state or is skipped.
func (s *Scheduler) ScheduleJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return errors.Wrap(err, "failed to schedule job")
	}

	lock := s.branchLock(job.WorkflowID, job.BranchID)
	lock.Lock()
	defer lock.Unlock()

	s.log.Debugw("Job acquired branch token",
		"job_id", job.ID,
		"workflow_id", job.WorkflowID,
		"branch_id", job.BranchID)

	// Re-read under the branch token: a cancel that won the race leaves
	// the job CANCELLED and we skip it without consuming a worker slot.
	job, err = s.store.GetJob(jobID)
	if err != nil {
		return errors.Wrap(err, "failed to re-read job under branch token")
	}
	if job.Status == JobStatusCancelled {
		s.log.Infow("Job was cancelled while queued, skipping", "job_id", job.ID)
		return nil
	}

	select {
	case s.workerSlots <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "gave up waiting for worker slot for job %s", jobID)
	}

	job, err = s.store.UpdateJob(jobID, func(j *Job) error { return j.Start() })
	if err != nil {
		<-s.workerSlots
		return errors.Wrap(err, "failed to mark job running")
	}

	s.mu.Lock()
	s.running[jobID] = true
	s.mu.Unlock()

	// Guaranteed post-step: release the slot and running-set entry and
	// recompute the workflow aggregate whatever the executor does,
	// including an unwinding panic.
	defer func() {
		s.mu.Lock()
		delete(s.running, jobID)
		s.mu.Unlock()
		<-s.workerSlots

		s.recomputeWorkflow(job.WorkflowID)
	}()

	s.hub.PublishJob(job)
	s.log.Infow("Job started",
		"job_id", job.ID,
		"workflow_id", job.WorkflowID,
		"branch_id", job.BranchID,
		"type", job.Type)

	if execErr := s.executor.Execute(ctx, job); execErr != nil {
		s.log.Errorw("Job execution failed", "job_id", jobID, "error", execErr)
		failed, err := s.store.UpdateJob(jobID, func(j *Job) error { return j.Fail(execErr) })
		if err != nil {
			return errors.Wrap(err, "failed to record job failure")
		}
		s.hub.PublishJob(failed)
		return nil
	}

	s.log.Infow("Job completed", "job_id", jobID)
	return nil
}

// CancelJob cancels a PENDING job. Returns true when the job was moved
// to CANCELLED; false when its current status does not permit
// cancellation. Running jobs cannot be preempted.
func (s *Scheduler) CancelJob(jobID string) (bool, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return false, err
	}

	if job.Status != JobStatusPending {
		s.log.Warnw("Cannot cancel job", "job_id", jobID, "status", job.Status)
		return false, nil
	}

	cancelled, err := s.store.UpdateJob(jobID, func(j *Job) error { return j.Cancel() })
	if err != nil {
		// Lost the race against the branch dispatcher's start.
		if errors.IsInvalidStateError(err) {
			return false, nil
		}
		return false, err
	}

	s.log.Infow("Job cancelled", "job_id", jobID)
	s.hub.PublishJob(cancelled)
	s.recomputeWorkflow(cancelled.WorkflowID)
	return true, nil
}

// recomputeWorkflow derives the workflow aggregate from its jobs after a
// terminal job transition and publishes a workflow progress event.
func (s *Scheduler) recomputeWorkflow(workflowID string) {
	jobs := s.store.ListWorkflowJobs(workflowID)

	completed, failed, cancelled, anyRunning := 0, 0, 0, false
	for _, j := range jobs {
		switch j.Status {
		case JobStatusSucceeded:
			completed++
		case JobStatusFailed:
			failed++
		case JobStatusCancelled:
			cancelled++
		case JobStatusRunning:
			anyRunning = true
		}
	}

	_, err := s.store.UpdateWorkflow(workflowID, func(w *Workflow) error {
		w.CompletedJobs = completed
		w.FailedJobs = failed

		switch {
		case completed+failed+cancelled == w.TotalJobs:
			if failed > 0 {
				w.Status = WorkflowStatusFailed
			} else {
				w.Status = WorkflowStatusSucceeded
			}
			if w.CompletedAt == nil {
				now := time.Now().UTC()
				w.CompletedAt = &now
			}
		case completed > 0 || anyRunning:
			w.Status = WorkflowStatusRunning
		default:
			w.Status = WorkflowStatusPending
		}
		return nil
	})
	if err != nil {
		s.log.Warnw("Workflow not found for aggregate recompute", "workflow_id", workflowID, "error", err)
		return
	}

	s.log.Debugw("Workflow aggregate updated",
		"workflow_id", workflowID,
		"completed", completed,
		"failed", failed,
		"total", len(jobs))

	s.hub.PublishWorkflow(workflowID)
}

// RunningCount returns the number of jobs currently holding worker slots
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// MaxWorkers returns the worker semaphore capacity
func (s *Scheduler) MaxWorkers() int {
	return s.maxWorkers
}
