package workflow

import (
	"sync"
	"time"

	"github.com/pathomics/wsiflow/errors"
)

// Store is the in-memory entity repository. It exclusively owns all
// workflow and job records; other components hold identifiers and go
// through the Store's atomic operations. Reads return snapshots, writes
// mutate under the lock and return the new snapshot.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	jobs      map[string]*Job

	// Creation-order indexes so listings are deterministic
	userWorkflows map[string][]string // user_id -> workflow ids
	workflowJobs  map[string][]string // workflow_id -> job ids
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		workflows:     make(map[string]*Workflow),
		jobs:          make(map[string]*Job),
		userWorkflows: make(map[string][]string),
		workflowJobs:  make(map[string][]string),
	}
}

// CreateWorkflow persists a new workflow record
func (s *Store) CreateWorkflow(w *Workflow) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[w.ID]; exists {
		return nil, errors.Newf("workflow %s already exists", w.ID)
	}
	stored := cloneWorkflow(w)
	s.workflows[w.ID] = stored
	s.userWorkflows[w.UserID] = append(s.userWorkflows[w.UserID], w.ID)
	return cloneWorkflow(stored), nil
}

// GetWorkflow returns a snapshot of the workflow
func (s *Store) GetWorkflow(id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil, errors.NewNotFoundError("workflow %s", id)
	}
	return cloneWorkflow(w), nil
}

// UpdateWorkflow applies mutate to the workflow under the store lock and
// returns the new snapshot. A mutate error aborts the update.
func (s *Store) UpdateWorkflow(id string, mutate func(*Workflow) error) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil, errors.NewNotFoundError("workflow %s", id)
	}
	if err := mutate(w); err != nil {
		return nil, err
	}
	return cloneWorkflow(w), nil
}

// ListUserWorkflows returns snapshots of a user's workflows in creation order
func (s *Store) ListUserWorkflows(userID string) []*Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.userWorkflows[userID]
	out := make([]*Workflow, 0, len(ids))
	for _, id := range ids {
		if w, ok := s.workflows[id]; ok {
			out = append(out, cloneWorkflow(w))
		}
	}
	return out
}

// CreateJob persists a new job record
func (s *Store) CreateJob(j *Job) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.ID]; exists {
		return nil, errors.Newf("job %s already exists", j.ID)
	}
	stored := cloneJob(j)
	s.jobs[j.ID] = stored
	s.workflowJobs[j.WorkflowID] = append(s.workflowJobs[j.WorkflowID], j.ID)
	return cloneJob(stored), nil
}

// GetJob returns a snapshot of the job
func (s *Store) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	return cloneJob(j), nil
}

// UpdateJob applies mutate to the job under the store lock and returns
// the new snapshot. A mutate error aborts the update, so rejected
// lifecycle transitions leave the record untouched.
func (s *Store) UpdateJob(id string, mutate func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err := mutate(j); err != nil {
		return nil, err
	}
	return cloneJob(j), nil
}

// ListWorkflowJobs returns snapshots of a workflow's jobs in creation order
func (s *Store) ListWorkflowJobs(workflowID string) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.workflowJobs[workflowID]
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok {
			out = append(out, cloneJob(j))
		}
	}
	return out
}

// ListBranchJobs returns snapshots of one branch's jobs in creation order
func (s *Store) ListBranchJobs(workflowID, branchID string) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.workflowJobs[workflowID]
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok && j.BranchID == branchID {
			out = append(out, cloneJob(j))
		}
	}
	return out
}

// WorkflowProgressPercent returns the workflow's aggregate progress, the
// arithmetic mean of its jobs' progress percents. Zero when the workflow
// has no jobs.
func (s *Store) WorkflowProgressPercent(workflowID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.workflowJobs[workflowID]
	if len(ids) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok {
			sum += j.ProgressPercent
		}
	}
	return sum / float64(len(ids))
}

// ListRunningJobsForUser returns snapshots of a user's RUNNING jobs
func (s *Store) ListRunningJobsForUser(userID string) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Job
	for _, j := range s.jobs {
		if j.UserID == userID && j.Status == JobStatusRunning {
			out = append(out, cloneJob(j))
		}
	}
	return out
}

func cloneWorkflow(w *Workflow) *Workflow {
	c := *w
	c.StartedAt = cloneTime(w.StartedAt)
	c.CompletedAt = cloneTime(w.CompletedAt)
	c.DAG = DAG{Branches: make(map[string][]JobConfig, len(w.DAG.Branches))}
	for branch, configs := range w.DAG.Branches {
		c.DAG.Branches[branch] = append([]JobConfig(nil), configs...)
	}
	return &c
}

func cloneJob(j *Job) *Job {
	c := *j
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	if j.Params != nil {
		c.Params = make(map[string]interface{}, len(j.Params))
		for k, v := range j.Params {
			c.Params[k] = v
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
