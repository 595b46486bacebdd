package workflow

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink receives progress messages for one subscription. Send must not
// block indefinitely; a Send error drops the sink from the hub.
type Sink interface {
	Send(msg interface{}) error
}

// ProgressUpdate is the per-job progress event delivered to job sinks
type ProgressUpdate struct {
	Type            string    `json:"type"`
	JobID           string    `json:"job_id"`
	WorkflowID      string    `json:"workflow_id"`
	Status          JobStatus `json:"status"`
	ProgressPercent float64   `json:"progress_percent"`
	TilesProcessed  int       `json:"tiles_processed"`
	TilesTotal      int       `json:"tiles_total"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// WorkflowProgressUpdate is the aggregate event delivered to workflow sinks
type WorkflowProgressUpdate struct {
	Type            string         `json:"type"`
	WorkflowID      string         `json:"workflow_id"`
	Status          WorkflowStatus `json:"status"`
	TotalJobs       int            `json:"total_jobs"`
	CompletedJobs   int            `json:"completed_jobs"`
	FailedJobs      int            `json:"failed_jobs"`
	ProgressPercent float64        `json:"progress_percent"`
	Timestamp       time.Time      `json:"timestamp"`
}

// ProgressHub fans progress events out to subscribed sinks, keyed by job
// id and by workflow id. Delivery is best effort: publishing never blocks
// on a slow consumer and a failing sink is dropped from the hub.
type ProgressHub struct {
	store *Store
	log   *zap.SugaredLogger

	mu            sync.RWMutex
	jobSinks      map[string]map[Sink]bool
	workflowSinks map[string]map[Sink]bool
}

// NewProgressHub creates an empty hub backed by the store
func NewProgressHub(store *Store, log *zap.SugaredLogger) *ProgressHub {
	return &ProgressHub{
		store:         store,
		log:           log.Named("hub"),
		jobSinks:      make(map[string]map[Sink]bool),
		workflowSinks: make(map[string]map[Sink]bool),
	}
}

// SubscribeJob registers a sink for one job's progress events
func (h *ProgressHub) SubscribeJob(jobID string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.jobSinks[jobID] == nil {
		h.jobSinks[jobID] = make(map[Sink]bool)
	}
	h.jobSinks[jobID][sink] = true
	h.log.Debugw("Job sink subscribed", "job_id", jobID, "sinks", len(h.jobSinks[jobID]))
}

// UnsubscribeJob removes a sink from a job's subscription set
func (h *ProgressHub) UnsubscribeJob(jobID string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeJobSinkLocked(jobID, sink)
}

// SubscribeWorkflow registers a sink for one workflow's aggregate events
func (h *ProgressHub) SubscribeWorkflow(workflowID string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.workflowSinks[workflowID] == nil {
		h.workflowSinks[workflowID] = make(map[Sink]bool)
	}
	h.workflowSinks[workflowID][sink] = true
	h.log.Debugw("Workflow sink subscribed", "workflow_id", workflowID, "sinks", len(h.workflowSinks[workflowID]))
}

// UnsubscribeWorkflow removes a sink from a workflow's subscription set
func (h *ProgressHub) UnsubscribeWorkflow(workflowID string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeWorkflowSinkLocked(workflowID, sink)
}

// PublishJob delivers the job's current state to its subscribed sinks
func (h *ProgressHub) PublishJob(job *Job) {
	if job == nil {
		return
	}

	update := ProgressUpdate{
		Type:            "progress",
		JobID:           job.ID,
		WorkflowID:      job.WorkflowID,
		Status:          job.Status,
		ProgressPercent: job.ProgressPercent,
		TilesProcessed:  job.TilesProcessed,
		TilesTotal:      job.TilesTotal,
		ErrorMessage:    job.ErrorMessage,
		Timestamp:       time.Now().UTC(),
	}

	// Snapshot the sink set so delivery happens outside the hub lock.
	h.mu.RLock()
	sinks := make([]Sink, 0, len(h.jobSinks[job.ID]))
	for sink := range h.jobSinks[job.ID] {
		sinks = append(sinks, sink)
	}
	h.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.Send(update); err != nil {
			h.log.Warnw("Dropping failed job sink", "job_id", job.ID, "error", err)
			h.mu.Lock()
			h.removeJobSinkLocked(job.ID, sink)
			h.mu.Unlock()
		}
	}
}

// PublishWorkflow recomputes the workflow's aggregate progress and
// delivers it to the workflow's subscribed sinks. Aggregate percent is
// the mean of the jobs' progress percents, zero when there are no jobs.
func (h *ProgressHub) PublishWorkflow(workflowID string) {
	w, err := h.store.GetWorkflow(workflowID)
	if err != nil {
		h.log.Warnw("Cannot publish unknown workflow", "workflow_id", workflowID, "error", err)
		return
	}

	update := WorkflowProgressUpdate{
		Type:            "workflow_progress",
		WorkflowID:      w.ID,
		Status:          w.Status,
		TotalJobs:       w.TotalJobs,
		CompletedJobs:   w.CompletedJobs,
		FailedJobs:      w.FailedJobs,
		ProgressPercent: h.store.WorkflowProgressPercent(workflowID),
		Timestamp:       time.Now().UTC(),
	}

	h.mu.RLock()
	sinks := make([]Sink, 0, len(h.workflowSinks[workflowID]))
	for sink := range h.workflowSinks[workflowID] {
		sinks = append(sinks, sink)
	}
	h.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.Send(update); err != nil {
			h.log.Warnw("Dropping failed workflow sink", "workflow_id", workflowID, "error", err)
			h.mu.Lock()
			h.removeWorkflowSinkLocked(workflowID, sink)
			h.mu.Unlock()
		}
	}
}

func (h *ProgressHub) removeJobSinkLocked(jobID string, sink Sink) {
	if set, ok := h.jobSinks[jobID]; ok {
		delete(set, sink)
		if len(set) == 0 {
			delete(h.jobSinks, jobID)
		}
	}
}

func (h *ProgressHub) removeWorkflowSinkLocked(workflowID string, sink Sink) {
	if set, ok := h.workflowSinks[workflowID]; ok {
		delete(set, sink)
		if len(set) == 0 {
			delete(h.workflowSinks, workflowID)
		}
	}
}
