package server

import (
	"net/http"
	"time"

	"github.com/pathomics/wsiflow/errors"
	"github.com/pathomics/wsiflow/workflow"
)

// userIDHeader carries the tenant identity. There is no authentication
// layer; the header is trusted as-is.
const userIDHeader = "X-User-ID"

// requireUser extracts the tenant id, writing a 400 when it is missing
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "Missing X-User-ID header")
		return "", false
	}
	return userID, true
}

// CreateWorkflowRequest is the POST /workflows body
type CreateWorkflowRequest struct {
	Name string       `json:"name"`
	DAG  workflow.DAG `json:"dag"`
}

// WorkflowResponse is a workflow snapshot annotated with its aggregate
// progress, the mean of its jobs' progress percents
type WorkflowResponse struct {
	*workflow.Workflow
	ProgressPercent float64 `json:"progress_percent"`
}

// CancelWorkflowResponse reports how many jobs a cancellation affected
type CancelWorkflowResponse struct {
	WorkflowID     string `json:"workflow_id"`
	CancelledCount int    `json:"cancelled_count"`
}

func (s *Server) workflowResponse(wf *workflow.Workflow) WorkflowResponse {
	return WorkflowResponse{
		Workflow:        wf,
		ProgressPercent: s.store.WorkflowProgressPercent(wf.ID),
	}
}

// handleWorkflows serves workflow submission and listing
func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handleCreateWorkflow(w, r, userID)
	case http.MethodGet:
		workflows := s.store.ListUserWorkflows(userID)
		out := make([]WorkflowResponse, 0, len(workflows))
		for _, wf := range workflows {
			out = append(out, s.workflowResponse(wf))
		}
		writeJSON(w, http.StatusOK, out)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request, userID string) {
	var req CreateWorkflowRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Workflow name is required")
		return
	}

	created, err := s.driver.CreateWorkflow(userID, req.Name, req.DAG)
	if err != nil {
		if errors.IsInvalidRequestError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Errorw("Workflow creation failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create workflow")
		return
	}

	s.logger.Infow("Workflow submitted",
		"workflow_id", shortID(created.ID),
		"user_id", userID,
		"total_jobs", created.TotalJobs)
	writeJSON(w, http.StatusOK, s.workflowResponse(created))
}

// handleWorkflowByID serves workflow detail, job listing, and cancellation.
// Paths: {prefix}/workflows/{id} (GET/DELETE), {prefix}/workflows/{id}/jobs (GET).
func (s *Server) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	parts := extractPathParts(r.URL.Path, s.cfg.App.APIPrefix+"/workflows/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "Workflow not found")
		return
	}
	workflowID := parts[0]

	wf, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Workflow not found")
		return
	}
	if wf.UserID != userID {
		writeError(w, http.StatusForbidden, "Workflow belongs to another user")
		return
	}

	if len(parts) == 2 && parts[1] == "jobs" {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, s.store.ListWorkflowJobs(workflowID))
		return
	}
	if len(parts) > 1 {
		writeError(w, http.StatusNotFound, "Unknown workflow resource")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.workflowResponse(wf))
	case http.MethodDelete:
		cancelled, err := s.driver.CancelWorkflow(workflowID)
		if err != nil {
			writeError(w, http.StatusNotFound, "Workflow not found")
			return
		}
		writeJSON(w, http.StatusOK, CancelWorkflowResponse{
			WorkflowID:     workflowID,
			CancelledCount: cancelled,
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleJobByID serves job detail and cancellation.
// Paths: {prefix}/jobs/{id} (GET), {prefix}/jobs/{id}/cancel (POST).
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	parts := extractPathParts(r.URL.Path, s.cfg.App.APIPrefix+"/jobs/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	jobID := parts[0]

	job, err := s.store.GetJob(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if job.UserID != userID {
		writeError(w, http.StatusForbidden, "Job belongs to another user")
		return
	}

	if len(parts) == 2 && parts[1] == "cancel" {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		cancelled, err := s.scheduler.CancelJob(jobID)
		if err != nil {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		if !cancelled {
			writeError(w, http.StatusBadRequest, "Only pending jobs can be cancelled")
			return
		}
		updated, err := s.store.GetJob(jobID)
		if err != nil {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		writeJSON(w, http.StatusOK, updated)
		return
	}
	if len(parts) > 1 {
		writeError(w, http.StatusNotFound, "Unknown job resource")
		return
	}

	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleHealth is the liveness probe
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// StatusResponse is the observability snapshot served at /status
type StatusResponse struct {
	App           string                `json:"app"`
	UptimeSeconds float64               `json:"uptime_seconds"`
	RunningJobs   int                   `json:"running_jobs"`
	MaxWorkers    int                   `json:"max_workers"`
	Tenants       workflow.TenantStatus `json:"tenants"`
}

// handleStatus reports scheduler load and tenant admission counters
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		App:           s.cfg.App.Name,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		RunningJobs:   s.scheduler.RunningCount(),
		MaxWorkers:    s.scheduler.MaxWorkers(),
		Tenants:       s.tenants.Status(),
	})
}
