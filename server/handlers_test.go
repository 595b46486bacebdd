package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pathomics/wsiflow/config"
	"github.com/pathomics/wsiflow/workflow"
)

// instantExecutor completes every job immediately
type instantExecutor struct{}

func (instantExecutor) Execute(ctx context.Context, job *workflow.Job) error { return nil }

// gateExecutor blocks executions until release is closed
type gateExecutor struct {
	release chan struct{}
	started chan string
}

func newGateExecutor(capacity int) *gateExecutor {
	return &gateExecutor{
		release: make(chan struct{}),
		started: make(chan string, capacity),
	}
}

func (e *gateExecutor) Execute(ctx context.Context, job *workflow.Job) error {
	e.started <- job.ID
	<-e.release
	return nil
}

type serverFixture struct {
	srv    *Server
	ts     *httptest.Server
	store  *workflow.Store
	driver *workflow.Driver
}

func newServerFixture(t *testing.T, inner workflow.JobExecutor) *serverFixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	cfg := &config.Config{
		App: config.AppConfig{
			Name:      "wsiflow-test",
			APIPrefix: "/api/v1",
		},
		Server: config.ServerConfig{
			Port:           config.DefaultServerPort,
			AllowedOrigins: []string{"http://localhost"},
		},
		Scheduler: config.SchedulerConfig{
			MaxWorkers:     config.DefaultMaxWorkers,
			MaxActiveUsers: config.DefaultMaxActiveUsers,
		},
	}

	store := workflow.NewStore()
	hub := workflow.NewProgressHub(store, log)
	tenants := workflow.NewTenantManager(store, cfg.Scheduler.MaxActiveUsers, log)
	adapter := workflow.NewExecutorAdapter(inner, store, hub, log)
	scheduler := workflow.NewScheduler(store, hub, adapter, cfg.Scheduler.MaxWorkers, log)
	driver := workflow.NewDriver(store, tenants, scheduler, hub, log)

	srv := NewServer(cfg, store, tenants, scheduler, driver, hub, log)
	mux := http.NewServeMux()
	srv.setupHTTPRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &serverFixture{srv: srv, ts: ts, store: store, driver: driver}
}

func (f *serverFixture) request(t *testing.T, method, path, userID string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func validCreateRequest() CreateWorkflowRequest {
	return CreateWorkflowRequest{
		Name: "slide-batch",
		DAG: workflow.DAG{Branches: map[string][]workflow.JobConfig{
			"branch-a": {{
				Type:           workflow.JobTypeSegmentation,
				InputImagePath: "/data/uploads/slide_001.svs",
			}},
		}},
	}
}

func TestHandlers_RequireUserHeader(t *testing.T) {
	f := newServerFixture(t, instantExecutor{})

	for _, path := range []string{"/api/v1/workflows", "/api/v1/workflows/x", "/api/v1/jobs/x"} {
		resp, _ := f.request(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestHandlers_CreateAndGetWorkflow(t *testing.T) {
	f := newServerFixture(t, instantExecutor{})

	resp, body := f.request(t, http.MethodPost, "/api/v1/workflows", "alice", validCreateRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var created workflow.Workflow
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "alice", created.UserID)
	assert.Equal(t, 1, created.TotalJobs)

	resp, body = f.request(t, http.MethodGet, "/api/v1/workflows/"+created.ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got workflow.Workflow
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, created.ID, got.ID)

	resp, body = f.request(t, http.MethodGet, "/api/v1/workflows", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []workflow.Workflow
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed, 1)

	f.driver.Wait()
}

func TestHandlers_CreateWorkflowValidation(t *testing.T) {
	f := newServerFixture(t, instantExecutor{})

	missing := validCreateRequest()
	missing.Name = ""
	resp, _ := f.request(t, http.MethodPost, "/api/v1/workflows", "alice", missing)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	empty := CreateWorkflowRequest{Name: "bad", DAG: workflow.DAG{}}
	resp, body := f.request(t, http.MethodPost, "/api/v1/workflows", "alice", empty)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "no branches")
}

func TestHandlers_WorkflowOwnership(t *testing.T) {
	f := newServerFixture(t, instantExecutor{})

	resp, body := f.request(t, http.MethodPost, "/api/v1/workflows", "alice", validCreateRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created workflow.Workflow
	require.NoError(t, json.Unmarshal(body, &created))

	resp, _ = f.request(t, http.MethodGet, "/api/v1/workflows/"+created.ID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.request(t, http.MethodGet, "/api/v1/workflows/unknown-id", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.driver.Wait()
}

func TestHandlers_ListWorkflowJobs(t *testing.T) {
	f := newServerFixture(t, instantExecutor{})

	req := validCreateRequest()
	req.DAG.Branches["branch-b"] = []workflow.JobConfig{{
		Type:           workflow.JobTypeTissueMask,
		InputImagePath: "/data/uploads/slide_001.svs",
	}}
	resp, body := f.request(t, http.MethodPost, "/api/v1/workflows", "alice", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created workflow.Workflow
	require.NoError(t, json.Unmarshal(body, &created))

	resp, body = f.request(t, http.MethodGet, "/api/v1/workflows/"+created.ID+"/jobs", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs []workflow.Job
	require.NoError(t, json.Unmarshal(body, &jobs))
	assert.Len(t, jobs, 2)

	f.driver.Wait()
}

func TestHandlers_GetJobAndOwnership(t *testing.T) {
	f := newServerFixture(t, instantExecutor{})

	resp, body := f.request(t, http.MethodPost, "/api/v1/workflows", "alice", validCreateRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created workflow.Workflow
	require.NoError(t, json.Unmarshal(body, &created))

	jobs := f.store.ListWorkflowJobs(created.ID)
	require.Len(t, jobs, 1)

	resp, body = f.request(t, http.MethodGet, "/api/v1/jobs/"+jobs[0].ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got workflow.Job
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, jobs[0].ID, got.ID)

	resp, _ = f.request(t, http.MethodGet, "/api/v1/jobs/"+jobs[0].ID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.request(t, http.MethodGet, "/api/v1/jobs/unknown-id", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.driver.Wait()
}

func TestHandlers_CancelJob(t *testing.T) {
	exec := newGateExecutor(4)
	f := newServerFixture(t, exec)

	req := validCreateRequest()
	req.DAG.Branches["branch-a"] = append(req.DAG.Branches["branch-a"], workflow.JobConfig{
		Type:           workflow.JobTypeSegmentation,
		InputImagePath: "/data/uploads/slide_001.svs",
	})
	resp, body := f.request(t, http.MethodPost, "/api/v1/workflows", "alice", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created workflow.Workflow
	require.NoError(t, json.Unmarshal(body, &created))

	runningID := <-exec.started

	var pendingID string
	for _, j := range f.store.ListWorkflowJobs(created.ID) {
		if j.ID != runningID {
			pendingID = j.ID
		}
	}
	require.NotEmpty(t, pendingID)

	// Pending jobs cancel cleanly
	resp, body = f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%s/cancel", pendingID), "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var cancelled workflow.Job
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.Equal(t, workflow.JobStatusCancelled, cancelled.Status)

	// Running jobs cannot be cancelled
	resp, _ = f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%s/cancel", runningID), "alice", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	close(exec.release)
	f.driver.Wait()
}

func TestHandlers_CancelWorkflow(t *testing.T) {
	exec := newGateExecutor(4)
	f := newServerFixture(t, exec)

	req := validCreateRequest()
	req.DAG.Branches["branch-a"] = append(req.DAG.Branches["branch-a"], workflow.JobConfig{
		Type:           workflow.JobTypeSegmentation,
		InputImagePath: "/data/uploads/slide_001.svs",
	})
	resp, body := f.request(t, http.MethodPost, "/api/v1/workflows", "alice", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created workflow.Workflow
	require.NoError(t, json.Unmarshal(body, &created))

	<-exec.started

	resp, body = f.request(t, http.MethodDelete, "/api/v1/workflows/"+created.ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result CancelWorkflowResponse
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, 1, result.CancelledCount)

	close(exec.release)
	f.driver.Wait()
}

func TestHandlers_HealthAndStatus(t *testing.T) {
	f := newServerFixture(t, instantExecutor{})

	resp, body := f.request(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))

	resp, body = f.request(t, http.MethodGet, "/api/v1/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "wsiflow-test", status.App)
	assert.Equal(t, config.DefaultMaxWorkers, status.MaxWorkers)
}

func TestHandlers_MethodNotAllowed(t *testing.T) {
	f := newServerFixture(t, instantExecutor{})

	resp, _ := f.request(t, http.MethodDelete, "/api/v1/workflows", "alice", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, _ = f.request(t, http.MethodPost, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	f := newServerFixture(t, instantExecutor{})

	req, err := http.NewRequest(http.MethodOptions, f.ts.URL+"/api/v1/workflows", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}
