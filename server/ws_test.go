package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathomics/wsiflow/workflow"
)

func wsURL(ts string, path string) string {
	return "ws" + strings.TrimPrefix(ts, "http") + path
}

func TestJobSocket_DeliversInitialSnapshot(t *testing.T) {
	exec := newGateExecutor(4)
	f := newServerFixture(t, exec)

	resp, body := f.request(t, http.MethodPost, "/api/v1/workflows", "alice", validCreateRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created workflow.Workflow
	require.NoError(t, json.Unmarshal(body, &created))

	jobID := <-exec.started

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts.URL, "/api/v1/ws/jobs/"+jobID), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var update workflow.ProgressUpdate
	require.NoError(t, conn.ReadJSON(&update))

	assert.Equal(t, "progress", update.Type)
	assert.Equal(t, jobID, update.JobID)
	assert.Equal(t, workflow.JobStatusRunning, update.Status)

	close(exec.release)

	// The terminal transition arrives as a live event
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&update))
		if update.Status.Terminal() {
			break
		}
	}
	assert.Equal(t, workflow.JobStatusSucceeded, update.Status)

	f.driver.Wait()
}

func TestWorkflowSocket_DeliversAggregateEvents(t *testing.T) {
	exec := newGateExecutor(4)
	f := newServerFixture(t, exec)

	resp, body := f.request(t, http.MethodPost, "/api/v1/workflows", "alice", validCreateRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created workflow.Workflow
	require.NoError(t, json.Unmarshal(body, &created))

	<-exec.started

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts.URL, "/api/v1/ws/workflows/"+created.ID), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var update workflow.WorkflowProgressUpdate
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "workflow_progress", update.Type)
	assert.Equal(t, created.ID, update.WorkflowID)

	close(exec.release)

	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&update))
		if update.Status.Terminal() {
			break
		}
	}
	assert.Equal(t, workflow.WorkflowStatusSucceeded, update.Status)
	assert.Equal(t, 1, update.CompletedJobs)

	f.driver.Wait()
}

func TestJobSocket_UnknownJobReturns404(t *testing.T) {
	f := newServerFixture(t, instantExecutor{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts.URL, "/api/v1/ws/jobs/missing"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkflowSocket_UnknownWorkflowReturns404(t *testing.T) {
	f := newServerFixture(t, instantExecutor{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts.URL, "/api/v1/ws/workflows/missing"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
