package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/foreman/internal/artifact"
	"github.com/msageha/foreman/internal/logging"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/queue"
)

func newTestServer(t *testing.T, token string) (*httptest.Server, *queue.Queue, *artifact.Store) {
	t.Helper()
	q, err := queue.New(t.TempDir(), 3)
	require.NoError(t, err)
	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)

	srv := NewServer(q, store, t.TempDir(), token, logging.New(io.Discard, logging.LevelError, "test"))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, q, store
}

const jobJSON = `{
	"job_id": "job-api",
	"goal": "do the thing",
	"workdir": "repo",
	"steps": [{"step_id": "s1", "agent": "opencode"}]
}`

func TestEnqueueEndpoint(t *testing.T) {
	ts, q, _ := newTestServer(t, "")

	resp, err := http.Post(ts.URL+"/api/jobs", "application/json", strings.NewReader(jobJSON))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "job-api", body["job_id"])
	assert.Equal(t, string(model.QueuePending), body["state"])

	state, _, err := q.Find("job-api")
	require.NoError(t, err)
	assert.Equal(t, model.QueuePending, state)
}

func TestEnqueueValidationAndDuplicate(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	resp, err := http.Post(ts.URL+"/api/jobs", "application/json", strings.NewReader(`{"goal":""}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/jobs", "application/json", strings.NewReader(jobJSON))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/jobs", "application/json", strings.NewReader(jobJSON))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var body map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeDuplicateJob, body["error"]["code"])
}

func TestBearerAuth(t *testing.T) {
	ts, _, _ := newTestServer(t, "sekrit-token")

	resp, err := http.Post(ts.URL+"/api/jobs", "application/json", strings.NewReader(jobJSON))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/jobs", strings.NewReader(jobJSON))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sekrit-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// healthz stays open.
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResultEndpoint(t *testing.T) {
	ts, _, store := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/api/jobs/job-x/result")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, store.EnsureJobLayout("job-x"))
	require.NoError(t, store.WriteJSON("job-x", artifact.FileResult, &model.JobResult{
		SchemaVersion: model.SchemaVersion,
		Kind:          "job",
		JobID:         "job-x",
		Status:        model.JobOK,
	}))

	resp, err = http.Get(ts.URL + "/api/jobs/job-x/result")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var res model.JobResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, model.JobOK, res.Status)
}

func TestApproveEndpoint(t *testing.T) {
	ts, q, _ := newTestServer(t, "")

	spec := &model.JobSpec{
		JobID:   "job-gated",
		Goal:    "g",
		Workdir: "repo",
		Steps:   []model.StepSpec{{StepID: "s1", Agent: "opencode"}},
		Policy:  &model.PolicySpec{RequiresApproval: true},
	}
	_, err := q.Enqueue(spec)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/jobs/job-gated/approve", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	state, _, err := q.Find("job-gated")
	require.NoError(t, err)
	assert.Equal(t, model.QueuePending, state)

	// Approving again: no longer in awaiting_approval.
	resp, err = http.Post(ts.URL+"/api/jobs/job-gated/approve", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthzReportsMissingRoot(t *testing.T) {
	q, err := queue.New(t.TempDir(), 3)
	require.NoError(t, err)
	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)

	srv := NewServer(q, store, filepath.Join(t.TempDir(), "gone"), "", logging.New(io.Discard, logging.LevelError, "test"))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestTraversalJobIDRejected(t *testing.T) {
	ts, _, _ := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/api/jobs/..%2fescape/result")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}
