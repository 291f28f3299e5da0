package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/errors"
	"github.com/cuemby/foreman/pkg/types"
)

func TestRegisterStoresToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/workers/register":
			var req types.RegisterRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "w-1", req.WorkerID)
			writeJSON(t, w, http.StatusOK, types.RegisterResponse{
				Success: true, WorkerID: "w-1", Token: "tok-abc",
			})
		case "/workers/heartbeat":
			gotAuth = r.Header.Get("Authorization")
			writeJSON(t, w, http.StatusOK, types.HeartbeatResponse{Success: true, Timestamp: 1})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL)
	resp, err := c.Register(context.Background(), &types.RegisterRequest{WorkerID: "w-1", Hostname: "h"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "tok-abc", c.Token())

	_, err = c.Heartbeat(context.Background(), &types.HeartbeatRequest{WorkerID: "w-1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-abc", gotAuth)
}

func TestPollJobNoWork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/get-job", r.URL.Path)
		assert.Equal(t, "w-1", r.URL.Query().Get("workerId"))
		writeJSON(t, w, http.StatusAccepted, types.PollResponse{Success: true})
	}))
	defer server.Close()

	job, err := NewClient(server.URL).PollJob(context.Background(), "w-1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestPollJobHandoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, types.PollResponse{
			Success: true,
			Job: &types.JobHandoff{
				JobID:     "job-1",
				Command:   "echo hi",
				BundleRef: "ref-1",
				TimeoutMs: 60000,
			},
		})
	}))
	defer server.Close()

	job, err := NewClient(server.URL).PollJob(context.Background(), "w-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.JobID)
	assert.Equal(t, "echo hi", job.Command)
	assert.EqualValues(t, 60000, job.TimeoutMs)
}

func TestKindedErrorsRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, map[string]string{
			"error":  "WorkerUnknown",
			"detail": "worker w-ghost is not registered",
		})
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Heartbeat(context.Background(), &types.HeartbeatRequest{WorkerID: "w-ghost"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.WorkerUnknown))
	assert.Contains(t, err.Error(), "w-ghost")
}

func TestNonProtocolErrorBodyMapsByStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("<html>upstream down</html>"))
	}))
	defer server.Close()

	_, err := NewClient(server.URL).ListJobs(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.StoreUnavailable))
	assert.Contains(t, err.Error(), "503")
}

func TestTransportFailureIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	_, err := NewClient(server.URL).ListWorkers(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.StoreUnavailable))
}

func TestCheckCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/check-cancel", r.URL.Path)
		assert.Equal(t, "job-1", r.URL.Query().Get("jobId"))
		writeJSON(t, w, http.StatusOK, types.CheckCancelResponse{Success: true, CancelRequested: true})
	}))
	defer server.Close()

	cancelled, err := NewClient(server.URL).CheckCancel(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestReportFailureUsesPut(t *testing.T) {
	var gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		assert.Equal(t, "/jobs/submit-result", r.URL.Path)
		writeJSON(t, w, http.StatusOK, types.SubmitResultResponse{Success: true, JobID: "job-1"})
	}))
	defer server.Close()

	err := NewClient(server.URL).ReportFailure(context.Background(), &types.FailureReport{
		JobID: "job-1", WorkerID: "w-1", ErrorMessage: "sandbox died",
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
}

func TestCreateAndCancelJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jobs/create":
			writeJSON(t, w, http.StatusOK, types.CreateJobResponse{Success: true, JobID: "job-9"})
		case "/jobs/cancel":
			var req types.CancelRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "job-9", req.JobID)
			writeJSON(t, w, http.StatusOK, types.CancelResponse{Success: true, Message: "Job cancelled"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL)
	jobID, err := c.CreateJob(context.Background(), &types.CreateJobRequest{Command: "echo hi"})
	require.NoError(t, err)
	assert.Equal(t, "job-9", jobID)

	resp, err := c.CancelJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "Job cancelled", resp.Message)
}

func TestRemoveWorkerEscapesPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/workers/w-1", r.URL.Path)
		writeJSON(t, w, http.StatusOK, types.DeleteWorkerResponse{Success: true, Existed: true})
	}))
	defer server.Close()

	resp, err := NewClient(server.URL).RemoveWorker(context.Background(), "w-1")
	require.NoError(t, err)
	assert.True(t, resp.Existed)
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}
