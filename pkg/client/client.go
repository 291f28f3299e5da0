package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/foreman/pkg/blob"
	"github.com/cuemby/foreman/pkg/errors"
	"github.com/cuemby/foreman/pkg/types"
)

// DefaultTimeout bounds a single protocol call. Blob transfers go through
// Blobs() and are not subject to it.
const DefaultTimeout = 10 * time.Second

// Client talks the dispatcher protocol over HTTP with JSON bodies. It is
// safe for concurrent use; the worker agent shares one client between its
// heartbeat, poll, and executor goroutines.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a client against the dispatcher at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
	}
}

// WithTimeout replaces the per-call timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// WithToken sets the worker token sent on every request.
func (c *Client) WithToken(token string) *Client {
	c.SetToken(token)
	return c
}

// SetToken replaces the worker token. Register calls this automatically
// with the token the dispatcher minted.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current worker token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the dispatcher address this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Blobs returns a blob store client bound to the same dispatcher and the
// current token.
func (c *Client) Blobs() *blob.HTTPStore {
	return blob.NewHTTPStore(c.baseURL, c.Token())
}

// Register announces the worker and stores the minted token for all
// subsequent calls.
func (c *Client) Register(ctx context.Context, req *types.RegisterRequest) (*types.RegisterResponse, error) {
	var resp types.RegisterResponse
	if _, err := c.do(ctx, http.MethodPost, "/workers/register", req, &resp); err != nil {
		return nil, err
	}
	if resp.Token != "" {
		c.SetToken(resp.Token)
	}
	return &resp, nil
}

// Heartbeat reports host metrics and sandbox telemetry.
func (c *Client) Heartbeat(ctx context.Context, req *types.HeartbeatRequest) (*types.HeartbeatResponse, error) {
	var resp types.HeartbeatResponse
	if _, err := c.do(ctx, http.MethodPost, "/workers/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PollJob asks for the next assigned job. A nil handoff with a nil error
// means there is no work right now.
func (c *Client) PollJob(ctx context.Context, workerID string) (*types.JobHandoff, error) {
	var resp types.PollResponse
	path := "/jobs/get-job?workerId=" + url.QueryEscape(workerID)
	status, err := c.do(ctx, http.MethodGet, path, nil, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted || resp.Job == nil {
		return nil, nil
	}
	return resp.Job, nil
}

// StreamOutput forwards one captured output chunk.
func (c *Client) StreamOutput(ctx context.Context, jobID string, kind types.OutputKind, data string) error {
	req := &types.StreamOutputRequest{JobID: jobID, Data: data, Type: kind}
	_, err := c.do(ctx, http.MethodPost, "/jobs/stream-output", req, nil)
	return err
}

// SubmitResult reports a finished execution.
func (c *Client) SubmitResult(ctx context.Context, req *types.SubmitResultRequest) (*types.SubmitResultResponse, error) {
	var resp types.SubmitResultResponse
	if _, err := c.do(ctx, http.MethodPost, "/jobs/submit-result", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportFailure tells the dispatcher the worker could not produce a result.
func (c *Client) ReportFailure(ctx context.Context, req *types.FailureReport) error {
	_, err := c.do(ctx, http.MethodPut, "/jobs/submit-result", req, nil)
	return err
}

// CheckCancel reads the cancel flag for a running job.
func (c *Client) CheckCancel(ctx context.Context, jobID string) (bool, error) {
	var resp types.CheckCancelResponse
	path := "/jobs/check-cancel?jobId=" + url.QueryEscape(jobID)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.CancelRequested, nil
}

// CreateJob submits a job and returns its id.
func (c *Client) CreateJob(ctx context.Context, req *types.CreateJobRequest) (string, error) {
	var resp types.CreateJobResponse
	if _, err := c.do(ctx, http.MethodPost, "/jobs/create", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// JobStatus fetches the full projection of a job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*types.JobView, error) {
	var resp types.JobView
	path := "/jobs/status?jobId=" + url.QueryEscape(jobID)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelJob requests cancellation of a job.
func (c *Client) CancelJob(ctx context.Context, jobID string) (*types.CancelResponse, error) {
	var resp types.CancelResponse
	if _, err := c.do(ctx, http.MethodPost, "/jobs/cancel", &types.CancelRequest{JobID: jobID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListJobs fetches every job the dispatcher knows.
func (c *Client) ListJobs(ctx context.Context) (*types.JobsListResponse, error) {
	var resp types.JobsListResponse
	if _, err := c.do(ctx, http.MethodGet, "/jobs/list", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListWorkers fetches the fleet view.
func (c *Client) ListWorkers(ctx context.Context) (*types.WorkersListResponse, error) {
	var resp types.WorkersListResponse
	if _, err := c.do(ctx, http.MethodGet, "/workers/list", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RemoveWorker deregisters a worker.
func (c *Client) RemoveWorker(ctx context.Context, workerID string) (*types.DeleteWorkerResponse, error) {
	var resp types.DeleteWorkerResponse
	path := "/workers/" + url.PathEscape(workerID)
	if _, err := c.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do performs one protocol call: marshal, send, map errors, decode.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, errors.Wrapf(err, "encode %s %s request", method, path)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, errors.Wrapf(err, "build %s %s request", method, path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.StoreUnavailable.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return resp.StatusCode, errors.Wrapf(err, "read %s %s response", method, path)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, apiError(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, errors.Wrapf(err, "decode %s %s response", method, path)
		}
	}
	return resp.StatusCode, nil
}

// apiError rebuilds a kinded error from the {error, detail} body, falling
// back to the status code when the body is not in protocol shape.
func apiError(status int, data []byte) error {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		detail := body.Detail
		if detail == "" {
			detail = body.Error
		}
		return errors.Kind(body.Error).New(detail)
	}
	return kindForStatus(status).Newf("server returned %d: %s", status, strings.TrimSpace(string(data)))
}

func kindForStatus(status int) errors.Kind {
	switch status {
	case http.StatusBadRequest:
		return errors.BadRequest
	case http.StatusUnauthorized:
		return errors.Unauthorized
	case http.StatusForbidden:
		return errors.JobNotOwned
	case http.StatusNotFound:
		return errors.NotFound
	case http.StatusConflict:
		return errors.Cancelled
	case http.StatusTooManyRequests:
		return errors.RateLimited
	case http.StatusServiceUnavailable:
		return errors.StoreUnavailable
	case http.StatusGatewayTimeout:
		return errors.SandboxTimedOut
	default:
		return errors.Internal
	}
}
