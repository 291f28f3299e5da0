package types

// Wire-level request and response bodies for the dispatcher protocol.
// Field names here are the protocol contract; both the API handlers and the
// client encode against these.

// OutputKind tags a streamed chunk as stdout or stderr.
type OutputKind string

const (
	OutputStdout OutputKind = "stdout"
	OutputStderr OutputKind = "stderr"
)

// RegisterRequest announces a worker and its advertised capacity.
type RegisterRequest struct {
	WorkerID   string  `json:"workerId"`
	Hostname   string  `json:"hostname"`
	OS         string  `json:"os"`
	CPUCount   int     `json:"cpuCount"`
	CPUUsage   float64 `json:"cpuUsage"`
	RAMTotalMB int64   `json:"ramTotalMb"`
	RAMFreeMB  int64   `json:"ramFreeMb"`
	Version    string  `json:"version"`
	Status     string  `json:"status"`
}

// RegisterResponse acknowledges registration and carries the worker token
// used on every subsequent protocol call.
type RegisterResponse struct {
	Success  bool   `json:"success"`
	WorkerID string `json:"workerId"`
	Token    string `json:"token"`
}

// HeartbeatRequest reports current host metrics and sandbox telemetry.
// The sandbox fields keep their historical wire names.
type HeartbeatRequest struct {
	WorkerID        string  `json:"workerId"`
	CPUUsage        float64 `json:"cpuUsage"`
	RAMFreeMB       int64   `json:"ramFreeMb"`
	RAMTotalMB      int64   `json:"ramTotalMb"`
	Status          string  `json:"status"`
	SandboxCount    int     `json:"dockerContainers"`
	SandboxCPUUsage float64 `json:"dockerCpuUsage"`
	SandboxMemoryMB int64   `json:"dockerMemoryMb"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Success   bool  `json:"success"`
	Timestamp int64 `json:"timestamp"`
}

// WorkersListResponse is the admin view of the fleet.
type WorkersListResponse struct {
	Workers          []*WorkerView `json:"workers"`
	TotalWorkers     int           `json:"totalWorkers"`
	IdleWorkers      int           `json:"idleWorkers"`
	BusyWorkers      int           `json:"busyWorkers"`
	UnhealthyWorkers int           `json:"unhealthyWorkers"`
}

// DeleteWorkerResponse reports whether the removed worker existed.
type DeleteWorkerResponse struct {
	Success bool `json:"success"`
	Existed bool `json:"existed"`
}

// CreateJobRequest submits a new job. Zero-valued resource fields take the
// configured defaults.
type CreateJobRequest struct {
	Command       string  `json:"command"`
	BundleRef     string  `json:"bundleRef"`
	BundleName    string  `json:"bundleName"`
	RequiredCPU   float64 `json:"requiredCpu,omitempty"`
	RequiredRAMMB int64   `json:"requiredRamMb,omitempty"`
	TimeoutMs     int64   `json:"timeoutMs,omitempty"`
	MaxRetries    int     `json:"maxRetries,omitempty"`
}

// CreateJobResponse acknowledges a submission.
type CreateJobResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
}

// PollResponse carries the assigned job, or a null job when there is no
// work (served with status 202).
type PollResponse struct {
	Success bool        `json:"success"`
	Job     *JobHandoff `json:"job"`
}

// StreamOutputRequest appends a chunk of captured output to a job.
type StreamOutputRequest struct {
	JobID string     `json:"jobId"`
	Data  string     `json:"data"`
	Type  OutputKind `json:"type"`
}

// SubmitResultRequest reports a finished execution.
type SubmitResultRequest struct {
	JobID      string `json:"jobId"`
	WorkerID   string `json:"workerId"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	ResultRef  string `json:"resultRef,omitempty"`
	ResultName string `json:"resultName,omitempty"`
}

// SubmitResultResponse acknowledges a result or failure report.
type SubmitResultResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
}

// FailureReport is the PUT variant of submit-result: the worker could not
// produce a result.
type FailureReport struct {
	JobID        string `json:"jobId"`
	WorkerID     string `json:"workerId"`
	ErrorMessage string `json:"errorMessage"`
}

// CancelRequest asks for a job to be cancelled.
type CancelRequest struct {
	JobID string `json:"jobId"`
}

// CancelResponse acknowledges a cancel request.
type CancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CheckCancelResponse reports the cancel flag for a running job.
type CheckCancelResponse struct {
	Success         bool `json:"success"`
	CancelRequested bool `json:"cancelRequested"`
}

// JobsListResponse is the admin view of every job the dispatcher knows.
type JobsListResponse struct {
	Jobs  []*JobView `json:"jobs"`
	Total int        `json:"total"`
}

// SuccessResponse is the minimal acknowledgement body.
type SuccessResponse struct {
	Success bool `json:"success"`
}
