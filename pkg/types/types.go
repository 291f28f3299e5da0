package types

import (
	"time"
)

// Job submission defaults applied when a create request omits the field.
const (
	DefaultRequiredCPU   = 1.0
	DefaultRequiredRAMMB = 256
	DefaultTimeoutMs     = 300000
	DefaultMaxRetries    = 3
)

// Job represents one unit of work through its entire lifecycle: a command
// sequence plus an input bundle, dispatched to exactly one worker at a time.
type Job struct {
	JobID      string `json:"jobId"`
	Command    string `json:"command"`
	BundleRef  string `json:"bundleRef"`
	BundleName string `json:"bundleName"`

	RequiredCPU   float64 `json:"requiredCpu"`
	RequiredRAMMB int64   `json:"requiredRamMb"`
	TimeoutMs     int64   `json:"timeoutMs"`
	MaxRetries    int     `json:"maxRetries"`
	Attempts      int     `json:"attempts"`

	Status           JobStatus `json:"status"`
	AssignedWorkerID string    `json:"assignedWorkerId,omitempty"`
	CancelRequested  bool      `json:"cancelRequested"`

	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	ExitCode     *int   `json:"exitCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ResultRef    string `json:"resultRef,omitempty"`
	ResultName   string `json:"resultName,omitempty"`

	CreatedAt      time.Time `json:"createdAt"`
	QueuedAt       time.Time `json:"queuedAt"`
	AssignedAt     time.Time `json:"assignedAt,omitempty"`
	StartedAt      time.Time `json:"startedAt,omitempty"`
	CompletedAt    time.Time `json:"completedAt,omitempty"`
	LastStreamedAt time.Time `json:"lastStreamedAt,omitempty"`
}

// JobStatus represents the current lifecycle state of a job
type JobStatus string

const (
	JobSubmitted JobStatus = "SUBMITTED"
	JobQueued    JobStatus = "QUEUED"
	JobAssigned  JobStatus = "ASSIGNED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status is absorbing: the job will not
// transition further except through the explicit retry requeue path.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// MarkAssigned records the scheduler's placement decision.
func (j *Job) MarkAssigned(workerID string, now time.Time) {
	j.Status = JobAssigned
	j.AssignedWorkerID = workerID
	j.AssignedAt = now
}

// MarkRunning records the worker picking the job up via poll. The attempts
// counter increments here, not at assignment: a job assigned but never
// polled returns to the queue with attempts unchanged.
func (j *Job) MarkRunning(now time.Time) {
	j.Status = JobRunning
	j.StartedAt = now
	j.Attempts++
}

// MarkCompleted records a successful result submission. Any diagnostic
// left over from a retried run is cleared.
func (j *Job) MarkCompleted(exitCode int, resultRef, resultName string, now time.Time) {
	j.Status = JobCompleted
	j.ExitCode = &exitCode
	j.ResultRef = resultRef
	j.ResultName = resultName
	j.ErrorMessage = ""
	j.CompletedAt = now
}

// MarkFailed records a permanent failure with a diagnostic message.
func (j *Job) MarkFailed(message string, now time.Time) {
	j.Status = JobFailed
	j.ErrorMessage = message
	j.CompletedAt = now
}

// MarkCancelled records a user-requested cancellation as terminal.
func (j *Job) MarkCancelled(now time.Time) {
	j.Status = JobCancelled
	j.ErrorMessage = "Job cancelled by user"
	j.CompletedAt = now
}

// Requeue returns the job to the queue for another attempt. Whether the
// attempts counter moves is the caller's decision: a run that had
// started is charged, an assignment the worker never picked up is not.
func (j *Job) Requeue(now time.Time, countAttempt bool) {
	j.Status = JobQueued
	j.QueuedAt = now
	if countAttempt {
		j.Attempts++
	}
}

// ClearAssignment removes the worker binding and the run timestamps as part
// of the release protocol.
func (j *Job) ClearAssignment() {
	j.AssignedWorkerID = ""
	j.AssignedAt = time.Time{}
	j.StartedAt = time.Time{}
	j.CompletedAt = time.Time{}
}

// RetriesExhausted reports whether starting one more attempt would exceed
// the retry budget.
func (j *Job) RetriesExhausted() bool {
	return j.Attempts+1 > j.MaxRetries
}

// Worker represents a connected agent and the scheduler's view of its
// capacity, load, and health.
type Worker struct {
	WorkerID string `json:"workerId"`
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Version  string `json:"version"`

	CPUCount   int     `json:"cpuCount"`
	CPUUsage   float64 `json:"cpuUsage"`
	RAMTotalMB int64   `json:"ramTotalMb"`
	RAMFreeMB  int64   `json:"ramFreeMb"`

	Status        WorkerStatus `json:"status"`
	CurrentJobIDs []string     `json:"currentJobIds"`
	ReservedCPU   float64      `json:"reservedCpu"`
	ReservedRAMMB int64        `json:"reservedRamMb"`

	CooldownUntil time.Time `json:"cooldownUntil,omitempty"`
	HealthReason  string    `json:"healthReason,omitempty"`

	SandboxCount    int     `json:"sandboxCount"`
	SandboxCPUUsage float64 `json:"sandboxCpuUsage"`
	SandboxMemoryMB int64   `json:"sandboxMemoryMb"`

	LastHeartbeat time.Time `json:"lastHeartbeat"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// WorkerStatus represents the current state of a worker
type WorkerStatus string

const (
	WorkerIdle      WorkerStatus = "IDLE"
	WorkerBusy      WorkerStatus = "BUSY"
	WorkerUnhealthy WorkerStatus = "UNHEALTHY"
	WorkerOffline   WorkerStatus = "OFFLINE"
)

// NormalizeWorkerStatus maps an advertised status string onto a known
// worker state. Anything unrecognized becomes IDLE.
func NormalizeWorkerStatus(s string) WorkerStatus {
	switch WorkerStatus(s) {
	case WorkerIdle, WorkerBusy, WorkerUnhealthy, WorkerOffline:
		return WorkerStatus(s)
	default:
		return WorkerIdle
	}
}

// Schedulable reports whether a worker in this status may receive work.
func (s WorkerStatus) Schedulable() bool {
	return s == WorkerIdle || s == WorkerBusy
}

// InCooldown reports whether the scheduler must refuse new assignments.
func (w *Worker) InCooldown(now time.Time) bool {
	return !w.CooldownUntil.IsZero() && w.CooldownUntil.After(now)
}

// AvailableCPU returns unreserved logical cores.
func (w *Worker) AvailableCPU() float64 {
	return float64(w.CPUCount) - w.ReservedCPU
}

// AvailableRAMMB returns unreserved memory in megabytes.
func (w *Worker) AvailableRAMMB() int64 {
	return w.RAMTotalMB - w.ReservedRAMMB
}

// CanFit reports whether the worker's unreserved capacity covers the
// job's requirements. An exact fit qualifies.
func (w *Worker) CanFit(j *Job) bool {
	return w.AvailableCPU() >= j.RequiredCPU && w.AvailableRAMMB() >= j.RequiredRAMMB
}

// AddJob reserves resources for a job and records the assignment.
func (w *Worker) AddJob(jobID string, cpu float64, ramMB int64) {
	for _, id := range w.CurrentJobIDs {
		if id == jobID {
			return
		}
	}
	w.CurrentJobIDs = append(w.CurrentJobIDs, jobID)
	w.ReservedCPU += cpu
	w.ReservedRAMMB += ramMB
}

// RemoveJob releases a job's reservation, clamping at zero so a double
// release cannot drive the accounting negative.
func (w *Worker) RemoveJob(jobID string, cpu float64, ramMB int64) {
	kept := w.CurrentJobIDs[:0]
	for _, id := range w.CurrentJobIDs {
		if id != jobID {
			kept = append(kept, id)
		}
	}
	w.CurrentJobIDs = kept
	w.ReservedCPU -= cpu
	if w.ReservedCPU < 0 {
		w.ReservedCPU = 0
	}
	w.ReservedRAMMB -= ramMB
	if w.ReservedRAMMB < 0 {
		w.ReservedRAMMB = 0
	}
}

// HasJob reports whether the job is currently held by this worker.
func (w *Worker) HasJob(jobID string) bool {
	for _, id := range w.CurrentJobIDs {
		if id == jobID {
			return true
		}
	}
	return false
}

// JobStatusView is the cache-tier projection of a job: the fields a status
// poll needs, cheap to serialize and safe to serve slightly stale.
type JobStatusView struct {
	JobID            string    `json:"jobId"`
	Status           JobStatus `json:"status"`
	ExitCode         *int      `json:"exitCode,omitempty"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
	Attempts         int       `json:"attempts"`
	AssignedWorkerID string    `json:"assignedWorkerId,omitempty"`
	CreatedAt        int64     `json:"createdAt"`
	QueuedAt         int64     `json:"queuedAt,omitempty"`
	StartedAt        int64     `json:"startedAt,omitempty"`
	CompletedAt      int64     `json:"completedAt,omitempty"`
}

// StatusView builds the cache projection for a job.
func (j *Job) StatusView() *JobStatusView {
	return &JobStatusView{
		JobID:            j.JobID,
		Status:           j.Status,
		ExitCode:         j.ExitCode,
		ErrorMessage:     j.ErrorMessage,
		Attempts:         j.Attempts,
		AssignedWorkerID: j.AssignedWorkerID,
		CreatedAt:        epochMillis(j.CreatedAt),
		QueuedAt:         epochMillis(j.QueuedAt),
		StartedAt:        epochMillis(j.StartedAt),
		CompletedAt:      epochMillis(j.CompletedAt),
	}
}

// JobView is the wire projection of a full job record. Timestamps are
// milliseconds since epoch; zero means unset.
type JobView struct {
	JobID            string    `json:"jobId"`
	Command          string    `json:"command"`
	BundleRef        string    `json:"bundleRef"`
	BundleName       string    `json:"bundleName"`
	RequiredCPU      float64   `json:"requiredCpu"`
	RequiredRAMMB    int64     `json:"requiredRamMb"`
	TimeoutMs        int64     `json:"timeoutMs"`
	MaxRetries       int       `json:"maxRetries"`
	Attempts         int       `json:"attempts"`
	Status           JobStatus `json:"status"`
	AssignedWorkerID string    `json:"assignedWorkerId,omitempty"`
	CancelRequested  bool      `json:"cancelRequested"`
	Stdout           string    `json:"stdout"`
	Stderr           string    `json:"stderr"`
	ExitCode         *int      `json:"exitCode,omitempty"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
	ResultRef        string    `json:"resultRef,omitempty"`
	ResultName       string    `json:"resultName,omitempty"`
	CreatedAt        int64     `json:"createdAt"`
	QueuedAt         int64     `json:"queuedAt,omitempty"`
	AssignedAt       int64     `json:"assignedAt,omitempty"`
	StartedAt        int64     `json:"startedAt,omitempty"`
	CompletedAt      int64     `json:"completedAt,omitempty"`
	LastStreamedAt   int64     `json:"lastStreamedAt,omitempty"`
}

// View builds the wire projection for a job.
func (j *Job) View() *JobView {
	return &JobView{
		JobID:            j.JobID,
		Command:          j.Command,
		BundleRef:        j.BundleRef,
		BundleName:       j.BundleName,
		RequiredCPU:      j.RequiredCPU,
		RequiredRAMMB:    j.RequiredRAMMB,
		TimeoutMs:        j.TimeoutMs,
		MaxRetries:       j.MaxRetries,
		Attempts:         j.Attempts,
		Status:           j.Status,
		AssignedWorkerID: j.AssignedWorkerID,
		CancelRequested:  j.CancelRequested,
		Stdout:           j.Stdout,
		Stderr:           j.Stderr,
		ExitCode:         j.ExitCode,
		ErrorMessage:     j.ErrorMessage,
		ResultRef:        j.ResultRef,
		ResultName:       j.ResultName,
		CreatedAt:        epochMillis(j.CreatedAt),
		QueuedAt:         epochMillis(j.QueuedAt),
		AssignedAt:       epochMillis(j.AssignedAt),
		StartedAt:        epochMillis(j.StartedAt),
		CompletedAt:      epochMillis(j.CompletedAt),
		LastStreamedAt:   epochMillis(j.LastStreamedAt),
	}
}

// JobHandoff is the trimmed projection a worker receives from a poll: just
// enough to fetch the bundle and run the command.
type JobHandoff struct {
	JobID      string `json:"jobId"`
	Command    string `json:"command"`
	BundleRef  string `json:"bundleRef"`
	BundleName string `json:"bundleName"`
	TimeoutMs  int64  `json:"timeoutMs"`
}

// Handoff builds the poll projection for a job.
func (j *Job) Handoff() *JobHandoff {
	return &JobHandoff{
		JobID:      j.JobID,
		Command:    j.Command,
		BundleRef:  j.BundleRef,
		BundleName: j.BundleName,
		TimeoutMs:  j.TimeoutMs,
	}
}

// WorkerView is the wire projection of a worker record.
type WorkerView struct {
	WorkerID        string       `json:"workerId"`
	Hostname        string       `json:"hostname"`
	OS              string       `json:"os"`
	Version         string       `json:"version"`
	CPUCount        int          `json:"cpuCount"`
	CPUUsage        float64      `json:"cpuUsage"`
	RAMTotalMB      int64        `json:"ramTotalMb"`
	RAMFreeMB       int64        `json:"ramFreeMb"`
	Status          WorkerStatus `json:"status"`
	CurrentJobIDs   []string     `json:"currentJobIds"`
	ReservedCPU     float64      `json:"reservedCpu"`
	ReservedRAMMB   int64        `json:"reservedRamMb"`
	CooldownUntil   int64        `json:"cooldownUntil,omitempty"`
	HealthReason    string       `json:"healthReason,omitempty"`
	SandboxCount    int          `json:"sandboxCount"`
	SandboxCPUUsage float64      `json:"sandboxCpuUsage"`
	SandboxMemoryMB int64        `json:"sandboxMemoryMb"`
	LastHeartbeat   int64        `json:"lastHeartbeat"`
	CreatedAt       int64        `json:"createdAt"`
	UpdatedAt       int64        `json:"updatedAt"`
}

// View builds the wire projection for a worker.
func (w *Worker) View() *WorkerView {
	ids := w.CurrentJobIDs
	if ids == nil {
		ids = []string{}
	}
	return &WorkerView{
		WorkerID:        w.WorkerID,
		Hostname:        w.Hostname,
		OS:              w.OS,
		Version:         w.Version,
		CPUCount:        w.CPUCount,
		CPUUsage:        w.CPUUsage,
		RAMTotalMB:      w.RAMTotalMB,
		RAMFreeMB:       w.RAMFreeMB,
		Status:          w.Status,
		CurrentJobIDs:   ids,
		ReservedCPU:     w.ReservedCPU,
		ReservedRAMMB:   w.ReservedRAMMB,
		CooldownUntil:   epochMillis(w.CooldownUntil),
		HealthReason:    w.HealthReason,
		SandboxCount:    w.SandboxCount,
		SandboxCPUUsage: w.SandboxCPUUsage,
		SandboxMemoryMB: w.SandboxMemoryMB,
		LastHeartbeat:   epochMillis(w.LastHeartbeat),
		CreatedAt:       epochMillis(w.CreatedAt),
		UpdatedAt:       epochMillis(w.UpdatedAt),
	}
}

func epochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
