package runtime

import (
	"context"
	"io"
)

// WorkspaceMount is the fixed path where the job workspace is bound
// inside every sandbox.
const WorkspaceMount = "/workspace"

// RunSpec describes one sandboxed command execution.
type RunSpec struct {
	// ID names the sandbox. It must be unique per execution.
	ID string

	// Image is the resolved sandbox image reference.
	Image string

	// Command is the argv to execute.
	Command []string

	// WorkspaceDir is the host directory bound read-write at
	// WorkspaceMount.
	WorkspaceDir string

	// Env is extra environment in KEY=value form.
	Env []string

	// MemoryLimitMB caps sandbox memory. Zero means unlimited.
	MemoryLimitMB int64

	// CPULimit caps CPU in cores. Zero means unlimited.
	CPULimit float64

	// TmpfsMB sizes the tmpfs mounted at /tmp. Zero takes the default.
	TmpfsMB int64

	// PidsLimit caps the sandbox process count. Zero means unlimited.
	PidsLimit int64

	// HostNetwork shares the host network namespace. Sandboxes have no
	// network otherwise.
	HostNetwork bool
}

// Stats aggregates telemetry over the active sandboxes, reported with
// every heartbeat.
type Stats struct {
	Sandboxes  int
	CPUPercent float64
	MemoryMB   int64
}

// Runtime executes commands in isolated sandboxes.
type Runtime interface {
	// EnsureImage makes the image available locally, pulling it when
	// missing.
	EnsureImage(ctx context.Context, ref string) error

	// Run executes the spec and blocks until the command exits,
	// streaming output to the writers as it is produced. Cancelling
	// ctx forcibly terminates the sandbox; the observed exit code is
	// then returned alongside ctx's error so the caller can attribute
	// the interruption.
	Run(ctx context.Context, spec *RunSpec, stdout, stderr io.Writer) (int, error)

	// Stats reports aggregate telemetry for running sandboxes.
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}
