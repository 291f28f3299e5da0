package runtime

import (
	"testing"

	"github.com/containerd/cgroups/v3/cgroup1/stats"
	statsv2 "github.com/containerd/cgroups/v3/cgroup2/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandboxMounts(t *testing.T) {
	mounts := sandboxMounts(&RunSpec{WorkspaceDir: "/var/lib/foreman/jobs/j1", TmpfsMB: 64})
	require.Len(t, mounts, 2)

	workspace := mounts[0]
	assert.Equal(t, WorkspaceMount, workspace.Destination)
	assert.Equal(t, "bind", workspace.Type)
	assert.Equal(t, "/var/lib/foreman/jobs/j1", workspace.Source)
	assert.Contains(t, workspace.Options, "rw")

	tmp := mounts[1]
	assert.Equal(t, "/tmp", tmp.Destination)
	assert.Equal(t, "tmpfs", tmp.Type)
	assert.Contains(t, tmp.Options, "size=64m")
	assert.Contains(t, tmp.Options, "nosuid")
	assert.Contains(t, tmp.Options, "nodev")
}

func TestSandboxMountsDefaultTmpfs(t *testing.T) {
	mounts := sandboxMounts(&RunSpec{WorkspaceDir: "/w"})
	require.Len(t, mounts, 2)
	assert.Contains(t, mounts[1].Options, "size=256m")
}

func TestDecodeMetricsCgroupV1(t *testing.T) {
	cpu, mem := decodeMetrics(&stats.Metrics{
		CPU:    &stats.CPUStat{Usage: &stats.CPUUsage{Total: 5_000_000_000}},
		Memory: &stats.MemoryStat{Usage: &stats.MemoryEntry{Usage: 512 << 20}},
	})
	assert.Equal(t, uint64(5_000_000_000), cpu)
	assert.Equal(t, uint64(512<<20), mem)
}

func TestDecodeMetricsCgroupV2(t *testing.T) {
	cpu, mem := decodeMetrics(&statsv2.Metrics{
		CPU:    &statsv2.CPUStat{UsageUsec: 2_000_000},
		Memory: &statsv2.MemoryStat{Usage: 128 << 20},
	})
	assert.Equal(t, uint64(2_000_000_000), cpu)
	assert.Equal(t, uint64(128<<20), mem)
}

func TestDecodeMetricsUnknownShape(t *testing.T) {
	cpu, mem := decodeMetrics(struct{}{})
	assert.Zero(t, cpu)
	assert.Zero(t, mem)

	// Partially populated blobs must not panic.
	cpu, mem = decodeMetrics(&stats.Metrics{CPU: &stats.CPUStat{}})
	assert.Zero(t, cpu)
	assert.Zero(t, mem)
}
