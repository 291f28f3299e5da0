package metrics

import (
	"time"

	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// Collector periodically derives fleet gauges from the store. Counters
// are incremented inline where transitions happen; gauges come from here
// so they survive dispatcher restarts.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectJobMetrics()
	c.collectWorkerMetrics()
}

func (c *Collector) collectJobMetrics() {
	jobs, err := c.store.ListJobs()
	if err != nil {
		return
	}

	counts := map[types.JobStatus]int{
		types.JobSubmitted: 0,
		types.JobQueued:    0,
		types.JobAssigned:  0,
		types.JobRunning:   0,
		types.JobCompleted: 0,
		types.JobFailed:    0,
		types.JobCancelled: 0,
	}
	for _, job := range jobs {
		counts[job.Status]++
	}

	for status, count := range counts {
		JobsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
	QueueDepth.Set(float64(counts[types.JobQueued]))
}

func (c *Collector) collectWorkerMetrics() {
	workers, err := c.store.ListWorkers()
	if err != nil {
		return
	}

	counts := map[types.WorkerStatus]int{
		types.WorkerIdle:      0,
		types.WorkerBusy:      0,
		types.WorkerUnhealthy: 0,
		types.WorkerOffline:   0,
	}
	var reservedCPU float64
	var reservedRAM int64

	for _, worker := range workers {
		counts[worker.Status]++
		reservedCPU += worker.ReservedCPU
		reservedRAM += worker.ReservedRAMMB
	}

	for status, count := range counts {
		WorkersTotal.WithLabelValues(string(status)).Set(float64(count))
	}
	ReservedCPUCores.Set(reservedCPU)
	ReservedRAMMegabytes.Set(float64(reservedRAM))
}
