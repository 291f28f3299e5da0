package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_queue_depth",
			Help: "Number of jobs waiting for assignment",
		},
	)

	ReservedCPUCores = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_reserved_cpu_cores",
			Help: "Sum of CPU cores reserved across all workers",
		},
	)

	ReservedRAMMegabytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_reserved_ram_megabytes",
			Help: "Sum of RAM megabytes reserved across all workers",
		},
	)

	// Job lifecycle metrics
	JobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
	)

	JobsAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_jobs_assigned_total",
			Help: "Total number of job assignments made by the scheduler",
		},
	)

	JobsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_jobs_completed_total",
			Help: "Total number of jobs completed",
		},
	)

	JobsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_jobs_failed_total",
			Help: "Total number of jobs permanently failed",
		},
	)

	JobsCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_jobs_cancelled_total",
			Help: "Total number of jobs cancelled by users",
		},
	)

	JobsRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_jobs_requeued_total",
			Help: "Total number of jobs released back to the queue",
		},
	)

	// Worker health metrics
	WorkersOffline = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_workers_offline_total",
			Help: "Total number of heartbeat-timeout transitions to OFFLINE",
		},
	)

	WorkersPenalized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_workers_penalized_total",
			Help: "Total number of failure-report cooldown penalties applied",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foreman_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	StreamBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_stream_bytes_total",
			Help: "Total output bytes streamed by kind",
		},
		[]string{"kind"},
	)

	// Scheduler metrics
	SchedulerRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_scheduler_runs_total",
			Help: "Total number of scheduler passes",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_scheduling_latency_seconds",
			Help:    "Duration of one scheduler pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ReservedCPUCores)
	prometheus.MustRegister(ReservedRAMMegabytes)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsAssigned)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsFailed)
	prometheus.MustRegister(JobsCancelled)
	prometheus.MustRegister(JobsRequeued)
	prometheus.MustRegister(WorkersOffline)
	prometheus.MustRegister(WorkersPenalized)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(StreamBytes)
	prometheus.MustRegister(SchedulerRuns)
	prometheus.MustRegister(SchedulingLatency)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time into the histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
