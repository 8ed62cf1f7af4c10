package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"voucher-system/models"
)

var (
	voucherIssues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voucher_issue_total",
			Help: "Voucher allocation attempts by outcome",
		},
		[]string{"outcome"},
	)

	voucherIssueRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voucher_issue_retries_total",
			Help: "Allocation attempts retried after a code collision or write conflict",
		},
	)

	leaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lease_operations_total",
			Help: "Edit lease operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	jobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_transitions_total",
			Help: "Job state transitions observed by the pipeline",
		},
		[]string{"queue", "state"},
	)

	jobQueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "job_queue_length",
			Help: "Current number of jobs per state",
		},
		[]string{"queue", "state"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_processing_duration_seconds",
			Help:    "Handler run time per job kind",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"queue", "kind"},
	)

	componentUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "component_up",
			Help: "1 when the last health probe of a component passed",
		},
		[]string{"component"},
	)

	taskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurring_task_runs_total",
			Help: "Recurring task executions by outcome",
		},
		[]string{"task", "outcome"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recurring_task_duration_seconds",
			Help:    "Duration of recurring task runs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_workers_total",
			Help: "Current number of job worker goroutines",
		},
	)
)

// QueueStats is the part of the job queue the monitor polls.
type QueueStats interface {
	Counts(ctx context.Context) (models.JobCounts, error)
}

type Monitor struct {
	queues []QueueStats
}

func NewMonitor(queues ...QueueStats) *Monitor {
	return &Monitor{queues: queues}
}

// Watch adds queues to poll. Call before CollectQueueMetrics is scheduled.
func (m *Monitor) Watch(queues ...QueueStats) {
	m.queues = append(m.queues, queues...)
}

// CollectQueueMetrics refreshes the per-state queue gauges.
func (m *Monitor) CollectQueueMetrics(ctx context.Context) error {
	for _, q := range m.queues {
		counts, err := q.Counts(ctx)
		if err != nil {
			return err
		}
		jobQueueLength.WithLabelValues(counts.Queue, string(models.JobStateWaiting)).Set(float64(counts.Waiting))
		jobQueueLength.WithLabelValues(counts.Queue, string(models.JobStateActive)).Set(float64(counts.Active))
		jobQueueLength.WithLabelValues(counts.Queue, string(models.JobStateDelayed)).Set(float64(counts.Delayed))
		jobQueueLength.WithLabelValues(counts.Queue, string(models.JobStateCompleted)).Set(float64(counts.Completed))
		jobQueueLength.WithLabelValues(counts.Queue, string(models.JobStateFailed)).Set(float64(counts.Failed))
	}
	return nil
}

// OnJobEvent counts a job lifecycle transition.
func (m *Monitor) OnJobEvent(_ context.Context, event models.JobEvent) {
	jobTransitions.WithLabelValues(event.Queue, string(event.Type)).Inc()
}

func (m *Monitor) TrackVoucherIssue(outcome string) {
	voucherIssues.WithLabelValues(outcome).Inc()
}

func (m *Monitor) TrackIssueRetry() {
	voucherIssueRetries.Inc()
}

func (m *Monitor) TrackLeaseOperation(operation, outcome string) {
	leaseOperations.WithLabelValues(operation, outcome).Inc()
}

func (m *Monitor) ObserveJob(queue string, kind models.JobKind, d time.Duration) {
	jobDuration.WithLabelValues(queue, string(kind)).Observe(d.Seconds())
}

func (m *Monitor) SetComponentHealth(component string, up bool) {
	value := 0.0
	if up {
		value = 1
	}
	componentUp.WithLabelValues(component).Set(value)
}

func (m *Monitor) TrackTaskRun(task, outcome string, d time.Duration) {
	taskRuns.WithLabelValues(task, outcome).Inc()
	taskDuration.WithLabelValues(task).Observe(d.Seconds())
}

func (m *Monitor) AddWorkers(delta int) {
	goroutineCount.Add(float64(delta))
}
