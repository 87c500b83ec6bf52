// Package observability provides a metrics extension that records
// coordinator lifecycle metrics with OpenTelemetry.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/LLM-Dev-Ops/fleet/cluster"
	"github.com/LLM-Dev-Ops/fleet/ext"
	"github.com/LLM-Dev-Ops/fleet/job"
)

// meterName is the instrumentation scope name for fleet metrics.
const meterName = "github.com/LLM-Dev-Ops/fleet"

// Compile-time interface checks.
var (
	_ ext.Extension        = (*MetricsExtension)(nil)
	_ ext.JobSubmitted     = (*MetricsExtension)(nil)
	_ ext.JobCompleted     = (*MetricsExtension)(nil)
	_ ext.JobFailed        = (*MetricsExtension)(nil)
	_ ext.JobCancelled     = (*MetricsExtension)(nil)
	_ ext.TaskDispatched   = (*MetricsExtension)(nil)
	_ ext.TaskSucceeded    = (*MetricsExtension)(nil)
	_ ext.TaskFailed       = (*MetricsExtension)(nil)
	_ ext.TaskRetrying     = (*MetricsExtension)(nil)
	_ ext.WorkerRegistered = (*MetricsExtension)(nil)
	_ ext.WorkerEvicted    = (*MetricsExtension)(nil)
)

// MetricsExtension records coordinator-wide lifecycle metrics. Register
// it as a fleet extension to track submission rates, completion and
// failure counts, retry counts, dispatch throughput, and worker churn.
type MetricsExtension struct {
	jobsSubmitted   metric.Int64Counter
	jobsCompleted   metric.Int64Counter
	jobsFailed      metric.Int64Counter
	jobsCancelled   metric.Int64Counter
	jobDuration     metric.Float64Histogram
	tasksDispatched metric.Int64Counter
	tasksSucceeded  metric.Int64Counter
	tasksFailed     metric.Int64Counter
	taskRetries     metric.Int64Counter
	workersJoined   metric.Int64Counter
	workersEvicted  metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global OTel
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter, allowing a specific MeterProvider for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}

	// On instrument creation errors the OTel API returns noop
	// instruments, so the extension degrades gracefully.
	m.jobsSubmitted, _ = meter.Int64Counter("fleet.jobs.submitted",
		metric.WithDescription("Total jobs accepted for execution"),
		metric.WithUnit("{job}"))
	m.jobsCompleted, _ = meter.Int64Counter("fleet.jobs.completed",
		metric.WithDescription("Total jobs whose every task succeeded"),
		metric.WithUnit("{job}"))
	m.jobsFailed, _ = meter.Int64Counter("fleet.jobs.failed",
		metric.WithDescription("Total jobs that failed terminally"),
		metric.WithUnit("{job}"))
	m.jobsCancelled, _ = meter.Int64Counter("fleet.jobs.cancelled",
		metric.WithDescription("Total jobs cancelled by clients"),
		metric.WithUnit("{job}"))
	m.jobDuration, _ = meter.Float64Histogram("fleet.job.duration",
		metric.WithDescription("Wall-clock duration of completed jobs in seconds"),
		metric.WithUnit("s"))
	m.tasksDispatched, _ = meter.Int64Counter("fleet.tasks.dispatched",
		metric.WithDescription("Total task dispatches to workers"),
		metric.WithUnit("{task}"))
	m.tasksSucceeded, _ = meter.Int64Counter("fleet.tasks.succeeded",
		metric.WithDescription("Total task attempts that succeeded"),
		metric.WithUnit("{task}"))
	m.tasksFailed, _ = meter.Int64Counter("fleet.tasks.failed",
		metric.WithDescription("Total tasks that failed terminally"),
		metric.WithUnit("{task}"))
	m.taskRetries, _ = meter.Int64Counter("fleet.tasks.retried",
		metric.WithDescription("Total task attempts requeued for retry"),
		metric.WithUnit("{task}"))
	m.workersJoined, _ = meter.Int64Counter("fleet.workers.registered",
		metric.WithDescription("Total worker registrations"),
		metric.WithUnit("{worker}"))
	m.workersEvicted, _ = meter.Int64Counter("fleet.workers.evicted",
		metric.WithDescription("Total workers evicted for missed heartbeats"),
		metric.WithUnit("{worker}"))

	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobSubmitted implements ext.JobSubmitted.
func (m *MetricsExtension) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	m.jobsSubmitted.Add(ctx, 1, typeAttr(j.Type))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	m.jobsCompleted.Add(ctx, 1, typeAttr(j.Type))
	m.jobDuration.Record(ctx, elapsed.Seconds(), typeAttr(j.Type))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.jobsFailed.Add(ctx, 1, typeAttr(j.Type))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.jobsCancelled.Add(ctx, 1, typeAttr(j.Type))
	return nil
}

// ── Task lifecycle hooks ────────────────────────────

// OnTaskDispatched implements ext.TaskDispatched.
func (m *MetricsExtension) OnTaskDispatched(ctx context.Context, t *job.Task) error {
	m.tasksDispatched.Add(ctx, 1, typeAttr(t.JobType))
	return nil
}

// OnTaskSucceeded implements ext.TaskSucceeded.
func (m *MetricsExtension) OnTaskSucceeded(ctx context.Context, t *job.Task) error {
	m.tasksSucceeded.Add(ctx, 1, typeAttr(t.JobType))
	return nil
}

// OnTaskFailed implements ext.TaskFailed.
func (m *MetricsExtension) OnTaskFailed(ctx context.Context, t *job.Task) error {
	m.tasksFailed.Add(ctx, 1, typeAttr(t.JobType))
	return nil
}

// OnTaskRetrying implements ext.TaskRetrying.
func (m *MetricsExtension) OnTaskRetrying(ctx context.Context, t *job.Task) error {
	m.taskRetries.Add(ctx, 1, typeAttr(t.JobType))
	return nil
}

// ── Worker lifecycle hooks ──────────────────────────

// OnWorkerRegistered implements ext.WorkerRegistered.
func (m *MetricsExtension) OnWorkerRegistered(ctx context.Context, _ *cluster.Worker) error {
	m.workersJoined.Add(ctx, 1)
	return nil
}

// OnWorkerEvicted implements ext.WorkerEvicted.
func (m *MetricsExtension) OnWorkerEvicted(ctx context.Context, _ *cluster.Worker, _ int) error {
	m.workersEvicted.Add(ctx, 1)
	return nil
}

func typeAttr(jobType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("job_type", jobType))
}
