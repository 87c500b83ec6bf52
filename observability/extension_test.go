package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/LLM-Dev-Ops/fleet/cluster"
	"github.com/LLM-Dev-Ops/fleet/id"
	"github.com/LLM-Dev-Ops/fleet/job"
	"github.com/LLM-Dev-Ops/fleet/observability"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	metric := findMetric(rm, name)
	if metric == nil {
		t.Fatalf("%s metric not found", name)
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected Sum[int64] data type", name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func testJob(jobType string) *job.Job {
	return &job.Job{ID: id.NewJobID(), Type: jobType, Status: job.StatusPending}
}

func TestMetricsExtension_CountsJobLifecycle(t *testing.T) {
	reader, mp := setupTestMeter()
	m := observability.NewMetricsExtensionWithMeter(mp.Meter("test"))
	ctx := context.Background()

	j := testJob("bench")
	if err := m.OnJobSubmitted(ctx, j); err != nil {
		t.Fatalf("OnJobSubmitted() error = %v", err)
	}
	if err := m.OnJobCompleted(ctx, j, 90*time.Second); err != nil {
		t.Fatalf("OnJobCompleted() error = %v", err)
	}
	if err := m.OnJobFailed(ctx, testJob("bench"), errors.New("boom")); err != nil {
		t.Fatalf("OnJobFailed() error = %v", err)
	}
	if err := m.OnJobCancelled(ctx, testJob("report")); err != nil {
		t.Fatalf("OnJobCancelled() error = %v", err)
	}

	rm := collectMetrics(t, reader)
	if got := sumValue(t, rm, "fleet.jobs.submitted"); got != 1 {
		t.Errorf("jobs submitted = %d, want 1", got)
	}
	if got := sumValue(t, rm, "fleet.jobs.completed"); got != 1 {
		t.Errorf("jobs completed = %d, want 1", got)
	}
	if got := sumValue(t, rm, "fleet.jobs.failed"); got != 1 {
		t.Errorf("jobs failed = %d, want 1", got)
	}
	if got := sumValue(t, rm, "fleet.jobs.cancelled"); got != 1 {
		t.Errorf("jobs cancelled = %d, want 1", got)
	}
}

func TestMetricsExtension_RecordsJobDuration(t *testing.T) {
	reader, mp := setupTestMeter()
	m := observability.NewMetricsExtensionWithMeter(mp.Meter("test"))

	if err := m.OnJobCompleted(context.Background(), testJob("bench"), 90*time.Second); err != nil {
		t.Fatalf("OnJobCompleted() error = %v", err)
	}

	rm := collectMetrics(t, reader)
	metric := findMetric(rm, "fleet.job.duration")
	if metric == nil {
		t.Fatal("fleet.job.duration metric not found")
	}
	hist, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("expected Histogram[float64] data type")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
		t.Fatal("no duration sample recorded")
	}
	if got := hist.DataPoints[0].Sum; got != 90 {
		t.Errorf("duration sum = %v, want 90 seconds", got)
	}
}

func TestMetricsExtension_CountsTasksAndWorkers(t *testing.T) {
	reader, mp := setupTestMeter()
	m := observability.NewMetricsExtensionWithMeter(mp.Meter("test"))
	ctx := context.Background()

	task := &job.Task{ID: id.NewTaskID(), JobType: "bench", Attempt: 1}
	if err := m.OnTaskDispatched(ctx, task); err != nil {
		t.Fatalf("OnTaskDispatched() error = %v", err)
	}
	if err := m.OnTaskRetrying(ctx, task); err != nil {
		t.Fatalf("OnTaskRetrying() error = %v", err)
	}
	if err := m.OnTaskSucceeded(ctx, task); err != nil {
		t.Fatalf("OnTaskSucceeded() error = %v", err)
	}
	if err := m.OnTaskFailed(ctx, task); err != nil {
		t.Fatalf("OnTaskFailed() error = %v", err)
	}

	w := &cluster.Worker{ID: id.NewWorkerID()}
	if err := m.OnWorkerRegistered(ctx, w); err != nil {
		t.Fatalf("OnWorkerRegistered() error = %v", err)
	}
	if err := m.OnWorkerEvicted(ctx, w, 2); err != nil {
		t.Fatalf("OnWorkerEvicted() error = %v", err)
	}

	rm := collectMetrics(t, reader)
	if got := sumValue(t, rm, "fleet.tasks.dispatched"); got != 1 {
		t.Errorf("tasks dispatched = %d, want 1", got)
	}
	if got := sumValue(t, rm, "fleet.tasks.retried"); got != 1 {
		t.Errorf("tasks retried = %d, want 1", got)
	}
	if got := sumValue(t, rm, "fleet.tasks.succeeded"); got != 1 {
		t.Errorf("tasks succeeded = %d, want 1", got)
	}
	if got := sumValue(t, rm, "fleet.tasks.failed"); got != 1 {
		t.Errorf("tasks failed = %d, want 1", got)
	}
	if got := sumValue(t, rm, "fleet.workers.registered"); got != 1 {
		t.Errorf("workers registered = %d, want 1", got)
	}
	if got := sumValue(t, rm, "fleet.workers.evicted"); got != 1 {
		t.Errorf("workers evicted = %d, want 1", got)
	}
}

func TestMetricsExtension_Name(t *testing.T) {
	m := observability.NewMetricsExtension()
	if m.Name() != "observability-metrics" {
		t.Errorf("Name() = %q, want observability-metrics", m.Name())
	}
}
