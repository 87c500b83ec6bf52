package history_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LLM-Dev-Ops/fleet"
	"github.com/LLM-Dev-Ops/fleet/history"
	"github.com/LLM-Dev-Ops/fleet/id"
	"github.com/LLM-Dev-Ops/fleet/job"
)

func terminalJob(status job.Status) *job.Job {
	now := time.Now().UTC()
	started := now.Add(-time.Minute)
	return &job.Job{
		Entity:      fleet.NewEntity(),
		ID:          id.NewJobID(),
		Type:        "bench",
		Priority:    2,
		Status:      status,
		StartedAt:   &started,
		CompletedAt: &now,
		TotalTasks:  4,
		DoneTasks:   4,
	}
}

func TestRecorder_ArchivesTerminalJobs(t *testing.T) {
	store := history.NewMemoryStore()
	r := history.NewRecorder(store)
	ctx := context.Background()

	completed := terminalJob(job.StatusCompleted)
	if err := r.OnJobCompleted(ctx, completed, time.Minute); err != nil {
		t.Fatalf("OnJobCompleted() error = %v", err)
	}

	failed := terminalJob(job.StatusFailed)
	failed.LastError = "retry budget exhausted"
	if err := r.OnJobFailed(ctx, failed, errors.New("retry budget exhausted")); err != nil {
		t.Fatalf("OnJobFailed() error = %v", err)
	}

	cancelled := terminalJob(job.StatusCancelled)
	if err := r.OnJobCancelled(ctx, cancelled); err != nil {
		t.Fatalf("OnJobCancelled() error = %v", err)
	}

	if n, _ := store.Count(ctx); n != 3 {
		t.Fatalf("Count() = %d, want 3", n)
	}

	got, err := store.Get(ctx, failed.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != string(job.StatusFailed) {
		t.Errorf("Status = %q, want %q", got.Status, job.StatusFailed)
	}
	if got.LastError != "retry budget exhausted" {
		t.Errorf("LastError = %q", got.LastError)
	}
	if got.TotalTasks != 4 || got.DoneTasks != 4 {
		t.Errorf("tasks = %d/%d, want 4/4", got.DoneTasks, got.TotalTasks)
	}
}

func TestRecorder_PurgeLoopEnforcesRetention(t *testing.T) {
	store := history.NewMemoryStore()
	r := history.NewRecorder(store,
		history.WithRetention(time.Hour),
		history.WithPurgeInterval(10*time.Millisecond),
	)
	ctx := context.Background()

	stale := terminalJob(job.StatusCompleted)
	old := time.Now().UTC().Add(-2 * time.Hour)
	stale.CompletedAt = &old
	if err := r.OnJobCompleted(ctx, stale, time.Minute); err != nil {
		t.Fatalf("OnJobCompleted() error = %v", err)
	}
	fresh := terminalJob(job.StatusCompleted)
	if err := r.OnJobCompleted(ctx, fresh, time.Minute); err != nil {
		t.Fatalf("OnJobCompleted() error = %v", err)
	}

	r.StartPurgeLoop()
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := store.Count(ctx); n == 1 {
			break
		}
		if time.Now().After(deadline) {
			n, _ := store.Count(ctx)
			t.Fatalf("Count() = %d after purge window, want 1", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := store.Get(ctx, fresh.ID); err != nil {
		t.Errorf("fresh entry lost to purge: %v", err)
	}
}

func TestRecorder_ZeroRetentionDisablesPurge(t *testing.T) {
	r := history.NewRecorder(history.NewMemoryStore(), history.WithRetention(0))
	// StartPurgeLoop must be a no-op; Stop must not hang.
	r.StartPurgeLoop()
	r.Stop()
}
