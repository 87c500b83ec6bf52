package history_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LLM-Dev-Ops/fleet"
	"github.com/LLM-Dev-Ops/fleet/history"
	"github.com/LLM-Dev-Ops/fleet/id"
)

func newEntry(jobType, status string, completedAt time.Time) *history.Entry {
	return &history.Entry{
		JobID:       id.NewJobID(),
		Type:        jobType,
		Status:      status,
		TotalTasks:  1,
		DoneTasks:   1,
		SubmittedAt: completedAt.Add(-time.Minute),
		CompletedAt: completedAt,
	}
}

func TestMemoryStore_PutGet(t *testing.T) {
	s := history.NewMemoryStore()
	ctx := context.Background()

	e := newEntry("bench", "completed", time.Now())
	if err := s.Put(ctx, e); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(ctx, e.JobID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Type != "bench" || got.Status != "completed" {
		t.Errorf("Get() = %+v", got)
	}

	if _, err := s.Get(ctx, id.NewJobID()); !errors.Is(err, fleet.ErrHistoryNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrHistoryNotFound", err)
	}
}

func TestMemoryStore_PutOverwritesSameJob(t *testing.T) {
	s := history.NewMemoryStore()
	ctx := context.Background()

	e := newEntry("bench", "failed", time.Now())
	if err := s.Put(ctx, e); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	e.Status = "completed"
	if err := s.Put(ctx, e); err != nil {
		t.Fatalf("Put() overwrite error = %v", err)
	}

	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
	got, err := s.Get(ctx, e.JobID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != "completed" {
		t.Errorf("Status = %q, want %q", got.Status, "completed")
	}
}

func TestMemoryStore_ListOrdersAndFilters(t *testing.T) {
	s := history.NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	oldest := newEntry("bench", "completed", base.Add(-2*time.Hour))
	middle := newEntry("eval", "failed", base.Add(-time.Hour))
	newest := newEntry("bench", "completed", base)
	for _, e := range []*history.Entry{oldest, middle, newest} {
		if err := s.Put(ctx, e); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	all, err := s.List(ctx, history.ListOpts{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(List()) = %d, want 3", len(all))
	}
	if all[0].JobID != newest.JobID || all[2].JobID != oldest.JobID {
		t.Error("List() not ordered most recent first")
	}

	failed, err := s.List(ctx, history.ListOpts{Status: "failed"})
	if err != nil {
		t.Fatalf("List(failed) error = %v", err)
	}
	if len(failed) != 1 || failed[0].JobID != middle.JobID {
		t.Errorf("List(failed) = %v, want exactly the failed entry", failed)
	}

	bench, err := s.List(ctx, history.ListOpts{Type: "bench"})
	if err != nil {
		t.Fatalf("List(bench) error = %v", err)
	}
	if len(bench) != 2 {
		t.Errorf("len(List(bench)) = %d, want 2", len(bench))
	}
}

func TestMemoryStore_ListPaginates(t *testing.T) {
	s := history.NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	for i := range 5 {
		if err := s.Put(ctx, newEntry("bench", "completed", base.Add(-time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	page, err := s.List(ctx, history.ListOpts{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page) != 2 {
		t.Errorf("len(page) = %d, want 2", len(page))
	}

	empty, err := s.List(ctx, history.ListOpts{Offset: 10})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("len(past-end page) = %d, want 0", len(empty))
	}
}

func TestMemoryStore_PurgeRemovesOldEntries(t *testing.T) {
	s := history.NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	old := newEntry("bench", "completed", base.Add(-48*time.Hour))
	recent := newEntry("bench", "completed", base)
	for _, e := range []*history.Entry{old, recent} {
		if err := s.Put(ctx, e); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	purged, err := s.Purge(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if purged != 1 {
		t.Errorf("Purge() = %d, want 1", purged)
	}
	if _, err := s.Get(ctx, old.JobID); !errors.Is(err, fleet.ErrHistoryNotFound) {
		t.Errorf("old entry still present after purge")
	}
	if _, err := s.Get(ctx, recent.JobID); err != nil {
		t.Errorf("recent entry lost to purge: %v", err)
	}
}

func TestEntry_Duration(t *testing.T) {
	completed := time.Now()
	started := completed.Add(-90 * time.Second)

	e := &history.Entry{StartedAt: &started, CompletedAt: completed}
	if got := e.Duration(); got != 90*time.Second {
		t.Errorf("Duration() = %v, want 90s", got)
	}

	never := &history.Entry{CompletedAt: completed}
	if got := never.Duration(); got != 0 {
		t.Errorf("Duration() for never-started job = %v, want 0", got)
	}
}
