package schedule_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LLM-Dev-Ops/fleet/id"
	"github.com/LLM-Dev-Ops/fleet/job"
	"github.com/LLM-Dev-Ops/fleet/schedule"
)

// captureSubmit records submitted specs and is safe for concurrent use.
type captureSubmit struct {
	mu    sync.Mutex
	specs []job.JobSpec
	err   error
}

func (c *captureSubmit) submit(_ context.Context, spec job.JobSpec) (id.JobID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return id.Nil, c.err
	}
	c.specs = append(c.specs, spec)
	return id.NewJobID(), nil
}

func (c *captureSubmit) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.specs)
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"0 3 * * 1", false},
		{"@hourly", false},
		{"@every 30s", false},
		{"not a schedule", true},
		{"* * * * * *", true}, // six fields
	}
	for _, tt := range tests {
		_, err := schedule.ParseSchedule(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestAdd_RejectsInvalidExpression(t *testing.T) {
	c := &captureSubmit{}
	s := schedule.NewScheduler(c.submit)

	if _, err := s.Add("bad", "whenever", job.JobSpec{Type: "bench"}); err == nil {
		t.Error("Add() with invalid cron succeeded, want error")
	}
	if got := len(s.List()); got != 0 {
		t.Errorf("len(List()) = %d, want 0", got)
	}
}

func TestAdd_ReplacesExistingName(t *testing.T) {
	c := &captureSubmit{}
	s := schedule.NewScheduler(c.submit)

	if _, err := s.Add("nightly", "@hourly", job.JobSpec{Type: "bench"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := s.Add("nightly", "@every 1m", job.JobSpec{Type: "eval"}); err != nil {
		t.Fatalf("Add() replace error = %v", err)
	}

	entries := s.List()
	if len(entries) != 1 {
		t.Fatalf("len(List()) = %d, want 1", len(entries))
	}
	if entries[0].Spec.Type != "eval" {
		t.Errorf("replaced entry type = %q, want %q", entries[0].Spec.Type, "eval")
	}
}

func TestTick_FiresDueEntriesOnce(t *testing.T) {
	c := &captureSubmit{}
	s := schedule.NewScheduler(c.submit)

	e, err := s.Add("recurring", "@every 1m", job.JobSpec{Type: "bench"})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// Before the entry is due nothing fires.
	s.Tick(time.Now().UTC())
	if c.count() != 0 {
		t.Fatalf("submissions before due = %d, want 0", c.count())
	}

	// At the due time the entry fires exactly once and reschedules.
	due := e.NextRunAt.Add(time.Second)
	s.Tick(due)
	if c.count() != 1 {
		t.Fatalf("submissions at due time = %d, want 1", c.count())
	}
	s.Tick(due)
	if c.count() != 1 {
		t.Errorf("re-tick at same instant fired again: %d submissions", c.count())
	}

	entries := s.List()
	if entries[0].FireCount != 1 {
		t.Errorf("FireCount = %d, want 1", entries[0].FireCount)
	}
	if entries[0].LastRunAt == nil {
		t.Error("LastRunAt not stamped")
	}
	if !entries[0].NextRunAt.After(due) {
		t.Errorf("NextRunAt = %v, want after %v", entries[0].NextRunAt, due)
	}
}

func TestTick_DisabledEntriesNeverFire(t *testing.T) {
	c := &captureSubmit{}
	s := schedule.NewScheduler(c.submit)

	e, err := s.Add("paused", "@every 1s", job.JobSpec{Type: "bench"})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !s.SetEnabled("paused", false) {
		t.Fatal("SetEnabled() = false, want true")
	}

	s.Tick(e.NextRunAt.Add(time.Hour))
	if c.count() != 0 {
		t.Errorf("disabled entry fired %d times", c.count())
	}

	// Re-enabling recomputes the next run instead of firing a backlog.
	s.SetEnabled("paused", true)
	entries := s.List()
	if !entries[0].NextRunAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Errorf("NextRunAt after re-enable = %v, want in the future", entries[0].NextRunAt)
	}
}

func TestTick_SubmitErrorDoesNotStopScheduler(t *testing.T) {
	c := &captureSubmit{err: errors.New("queue unavailable")}
	s := schedule.NewScheduler(c.submit)

	e, err := s.Add("flaky", "@every 1m", job.JobSpec{Type: "bench"})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	s.Tick(e.NextRunAt.Add(time.Second))

	// The entry still advanced despite the failed submission.
	entries := s.List()
	if entries[0].FireCount != 1 {
		t.Errorf("FireCount = %d, want 1", entries[0].FireCount)
	}
}

func TestRemove(t *testing.T) {
	c := &captureSubmit{}
	s := schedule.NewScheduler(c.submit)

	if _, err := s.Add("gone", "@hourly", job.JobSpec{Type: "bench"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	s.Remove("gone")
	if got := len(s.List()); got != 0 {
		t.Errorf("len(List()) = %d, want 0", got)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	c := &captureSubmit{}
	s := schedule.NewScheduler(c.submit, schedule.WithTickInterval(10*time.Millisecond))

	if _, err := s.Add("fast", "@every 1s", job.JobSpec{Type: "bench"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop() // idempotent
}
