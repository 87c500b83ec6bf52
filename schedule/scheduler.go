// Package schedule submits recurring jobs on cron expressions. The
// scheduler runs inside the coordinator process; each entry resubmits
// its job spec whenever its schedule fires.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/LLM-Dev-Ops/fleet/id"
	"github.com/LLM-Dev-Ops/fleet/job"
)

// SubmitFunc is the callback the scheduler uses to submit jobs.
// This breaks the import cycle: the coordinator provides the
// implementation.
type SubmitFunc func(ctx context.Context, spec job.JobSpec) (id.JobID, error)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Entry is a named recurring job.
type Entry struct {
	Name      string      `json:"name"`
	Schedule  string      `json:"schedule"`
	Spec      job.JobSpec `json:"spec"`
	Enabled   bool        `json:"enabled"`
	LastRunAt *time.Time  `json:"last_run_at,omitempty"`
	NextRunAt time.Time   `json:"next_run_at"`
	FireCount int64       `json:"fire_count"`

	sched cronlib.Schedule
}

// Scheduler fires recurring entries on a tick loop.
type Scheduler struct {
	submit SubmitFunc
	logger *slog.Logger

	tickInterval time.Duration

	mu      sync.Mutex
	entries map[string]*Entry

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
// Defaults to 1s.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLogger sets the structured logger for the scheduler.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a Scheduler submitting through the given callback.
func NewScheduler(submit SubmitFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		submit:       submit,
		logger:       slog.Default(),
		tickInterval: 1 * time.Second,
		entries:      make(map[string]*Entry),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a recurring entry. The name must be unique; adding an
// existing name replaces the entry.
func (s *Scheduler) Add(name, expr string, spec job.JobSpec) (*Entry, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule: parse %q: %w", expr, err)
	}

	e := &Entry{
		Name:      name,
		Schedule:  expr,
		Spec:      spec,
		Enabled:   true,
		NextRunAt: sched.Next(time.Now().UTC()),
		sched:     sched,
	}

	s.mu.Lock()
	s.entries[name] = e
	s.mu.Unlock()

	s.logger.Info("schedule entry added",
		slog.String("name", name),
		slog.String("schedule", expr),
		slog.Time("next_run_at", e.NextRunAt),
	)
	return s.snapshot(e), nil
}

// Remove deletes an entry by name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	delete(s.entries, name)
	s.mu.Unlock()
}

// SetEnabled pauses or resumes an entry.
func (s *Scheduler) SetEnabled(name string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	e.Enabled = enabled
	if enabled {
		e.NextRunAt = e.sched.Next(time.Now().UTC())
	}
	return true
}

// List returns snapshots of all entries.
func (s *Scheduler) List() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, s.snapshot(e))
	}
	return out
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started", slog.Duration("tick_interval", s.tickInterval))
}

// Stop signals the scheduler to stop and waits for the loop to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(time.Now().UTC())
		}
	}
}

// Tick fires every due entry at now. Exposed for tests.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if !e.Enabled || e.NextRunAt.After(now) {
			continue
		}
		last := now
		e.LastRunAt = &last
		e.NextRunAt = e.sched.Next(now)
		e.FireCount++
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(e, now)
	}
}

func (s *Scheduler) fire(e *Entry, now time.Time) {
	ctx := context.Background()
	jobID, err := s.submit(ctx, e.Spec)
	if err != nil {
		s.logger.Error("schedule submit error",
			slog.String("name", e.Name),
			slog.String("job_type", e.Spec.Type),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Info("schedule fired",
		slog.String("name", e.Name),
		slog.String("job_type", e.Spec.Type),
		slog.String("job_id", jobID.String()),
		slog.Time("fired_at", now),
	)
}

// snapshot copies an entry without its internal schedule.
func (s *Scheduler) snapshot(e *Entry) *Entry {
	cp := *e
	cp.sched = nil
	return &cp
}
