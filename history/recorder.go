package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/LLM-Dev-Ops/fleet/ext"
	"github.com/LLM-Dev-Ops/fleet/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*Recorder)(nil)
	_ ext.JobCompleted = (*Recorder)(nil)
	_ ext.JobFailed    = (*Recorder)(nil)
	_ ext.JobCancelled = (*Recorder)(nil)
)

// Recorder archives jobs into a Store as they reach a terminal status.
// Register it as a fleet extension; optionally start its purge loop to
// enforce a retention window.
type Recorder struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRetention sets how long terminal jobs are kept. Zero disables
// purging. Defaults to 24h.
func WithRetention(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.retention = d }
}

// WithPurgeInterval sets the purge cadence. Defaults to 10m.
func WithPurgeInterval(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.interval = d }
}

// WithLogger sets the structured logger for the recorder.
func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder creates a Recorder writing to the given store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:     store,
		retention: 24 * time.Hour,
		interval:  10 * time.Minute,
		logger:    slog.Default(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements ext.Extension.
func (r *Recorder) Name() string { return "history-recorder" }

// Store returns the underlying archive store for direct queries.
func (r *Recorder) Store() Store { return r.store }

// StartPurgeLoop launches the background retention sweep.
func (r *Recorder) StartPurgeLoop() {
	if r.retention <= 0 {
		return
	}
	r.wg.Add(1)
	go r.purgeLoop()
}

// Stop terminates the purge loop and waits for it to exit.
func (r *Recorder) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Recorder) purgeLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-r.retention)
			purged, err := r.store.Purge(context.Background(), cutoff)
			if err != nil {
				r.logger.Warn("history purge failed", slog.String("error", err.Error()))
				continue
			}
			if purged > 0 {
				r.logger.Debug("history purged", slog.Int64("entries", purged))
			}
		}
	}
}

// OnJobCompleted implements ext.JobCompleted.
func (r *Recorder) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	return r.record(ctx, j)
}

// OnJobFailed implements ext.JobFailed.
func (r *Recorder) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	return r.record(ctx, j)
}

// OnJobCancelled implements ext.JobCancelled.
func (r *Recorder) OnJobCancelled(ctx context.Context, j *job.Job) error {
	return r.record(ctx, j)
}

func (r *Recorder) record(ctx context.Context, j *job.Job) error {
	entry := &Entry{
		JobID:         j.ID,
		Type:          j.Type,
		Status:        string(j.Status),
		Priority:      j.Priority,
		TotalTasks:    j.TotalTasks,
		DoneTasks:     j.DoneTasks,
		TotalAttempts: j.TotalAttempts,
		LastError:     j.LastError,
		Tags:          j.Tags,
		SubmittedAt:   j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   time.Now().UTC(),
	}
	if j.CompletedAt != nil {
		entry.CompletedAt = *j.CompletedAt
	}
	return r.store.Put(ctx, entry)
}
