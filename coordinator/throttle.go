package coordinator

import (
	"sync"

	"golang.org/x/time/rate"
)

// ThrottleConfig defines per-job-type dispatch limits.
type ThrottleConfig struct {
	// JobType is the job type identifier (must match job.Job.Type).
	JobType string

	// RateLimit is the maximum sustained task dispatches per second for
	// this job type. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int

	// MaxInFlight limits how many tasks of this job type may be
	// dispatched simultaneously across the cluster. Zero means no
	// type-specific limit.
	MaxInFlight int
}

// typeState tracks runtime state for a single job type.
type typeState struct {
	config  ThrottleConfig
	limiter *rate.Limiter
	active  int
}

// Throttle controls per-job-type dispatch rate and in-flight limits.
// It is safe for concurrent use.
type Throttle struct {
	mu    sync.Mutex
	types map[string]*typeState
}

// NewThrottle creates a Throttle with the given type configurations.
// Job types not listed here have no limits.
func NewThrottle(configs ...ThrottleConfig) *Throttle {
	t := &Throttle{
		types: make(map[string]*typeState, len(configs)),
	}
	for _, cfg := range configs {
		t.types[cfg.JobType] = newTypeState(cfg)
	}
	return t
}

func newTypeState(cfg ThrottleConfig) *typeState {
	ts := &typeState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ts.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ts
}

// Acquire checks the rate and in-flight limits for the given job type.
// If the dispatch may proceed it increments the active counter and
// returns true. The caller MUST call Release when the task leaves
// flight.
func (t *Throttle) Acquire(jobType string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.types[jobType]
	if ts == nil {
		return true
	}
	if ts.limiter != nil && !ts.limiter.Allow() {
		return false
	}
	if ts.config.MaxInFlight > 0 && ts.active >= ts.config.MaxInFlight {
		return false
	}
	ts.active++
	return true
}

// Release decrements the active count for the job type.
func (t *Throttle) Release(jobType string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ts := t.types[jobType]; ts != nil && ts.active > 0 {
		ts.active--
	}
}
