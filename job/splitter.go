package job

import (
	"context"
	"sync"
)

// Splitter decomposes a job payload into per-task payloads. Task
// granularity is job-type-specific and supplied by the embedding
// application (for benchmark jobs, typically one task per dataset shard
// or per evaluated model).
type Splitter func(ctx context.Context, payload []byte) ([][]byte, error)

// SplitterRegistry maps job types to splitters. It is safe for
// concurrent use.
type SplitterRegistry struct {
	mu        sync.RWMutex
	splitters map[string]Splitter
}

// NewSplitterRegistry creates an empty splitter registry.
func NewSplitterRegistry() *SplitterRegistry {
	return &SplitterRegistry{
		splitters: make(map[string]Splitter),
	}
}

// Register installs a splitter for the given job type, replacing any
// previous one.
func (r *SplitterRegistry) Register(jobType string, s Splitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.splitters[jobType] = s
}

// Split runs the registered splitter for jobType. Job types without a
// registered splitter become a single task carrying the job payload.
func (r *SplitterRegistry) Split(ctx context.Context, jobType string, payload []byte) ([][]byte, error) {
	r.mu.RLock()
	s, ok := r.splitters[jobType]
	r.mu.RUnlock()

	if !ok {
		return [][]byte{payload}, nil
	}
	return s(ctx, payload)
}
