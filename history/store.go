package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LLM-Dev-Ops/fleet"
	"github.com/LLM-Dev-Ops/fleet/id"
)

// ListOpts controls pagination and filtering for history queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// Status filters by terminal status. Empty means all.
	Status string
	// Type filters by job type. Empty means all.
	Type string
}

// Store defines the persistence contract for the job history archive.
type Store interface {
	// Put records a terminal job. Writing the same job ID twice
	// overwrites the previous entry.
	Put(ctx context.Context, entry *Entry) error

	// List returns entries matching the given options, most recently
	// completed first.
	List(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// Get retrieves an entry by job ID.
	Get(ctx context.Context, jobID id.JobID) (*Entry, error)

	// Purge removes entries completed before the given time. Returns
	// the number of entries removed.
	Purge(ctx context.Context, before time.Time) (int64, error)

	// Count returns the total number of archived entries.
	Count(ctx context.Context) (int64, error)
}

// MemoryStore is an in-memory Store for single-process deployments and
// tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Put(_ context.Context, entry *Entry) error {
	cp := *entry
	s.mu.Lock()
	s.entries[entry.JobID.String()] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context, opts ListOpts) ([]*Entry, error) {
	s.mu.RLock()
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		cp := *e
		entries = append(entries, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(a, b int) bool {
		return entries[a].CompletedAt.After(entries[b].CompletedAt)
	})

	if opts.Offset >= len(entries) {
		return nil, nil
	}
	entries = entries[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

func (s *MemoryStore) Get(_ context.Context, jobID id.JobID) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[jobID.String()]
	if !ok {
		return nil, fleet.ErrHistoryNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for key, e := range s.entries {
		if e.CompletedAt.Before(before) {
			delete(s.entries, key)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}
