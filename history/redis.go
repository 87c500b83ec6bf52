package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/LLM-Dev-Ops/fleet"
	"github.com/LLM-Dev-Ops/fleet/id"
)

const historyIDsKey = "fleet:history:ids"

func historyKey(jobID string) string {
	return "fleet:history:" + jobID
}

// RedisStore implements Store backed by Redis. Entries are stored as
// hashes with a set index, so the archive survives coordinator
// restarts.
type RedisStore struct {
	client goredis.Cmdable
}

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed history store. The caller owns
// the Redis client lifecycle.
func NewRedisStore(client goredis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Ping verifies the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Put(ctx context.Context, entry *Entry) error {
	jID := entry.JobID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, historyKey(jID), entryToMap(entry))
	pipe.SAdd(ctx, historyIDsKey, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history/redis: put: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	ids, err := s.client.SMembers(ctx, historyIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("history/redis: list: %w", err)
	}

	entries := make([]*Entry, 0, len(ids))
	for _, jID := range ids {
		vals, getErr := s.client.HGetAll(ctx, historyKey(jID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		e, convErr := mapToEntry(vals)
		if convErr != nil {
			continue
		}
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		entries = append(entries, e)
	}

	sortEntriesByCompletion(entries)

	if opts.Offset >= len(entries) {
		return nil, nil
	}
	entries = entries[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

func (s *RedisStore) Get(ctx context.Context, jobID id.JobID) (*Entry, error) {
	vals, err := s.client.HGetAll(ctx, historyKey(jobID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("history/redis: get: %w", err)
	}
	if len(vals) == 0 {
		return nil, fleet.ErrHistoryNotFound
	}
	return mapToEntry(vals)
}

func (s *RedisStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, historyIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("history/redis: purge smembers: %w", err)
	}

	var purged int64
	for _, jID := range ids {
		key := historyKey(jID)
		completedAtStr, getErr := s.client.HGet(ctx, key, "completed_at").Result()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				continue
			}
			return purged, fmt.Errorf("history/redis: purge get: %w", getErr)
		}

		completedAt, _ := time.Parse(time.RFC3339Nano, completedAtStr) //nolint:errcheck // best-effort parse from trusted Redis data
		if completedAt.Before(before) {
			pipe := s.client.TxPipeline()
			pipe.Del(ctx, key)
			pipe.SRem(ctx, historyIDsKey, jID)
			if _, pErr := pipe.Exec(ctx); pErr != nil {
				return purged, fmt.Errorf("history/redis: purge del: %w", pErr)
			}
			purged++
		}
	}
	return purged, nil
}

func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	count, err := s.client.SCard(ctx, historyIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("history/redis: count: %w", err)
	}
	return count, nil
}

// ── helpers ──

func entryToMap(e *Entry) map[string]interface{} {
	m := map[string]interface{}{
		"job_id":         e.JobID.String(),
		"type":           e.Type,
		"status":         e.Status,
		"priority":       strconv.Itoa(e.Priority),
		"total_tasks":    strconv.Itoa(e.TotalTasks),
		"done_tasks":     strconv.Itoa(e.DoneTasks),
		"total_attempts": strconv.Itoa(e.TotalAttempts),
		"last_error":     e.LastError,
		"tags":           strings.Join(e.Tags, ","),
		"submitted_at":   e.SubmittedAt.Format(time.RFC3339Nano),
		"completed_at":   e.CompletedAt.Format(time.RFC3339Nano),
	}
	if e.StartedAt != nil {
		m["started_at"] = e.StartedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToEntry(m map[string]string) (*Entry, error) {
	jobID, err := id.ParseJobID(m["job_id"])
	if err != nil {
		return nil, fmt.Errorf("history/redis: parse job id: %w", err)
	}
	priority, _ := strconv.Atoi(m["priority"])                          //nolint:errcheck // best-effort parse from trusted Redis data
	totalTasks, _ := strconv.Atoi(m["total_tasks"])                     //nolint:errcheck // best-effort parse from trusted Redis data
	doneTasks, _ := strconv.Atoi(m["done_tasks"])                       //nolint:errcheck // best-effort parse from trusted Redis data
	totalAttempts, _ := strconv.Atoi(m["total_attempts"])               //nolint:errcheck // best-effort parse from trusted Redis data
	submittedAt, _ := time.Parse(time.RFC3339Nano, m["submitted_at"])   //nolint:errcheck // best-effort parse from trusted Redis data
	completedAt, _ := time.Parse(time.RFC3339Nano, m["completed_at"])   //nolint:errcheck // best-effort parse from trusted Redis data

	e := &Entry{
		JobID:         jobID,
		Type:          m["type"],
		Status:        m["status"],
		Priority:      priority,
		TotalTasks:    totalTasks,
		DoneTasks:     doneTasks,
		TotalAttempts: totalAttempts,
		LastError:     m["last_error"],
		SubmittedAt:   submittedAt,
		CompletedAt:   completedAt,
	}

	if v := m["tags"]; v != "" {
		e.Tags = strings.Split(v, ",")
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		e.StartedAt = &t
	}
	return e, nil
}

func sortEntriesByCompletion(entries []*Entry) {
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].CompletedAt.After(entries[b].CompletedAt)
	})
}
