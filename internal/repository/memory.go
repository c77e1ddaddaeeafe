package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/model-gateway/internal/domain"
)

type InMemoryRawCallStore struct {
	mu    sync.RWMutex
	calls map[string]domain.RawModelCall
}

func NewInMemoryRawCallStore() *InMemoryRawCallStore {
	return &InMemoryRawCallStore{calls: make(map[string]domain.RawModelCall)}
}

func (s *InMemoryRawCallStore) Append(ctx context.Context, call domain.RawModelCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[call.ID]; !ok {
		call.CreatedAt = call.CreatedAt.UTC()
		s.calls[call.ID] = call
	}
	return nil
}

func (s *InMemoryRawCallStore) Get(ctx context.Context, id string) (domain.RawModelCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	call, ok := s.calls[id]
	if !ok {
		return domain.RawModelCall{}, fmt.Errorf("raw call %s: %w", id, domain.ErrNotFound)
	}
	return call, nil
}

func (s *InMemoryRawCallStore) Scan(ctx context.Context, start, end time.Time, fn func(domain.RawModelCall) error) error {
	for _, call := range s.sorted(func(c domain.RawModelCall) bool {
		return !c.CreatedAt.Before(start) && c.CreatedAt.Before(end)
	}) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(call); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryRawCallStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.RawModelCall, error) {
	calls := s.sorted(func(c domain.RawModelCall) bool { return c.CreatedAt.Before(cutoff) })
	if len(calls) > limit {
		calls = calls[:limit]
	}
	return calls, nil
}

func (s *InMemoryRawCallStore) AppScopes(ctx context.Context, start, end time.Time) ([]string, error) {
	seen := make(map[string]struct{})
	for _, c := range s.sorted(func(c domain.RawModelCall) bool {
		return c.AppID != "" && !c.CreatedAt.Before(start) && c.CreatedAt.Before(end)
	}) {
		seen[c.AppID] = struct{}{}
	}
	return sortedKeys(seen), nil
}

func (s *InMemoryRawCallStore) UserScopes(ctx context.Context, start, end time.Time) ([]string, error) {
	seen := make(map[string]struct{})
	for _, c := range s.sorted(func(c domain.RawModelCall) bool {
		return c.UserID != "" && !c.CreatedAt.Before(start) && c.CreatedAt.Before(end)
	}) {
		seen[c.UserID] = struct{}{}
	}
	return sortedKeys(seen), nil
}

func (s *InMemoryRawCallStore) Delete(ctx context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := s.calls[id]; ok {
			delete(s.calls, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryRawCallStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.calls)
}

func (s *InMemoryRawCallStore) sorted(keep func(domain.RawModelCall) bool) []domain.RawModelCall {
	s.mu.RLock()
	var out []domain.RawModelCall
	for _, c := range s.calls {
		if keep(c) {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type InMemoryBucketStore struct {
	mu      sync.RWMutex
	buckets map[domain.BucketKey]domain.UsageBucket
}

func NewInMemoryBucketStore() *InMemoryBucketStore {
	return &InMemoryBucketStore{buckets: make(map[domain.BucketKey]domain.UsageBucket)}
}

func normalizeKey(k domain.BucketKey) domain.BucketKey {
	k.BucketStart = k.BucketStart.UTC()
	return k
}

func (s *InMemoryBucketStore) Upsert(ctx context.Context, buckets []domain.UsageBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range buckets {
		b.BucketKey = normalizeKey(b.BucketKey)
		s.buckets[b.BucketKey] = b
	}
	return nil
}

func (s *InMemoryBucketStore) Get(ctx context.Context, key domain.BucketKey) (domain.UsageBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[normalizeKey(key)]
	if !ok {
		return domain.UsageBucket{}, fmt.Errorf("bucket: %w", domain.ErrNotFound)
	}
	return b, nil
}

func (s *InMemoryBucketStore) ListInRange(ctx context.Context, q BucketQuery) ([]domain.UsageBucket, error) {
	s.mu.RLock()
	var out []domain.UsageBucket
	for _, b := range s.buckets {
		if matches(q, b) {
			out = append(out, b)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return bucketLess(out[i].BucketKey, out[j].BucketKey) })
	return out, nil
}

func (s *InMemoryBucketStore) KnownAppScopes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	seen := make(map[string]struct{})
	for k := range s.buckets {
		if k.AppScope != "" {
			seen[k.AppScope] = struct{}{}
		}
	}
	s.mu.RUnlock()
	return sortedKeys(seen), nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// All returns every bucket in key order.
func (s *InMemoryBucketStore) All() []domain.UsageBucket {
	s.mu.RLock()
	out := make([]domain.UsageBucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		out = append(out, b)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return bucketLess(out[i].BucketKey, out[j].BucketKey) })
	return out
}

func bucketLess(a, b domain.BucketKey) bool {
	if a.TimeType != b.TimeType {
		return a.TimeType < b.TimeType
	}
	if !a.BucketStart.Equal(b.BucketStart) {
		return a.BucketStart.Before(b.BucketStart)
	}
	if a.UserScope != b.UserScope {
		return a.UserScope < b.UserScope
	}
	if a.AppScope != b.AppScope {
		return a.AppScope < b.AppScope
	}
	return a.ModelID < b.ModelID
}

type InMemoryArchiveLogStore struct {
	mu   sync.RWMutex
	logs []domain.ArchiveExecutionLog
}

func NewInMemoryArchiveLogStore() *InMemoryArchiveLogStore {
	return &InMemoryArchiveLogStore{}
}

func (s *InMemoryArchiveLogStore) Insert(ctx context.Context, log domain.ArchiveExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.logs {
		if existing.ID == log.ID {
			return fmt.Errorf("archive log %s already exists", log.ID)
		}
	}
	s.logs = append(s.logs, log)
	return nil
}

func (s *InMemoryArchiveLogStore) Get(ctx context.Context, id string) (domain.ArchiveExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.logs {
		if l.ID == id {
			return l, nil
		}
	}
	return domain.ArchiveExecutionLog{}, fmt.Errorf("archive log %s: %w", id, domain.ErrNotFound)
}

func (s *InMemoryArchiveLogStore) ListInRange(ctx context.Context, start, end time.Time) ([]domain.ArchiveExecutionLog, error) {
	s.mu.RLock()
	var out []domain.ArchiveExecutionLog
	for _, l := range s.logs {
		if !l.CreatedAt.Before(start) && l.CreatedAt.Before(end) {
			out = append(out, l)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
