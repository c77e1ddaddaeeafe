// Package repository holds the narrow stores behind metering: raw calls,
// usage buckets and archive logs. Each has a Postgres and an in-memory
// implementation.
package repository

import (
	"context"
	"time"

	"github.com/felipepmaragno/model-gateway/internal/domain"
)

// RawCallStore is append-only; rows leave only through archival.
type RawCallStore interface {
	// Append stores call once. Appending an ID that already exists is a no-op,
	// so redelivered queue messages are harmless.
	Append(ctx context.Context, call domain.RawModelCall) error
	Get(ctx context.Context, id string) (domain.RawModelCall, error)
	// Scan calls fn for every call created in [start, end), oldest first,
	// without materializing the range.
	Scan(ctx context.Context, start, end time.Time, fn func(domain.RawModelCall) error) error
	// ListBefore returns up to limit calls created before cutoff, oldest first.
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.RawModelCall, error)
	// AppScopes lists the distinct non-empty app IDs of calls created in [start, end).
	AppScopes(ctx context.Context, start, end time.Time) ([]string, error)
	// UserScopes lists the distinct non-empty user IDs of calls created in [start, end).
	UserScopes(ctx context.Context, start, end time.Time) ([]string, error)
	// Delete removes the given calls atomically and returns how many existed.
	Delete(ctx context.Context, ids []string) (int64, error)
}

// BucketQuery selects buckets of one granularity starting in [Start, End).
// Empty scope fields match only the "all" series; set AnyScope to match every scope.
type BucketQuery struct {
	TimeType  domain.TimeType
	Start     time.Time
	End       time.Time
	UserScope string
	AppScope  string
	ModelID   string
	AnyScope  bool
}

type BucketStore interface {
	// Upsert replaces each row by its exact key in one transaction. Rows
	// for keys not in the batch are untouched.
	Upsert(ctx context.Context, buckets []domain.UsageBucket) error
	Get(ctx context.Context, key domain.BucketKey) (domain.UsageBucket, error)
	ListInRange(ctx context.Context, q BucketQuery) ([]domain.UsageBucket, error)
	// KnownAppScopes lists every app scope that has ever had a bucket.
	KnownAppScopes(ctx context.Context) ([]string, error)
}

type ArchiveLogStore interface {
	Insert(ctx context.Context, log domain.ArchiveExecutionLog) error
	Get(ctx context.Context, id string) (domain.ArchiveExecutionLog, error)
	// ListInRange returns logs created in [start, end), newest first.
	ListInRange(ctx context.Context, start, end time.Time) ([]domain.ArchiveExecutionLog, error)
}

func matches(q BucketQuery, b domain.UsageBucket) bool {
	if b.TimeType != q.TimeType || b.BucketStart.Before(q.Start) || !b.BucketStart.Before(q.End) {
		return false
	}
	if q.AnyScope {
		return true
	}
	return b.UserScope == q.UserScope && b.AppScope == q.AppScope && b.ModelID == q.ModelID
}
