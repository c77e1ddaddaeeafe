// Package archive moves aged raw calls from the hot store to a cold store.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/felipepmaragno/model-gateway/internal/idgen"
	"github.com/felipepmaragno/model-gateway/internal/metrics"
	"github.com/felipepmaragno/model-gateway/internal/notifications"
	"github.com/felipepmaragno/model-gateway/internal/repository"
	"github.com/felipepmaragno/model-gateway/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const (
	JobName   = "archival"
	TableName = "raw_model_calls"
)

type Config struct {
	// ArchiveAfter is the age at which a raw call becomes eligible.
	ArchiveAfter time.Duration
	BatchSize    int
	// MaxBatches caps one run; the next run continues where it stopped.
	MaxBatches int
}

func DefaultConfig() Config {
	return Config{
		ArchiveAfter: 90 * 24 * time.Hour,
		BatchSize:    1000,
		MaxBatches:   100,
	}
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithNotifier(n notifications.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// Manager copies calls to the cold store before deleting them from the hot
// store, one batch at a time. Every run writes exactly one execution log.
type Manager struct {
	calls    repository.RawCallStore
	cold     ColdStore
	logs     repository.ArchiveLogStore
	ids      idgen.Generator
	notifier notifications.Notifier
	cfg      Config
	now      func() time.Time
}

func New(calls repository.RawCallStore, cold ColdStore, logs repository.ArchiveLogStore, ids idgen.Generator, cfg Config, opts ...Option) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 100
	}
	m := &Manager{
		calls:    calls,
		cold:     cold,
		logs:     logs,
		ids:      ids,
		notifier: notifications.LogNotifier{},
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run is the scheduled job.
func (m *Manager) Run(ctx context.Context) error {
	_, err := m.ArchiveRange(ctx, m.now().UTC().Add(-m.cfg.ArchiveAfter))
	return err
}

// ArchiveRange archives calls created before cutoff and returns the log it
// wrote. On failure the returned log is marked failed and the calls of the
// failing batch remain in the hot store.
func (m *Manager) ArchiveRange(ctx context.Context, cutoff time.Time) (domain.ArchiveExecutionLog, error) {
	ctx, span := telemetry.StartSpan(ctx, "archive.run")
	defer span.End()
	span.SetAttributes(attribute.String("archive.cutoff", cutoff.UTC().Format(time.RFC3339)))

	began := m.now()
	run := &runState{rangeStart: cutoff.UTC(), partitions: make(map[string]struct{})}
	runErr := m.archive(ctx, cutoff.UTC(), run)

	entry := domain.ArchiveExecutionLog{
		ID:            m.ids.NewID(),
		TableName:     TableName,
		Status:        domain.ArchiveStatusSuccess,
		ArchivedCount: run.archived,
		RangeStart:    run.rangeStart,
		RangeEnd:      cutoff.UTC(),
		Target:        m.target(run),
		DurationMs:    m.now().Sub(began).Milliseconds(),
		CreatedAt:     m.now().UTC(),
	}
	if runErr != nil {
		runErr = fmt.Errorf("%w: %v", domain.ErrArchival, runErr)
		entry.Status = domain.ArchiveStatusFailed
		entry.ErrorMessage = runErr.Error()
	}

	// The log is written even when the job context is gone.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.logs.Insert(logCtx, entry); err != nil {
		slog.Error("failed to write archive log", "job", JobName, "log_id", entry.ID, "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("%w: write log: %v", domain.ErrArchival, err)
		}
	}

	attrs := []any{
		"job", JobName,
		"log_id", entry.ID,
		"archived", entry.ArchivedCount,
		"range_start", entry.RangeStart,
		"range_end", entry.RangeEnd,
		"target", entry.Target,
		"duration_ms", entry.DurationMs,
	}
	metrics.RecordArchived(run.archived)
	if runErr != nil {
		telemetry.AddErrorAttribute(span, runErr)
		metrics.RecordJobRun(JobName, "failed", float64(entry.DurationMs)/1000)
		slog.Error("archival failed", append(attrs, "error", runErr)...)
		m.notify(logCtx, entry)
		return entry, runErr
	}

	metrics.RecordJobRun(JobName, "success", float64(entry.DurationMs)/1000)
	slog.Info("archival complete", attrs...)
	return entry, nil
}

type runState struct {
	archived   int64
	rangeStart time.Time
	partitions map[string]struct{}
}

func (m *Manager) archive(ctx context.Context, cutoff time.Time, run *runState) error {
	for batch := 0; batch < m.cfg.MaxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		calls, err := m.calls.ListBefore(ctx, cutoff, m.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list calls: %w", err)
		}
		if len(calls) == 0 {
			return nil
		}
		if batch == 0 {
			run.rangeStart = calls[0].CreatedAt.UTC()
		}

		byPartition := make(map[string][]domain.RawModelCall)
		for _, c := range calls {
			p := PartitionFor(c.CreatedAt)
			byPartition[p] = append(byPartition[p], c)
		}
		for p, group := range byPartition {
			if err := m.cold.Write(ctx, p, group); err != nil {
				return fmt.Errorf("copy to %s: %w", p, err)
			}
			run.partitions[p] = struct{}{}
		}

		ids := make([]string, len(calls))
		for i, c := range calls {
			ids[i] = c.ID
		}
		deleted, err := m.calls.Delete(ctx, ids)
		if err != nil {
			return fmt.Errorf("delete %d copied calls: %w", len(ids), err)
		}
		if deleted != int64(len(ids)) {
			slog.Warn("fewer calls deleted than copied", "job", JobName, "copied", len(ids), "deleted", deleted)
		}
		run.archived += deleted

		if len(calls) < m.cfg.BatchSize {
			return nil
		}
	}
	slog.Info("archival batch limit reached", "job", JobName, "max_batches", m.cfg.MaxBatches)
	return nil
}

func (m *Manager) target(run *runState) string {
	if len(run.partitions) == 0 {
		return m.cold.Target()
	}
	names := make([]string, 0, len(run.partitions))
	for p := range run.partitions {
		names = append(names, p)
	}
	sort.Strings(names)
	return m.cold.Target() + "#" + strings.Join(names, ",")
}

func (m *Manager) notify(ctx context.Context, entry domain.ArchiveExecutionLog) {
	err := m.notifier.Send(ctx, notifications.Notification{
		Type:    notifications.NotificationArchivalFailed,
		Job:     JobName,
		Message: entry.ErrorMessage,
		Data: map[string]interface{}{
			"log_id":      entry.ID,
			"range_start": entry.RangeStart.Format(time.RFC3339),
			"range_end":   entry.RangeEnd.Format(time.RFC3339),
			"archived":    entry.ArchivedCount,
		},
	})
	if err != nil {
		slog.Error("failed to send archival notification", "error", err)
	}
}
