// Package usage folds raw model calls into hour, day and month buckets.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/felipepmaragno/model-gateway/internal/metrics"
	"github.com/felipepmaragno/model-gateway/internal/notifications"
	"github.com/felipepmaragno/model-gateway/internal/repository"
	"github.com/felipepmaragno/model-gateway/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const JobName = "aggregation"

type Config struct {
	// DefaultAppScope receives calls that carry no app ID.
	DefaultAppScope string
	// Slice bounds how much raw data one scan reads.
	Slice time.Duration
	// Lookback is how far AggregateRecent reaches behind the current hour.
	Lookback time.Duration
	// Horizon is the age past which raw calls may already be archived.
	// Buckets starting before it are never rewritten. Zero disables the check.
	Horizon time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultAppScope: "default",
		Slice:           24 * time.Hour,
		Lookback:        2 * time.Hour,
	}
}

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func WithNotifier(n notifications.Notifier) Option {
	return func(a *Aggregator) { a.notifier = n }
}

// Aggregator rebuilds buckets from raw calls. Every bucket it touches is
// replaced wholesale, so rerunning any range is safe. Runs are expected to
// be serialized by the scheduler.
type Aggregator struct {
	calls    repository.RawCallStore
	buckets  repository.BucketStore
	notifier notifications.Notifier
	cfg      Config
	now      func() time.Time
}

func New(calls repository.RawCallStore, buckets repository.BucketStore, cfg Config, opts ...Option) *Aggregator {
	if cfg.Slice <= 0 {
		cfg.Slice = 24 * time.Hour
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 2 * time.Hour
	}
	if cfg.DefaultAppScope == "" {
		cfg.DefaultAppScope = "default"
	}
	a := &Aggregator{
		calls:    calls,
		buckets:  buckets,
		notifier: notifications.LogNotifier{},
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AggregateRecent is the scheduled job: it recomputes every bucket touched by
// the last Lookback of closed hours, including the open day and month.
func (a *Aggregator) AggregateRecent(ctx context.Context) error {
	end := domain.TimeTypeHour.Floor(a.now())
	return a.Run(ctx, end.Add(-a.cfg.Lookback), end)
}

// Run recomputes all hour, day and month buckets overlapping [start, end).
func (a *Aggregator) Run(ctx context.Context, start, end time.Time) error {
	return a.run(ctx, start, end, series{})
}

func (a *Aggregator) run(ctx context.Context, start, end time.Time, extra series) error {
	if !start.Before(end) {
		return fmt.Errorf("%w: empty range %s to %s", domain.ErrAggregation, start, end)
	}
	if horizon, ok := a.horizon(); ok && end.Before(horizon) {
		return fmt.Errorf("%w: range ends before archival horizon %s", domain.ErrAggregation, horizon.Format(time.RFC3339))
	}

	ctx, span := telemetry.StartSpan(ctx, "usage.aggregate")
	defer span.End()
	span.SetAttributes(
		attribute.String("range.start", start.UTC().Format(time.RFC3339)),
		attribute.String("range.end", end.UTC().Format(time.RFC3339)),
	)

	began := time.Now()
	log := slog.With("job", JobName, "start", start.UTC(), "end", end.UTC())

	fail := func(err error) error {
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordJobRun(JobName, "failed", time.Since(began).Seconds())
		a.notify(ctx, start, end, err)
		return err
	}

	// Scopes are resolved once over the widest bucket range so every
	// granularity seeds the same series.
	scopes, err := a.resolveSeries(ctx, domain.TimeTypeMonth.Floor(start), domain.TimeTypeMonth.Ceil(end), extra)
	if err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrAggregation, err)
		log.Error("aggregation failed", "error", err)
		return fail(err)
	}

	written := 0
	for _, tt := range domain.TimeTypes {
		n, err := a.aggregate(ctx, tt, start, end, scopes)
		written += n
		if err != nil {
			err = fmt.Errorf("%w: %s buckets: %v", domain.ErrAggregation, tt, err)
			log.Error("aggregation failed", "time_type", tt, "buckets_written", written, "error", err)
			return fail(err)
		}
		metrics.RecordBucketsWritten(string(tt), n)
	}

	metrics.RecordJobRun(JobName, "success", time.Since(began).Seconds())
	log.Info("aggregation complete",
		"buckets_written", written,
		"duration_ms", time.Since(began).Milliseconds(),
	)
	return nil
}

// Backfill recomputes [start, end) one calendar month at a time. Every app
// scope and user active anywhere in the range gets a continuous series across it.
// Months that end before the archival horizon are skipped.
func (a *Aggregator) Backfill(ctx context.Context, start, end time.Time) error {
	if !start.Before(end) {
		return fmt.Errorf("%w: empty backfill range", domain.ErrAggregation)
	}

	rangeStart, rangeEnd := domain.TimeTypeMonth.Floor(start), domain.TimeTypeMonth.Ceil(end)
	apps, err := a.calls.AppScopes(ctx, rangeStart, rangeEnd)
	if err != nil {
		return fmt.Errorf("%w: app scopes: %v", domain.ErrAggregation, err)
	}
	users, err := a.calls.UserScopes(ctx, rangeStart, rangeEnd)
	if err != nil {
		return fmt.Errorf("%w: user scopes: %v", domain.ErrAggregation, err)
	}
	scopes := series{apps: apps, users: users}

	windows := 0
	for from := start.UTC(); from.Before(end); {
		if err := ctx.Err(); err != nil {
			return err
		}
		to := domain.TimeTypeMonth.Next(domain.TimeTypeMonth.Floor(from))
		if to.After(end) {
			to = end.UTC()
		}
		// Months already archived have no raw calls left to rebuild from.
		if horizon, ok := a.horizon(); ok && !to.After(horizon) {
			slog.Warn("backfill skipping archived month",
				"job", JobName, "month", from.Format("2006-01"), "horizon", horizon)
			from = to
			continue
		}
		if err := a.run(ctx, from, to, scopes); err != nil {
			return fmt.Errorf("backfill %s: %w", from.Format("2006-01"), err)
		}
		windows++
		slog.Info("backfill progress", "job", JobName, "month", from.Format("2006-01"), "windows", windows)
		from = to
	}
	return nil
}

// aggregate rebuilds the tt buckets covering [start, end). Raw calls are read
// in Slice-sized scans; a bucket is written as soon as the scan has passed its
// end, so memory holds only the buckets still open.
func (a *Aggregator) aggregate(ctx context.Context, tt domain.TimeType, start, end time.Time, scopes series) (int, error) {
	from, to := tt.Floor(start), tt.Ceil(end)
	if horizon, ok := a.horizon(); ok && from.Before(horizon) {
		slog.Warn("skipping buckets older than archival horizon",
			"job", JobName, "time_type", tt, "from", from, "horizon", horizon)
		from = tt.Ceil(horizon)
	}
	if !from.Before(to) {
		return 0, nil
	}

	acc := newAccumulator(tt)
	written := 0
	next := from
	for sliceStart := from; sliceStart.Before(to); {
		sliceEnd := sliceStart.Add(a.cfg.Slice)
		if sliceEnd.After(to) {
			sliceEnd = to
		}

		for ; next.Before(sliceEnd); next = tt.Next(next) {
			acc.seed(next, scopes.apps, scopes.users)
		}

		err := a.calls.Scan(ctx, sliceStart, sliceEnd, func(c domain.RawModelCall) error {
			for _, key := range a.keysFor(tt, c) {
				acc.add(key, c)
			}
			return nil
		})
		if err != nil {
			return written, fmt.Errorf("scan raw calls: %w", err)
		}

		closed := acc.closedBy(sliceEnd)
		if len(closed) > 0 {
			if err := a.buckets.Upsert(ctx, closed); err != nil {
				return written, fmt.Errorf("upsert buckets: %w", err)
			}
			written += len(closed)
		}
		sliceStart = sliceEnd
	}
	return written, nil
}

// series holds the scopes that get a bucket in every period, calls or not.
type series struct {
	apps  []string
	users []string
}

// resolveSeries lists the seeded scopes for [from, to). Apps are the default
// scope, every scope seen before and every scope in range; users are those
// with calls in range.
func (a *Aggregator) resolveSeries(ctx context.Context, from, to time.Time, extra series) (series, error) {
	known, err := a.buckets.KnownAppScopes(ctx)
	if err != nil {
		return series{}, fmt.Errorf("known app scopes: %w", err)
	}
	apps, err := a.calls.AppScopes(ctx, from, to)
	if err != nil {
		return series{}, fmt.Errorf("app scopes in range: %w", err)
	}
	users, err := a.calls.UserScopes(ctx, from, to)
	if err != nil {
		return series{}, fmt.Errorf("user scopes in range: %w", err)
	}

	apps = append(append(append(known, apps...), extra.apps...), a.cfg.DefaultAppScope)
	return series{
		apps:  dedupe(apps),
		users: dedupe(append(users, extra.users...)),
	}, nil
}

func dedupe(scopes []string) []string {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// keysFor lists every bucket a call contributes to: the system total, its app,
// its user and its user within the app, each across all models and for its
// own model.
func (a *Aggregator) keysFor(tt domain.TimeType, c domain.RawModelCall) []domain.BucketKey {
	app := c.AppID
	if app == "" {
		app = a.cfg.DefaultAppScope
	}
	start := tt.Floor(c.CreatedAt)

	scopes := [][2]string{{"", ""}, {"", app}}
	if c.UserID != "" {
		scopes = append(scopes, [2]string{c.UserID, ""}, [2]string{c.UserID, app})
	}

	keys := make([]domain.BucketKey, 0, 2*len(scopes))
	for _, s := range scopes {
		key := domain.BucketKey{UserScope: s[0], AppScope: s[1], TimeType: tt, BucketStart: start}
		keys = append(keys, key)
		if c.ModelID != "" {
			key.ModelID = c.ModelID
			keys = append(keys, key)
		}
	}
	return keys
}

func (a *Aggregator) horizon() (time.Time, bool) {
	if a.cfg.Horizon <= 0 {
		return time.Time{}, false
	}
	return a.now().UTC().Add(-a.cfg.Horizon), true
}

func (a *Aggregator) notify(ctx context.Context, start, end time.Time, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := a.notifier.Send(ctx, notifications.Notification{
		Type:    notifications.NotificationAggregationFailed,
		Job:     JobName,
		Message: cause.Error(),
		Data: map[string]interface{}{
			"range_start": start.UTC().Format(time.RFC3339),
			"range_end":   end.UTC().Format(time.RFC3339),
			"canceled":    errors.Is(cause, context.Canceled),
		},
	})
	if err != nil {
		slog.Error("failed to send aggregation notification", "error", err)
	}
}
