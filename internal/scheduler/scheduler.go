// Package scheduler runs background jobs on cron cadences, at most one
// instance of each job at a time across the deployment.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/model-gateway/internal/metrics"
	"github.com/robfig/cron/v3"
)

type Job func(ctx context.Context) error

type Option func(*Scheduler)

// WithLockTTL bounds both the lock lease and the job's run time.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Scheduler) { s.lockTTL = ttl }
}

type Scheduler struct {
	cron    *cron.Cron
	locker  Locker
	lockTTL time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]Job
}

func New(locker Locker, opts ...Option) *Scheduler {
	if locker == nil {
		locker = NewLocalLocker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		locker:  locker,
		lockTTL: time.Hour,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]Job),
	}
	for _, opt := range opts {
		opt(s)
	}

	logger := cronLogger{}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return s
}

// Register schedules job under a standard five-field cron spec or a
// descriptor such as "@hourly".
func (s *Scheduler) Register(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	if _, err := s.cron.AddFunc(spec, func() { s.run(s.ctx, name, job) }); err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", name, spec, err)
	}
	s.jobs[name] = job
	slog.Info("job registered", "job", name, "schedule", spec)
	return nil
}

// RunNow runs a registered job immediately under the same lock discipline.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	return s.run(ctx, name, job)
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs, cancels running jobs and waits for them to return
// or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrLocked is returned by RunNow when another instance holds the job lock.
var ErrLocked = errors.New("job is running elsewhere")

func (s *Scheduler) run(ctx context.Context, name string, job Job) error {
	unlock, ok, err := s.locker.TryLock(ctx, name, s.lockTTL)
	if err != nil {
		slog.Error("job lock failed", "job", name, "error", err)
		return err
	}
	if !ok {
		slog.Info("job skipped, lock held elsewhere", "job", name)
		metrics.RecordJobRun(name, "skipped", 0)
		return ErrLocked
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, s.lockTTL)
	defer cancel()

	start := time.Now()
	slog.Info("job started", "job", name)
	if err := job(ctx); err != nil {
		slog.Error("job failed", "job", name, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return err
	}
	slog.Info("job finished", "job", name, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
