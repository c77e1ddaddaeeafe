package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/felipepmaragno/model-gateway/internal/httputil"
	"github.com/felipepmaragno/model-gateway/internal/repository"
	"github.com/felipepmaragno/model-gateway/internal/scheduler"
	"github.com/felipepmaragno/model-gateway/internal/signing"
)

const (
	maxQueryRange          = 366 * 24 * time.Hour
	defaultBackfillLockTTL = 6 * time.Hour
)

// Backfiller recomputes buckets over an arbitrary range.
type Backfiller interface {
	Backfill(ctx context.Context, start, end time.Time) error
}

// UsageConfig enables the usage read and maintenance routes. Each nil field
// leaves its route unregistered.
type UsageConfig struct {
	Buckets     repository.BucketStore
	ArchiveLogs repository.ArchiveLogStore
	Backfiller  Backfiller
	// Background bounds backfills started over HTTP; cancel it on shutdown.
	Background context.Context
	// Locker, when set, makes a backfill hold LockName so it never overlaps
	// the scheduled job of the same name on any replica.
	Locker   scheduler.Locker
	LockName string
	LockTTL  time.Duration
}

type BackfillRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (h *Handler) registerUsageRoutes(mux *http.ServeMux) {
	if h.usage.Buckets != nil {
		mux.HandleFunc("GET /v1/usage/buckets", h.listBuckets)
	}
	if h.usage.ArchiveLogs != nil {
		mux.HandleFunc("GET /v1/usage/archive-logs", h.listArchiveLogs)
	}
	if h.usage.Backfiller != nil {
		mux.HandleFunc("POST /v1/usage/backfill", h.startBackfill)
	}
}

// listBuckets serves one series. A caller signed with a user or app scope
// only ever sees that scope's rows.
func (h *Handler) listBuckets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	tt := domain.TimeType(q.Get("time_type"))
	if !tt.Valid() {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", "time_type must be hour, day or month")
		return
	}
	start, end, err := parseRange(q.Get("start"), q.Get("end"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	query := repository.BucketQuery{
		TimeType:  tt,
		Start:     start,
		End:       end,
		UserScope: q.Get("user_scope"),
		AppScope:  q.Get("app_scope"),
		ModelID:   q.Get("model"),
	}
	if id, ok := signing.IdentityFrom(r.Context()); ok {
		if id.UserScope != "" {
			query.UserScope = id.UserScope
		}
		if id.AppScope != "" {
			query.AppScope = id.AppScope
		}
	}

	buckets, err := h.usage.Buckets.ListInRange(r.Context(), query)
	if err != nil {
		slog.Error("failed to list usage buckets", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "failed to list usage buckets")
		return
	}
	if buckets == nil {
		buckets = []domain.UsageBucket{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"buckets": buckets,
		"count":   len(buckets),
	})
}

func (h *Handler) listArchiveLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end, err := parseRange(q.Get("start"), q.Get("end"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	logs, err := h.usage.ArchiveLogs.ListInRange(r.Context(), start, end)
	if err != nil {
		slog.Error("failed to list archive logs", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "failed to list archive logs")
		return
	}
	if logs == nil {
		logs = []domain.ArchiveExecutionLog{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

// startBackfill runs one backfill at a time in the background; progress and
// failures surface through the aggregator's logs and notifications.
func (h *Handler) startBackfill(w http.ResponseWriter, r *http.Request) {
	var req BackfillRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Start.IsZero() || req.End.IsZero() || !req.Start.Before(req.End) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", "start must be before end")
		return
	}
	if !h.backfilling.CompareAndSwap(false, true) {
		httputil.WriteError(w, http.StatusConflict, "invalid_request", "a backfill is already running")
		return
	}

	ctx := h.usage.Background
	if ctx == nil {
		ctx = context.Background()
	}
	unlock, ok, err := h.lockBackfill(r.Context())
	if err != nil {
		h.backfilling.Store(false)
		slog.Error("backfill lock failed", "lock", h.usage.LockName, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "could not acquire backfill lock")
		return
	}
	if !ok {
		h.backfilling.Store(false)
		httputil.WriteError(w, http.StatusConflict, "invalid_request", "aggregation is already running")
		return
	}

	start, end := req.Start.UTC(), req.End.UTC()
	go func() {
		defer h.backfilling.Store(false)
		defer unlock()
		ctx, cancel := context.WithTimeout(ctx, h.backfillLockTTL())
		defer cancel()
		if err := h.usage.Backfiller.Backfill(ctx, start, end); err != nil {
			slog.Error("backfill failed", "start", start, "end", end, "error", err)
			return
		}
		slog.Info("backfill finished", "start", start, "end", end)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "started",
		"start":  start,
		"end":    end,
	})
}

func parseRange(rawStart, rawEnd string) (time.Time, time.Time, error) {
	if rawStart == "" || rawEnd == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("start and end are required")
	}
	start, err := time.Parse(time.RFC3339, rawStart)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, rawEnd)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end: %w", err)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start must be before end")
	}
	if end.Sub(start) > maxQueryRange {
		return time.Time{}, time.Time{}, fmt.Errorf("range exceeds %s", maxQueryRange)
	}
	return start.UTC(), end.UTC(), nil
}

func (h *Handler) lockBackfill(ctx context.Context) (func(), bool, error) {
	if h.usage.Locker == nil {
		return func() {}, true, nil
	}
	return h.usage.Locker.TryLock(ctx, h.usage.LockName, h.backfillLockTTL())
}

// backfillLockTTL bounds both the lease and the run, like a scheduled job.
func (h *Handler) backfillLockTTL() time.Duration {
	if h.usage.LockTTL > 0 {
		return h.usage.LockTTL
	}
	return defaultBackfillLockTTL
}
