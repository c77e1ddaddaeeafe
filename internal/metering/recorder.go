// Package metering records one RawModelCall for every finished model call.
package metering

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/felipepmaragno/model-gateway/internal/cost"
	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/felipepmaragno/model-gateway/internal/idgen"
	"github.com/felipepmaragno/model-gateway/internal/metrics"
	"github.com/felipepmaragno/model-gateway/internal/queue"
	"github.com/felipepmaragno/model-gateway/internal/repository"
	"github.com/felipepmaragno/model-gateway/internal/stream"
)

const maxErrorMessage = 1024

// CallMeta is what the caller knows about a call before it runs.
type CallMeta struct {
	RequestID string
	UserID    string
	AppID     string
	Provider  string
	Model     string
	CallType  domain.CallType
}

// FromOutcome builds the call record for a finished stream. A stream the
// client abandoned is canceled, never successful, whatever the upstream did.
func FromOutcome(meta CallMeta, out stream.Outcome) domain.RawModelCall {
	call := domain.RawModelCall{
		RequestID:        meta.RequestID,
		UserID:           meta.UserID,
		AppID:            meta.AppID,
		ModelID:          meta.Model,
		Provider:         meta.Provider,
		CallType:         meta.CallType,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		TotalTokens:      out.Usage.TotalTokens,
		DurationMs:       out.Duration.Milliseconds(),
	}
	if call.CallType == "" {
		call.CallType = domain.CallTypeChat
	}

	switch {
	case out.Cancelled:
		call.Status = domain.CallStatusCanceled
	case out.State == stream.StateCompleted:
		call.Status = domain.CallStatusSuccess
	default:
		call.Status = domain.CallStatusFailed
	}
	if out.Err != nil && call.Status != domain.CallStatusSuccess {
		call.ErrorMessage = truncate(out.Err.Error(), maxErrorMessage)
	}
	return call
}

// FromError records a call that failed before any stream existed.
func FromError(meta CallMeta, err error, elapsed time.Duration) domain.RawModelCall {
	return FromOutcome(meta, stream.Outcome{State: stream.StateErrored, Err: err, Duration: elapsed})
}

type Option func(*Recorder)

// WithQueue makes Record publish instead of appending; an Ingestor drains
// the queue into the store.
func WithQueue(q queue.Queue) Option {
	return func(r *Recorder) { r.queue = q }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

type Recorder struct {
	store repository.RawCallStore
	queue queue.Queue
	calc  *cost.Calculator
	ids   idgen.Generator
	now   func() time.Time
}

func NewRecorder(store repository.RawCallStore, calc *cost.Calculator, ids idgen.Generator, opts ...Option) *Recorder {
	r := &Recorder{
		store: store,
		calc:  calc,
		ids:   ids,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record assigns the call its ID, timestamp and credits, then stores or
// publishes it. It is called exactly once per call and runs to completion
// even if ctx, usually the request context, is already canceled.
func (r *Recorder) Record(ctx context.Context, call domain.RawModelCall) (domain.RawModelCall, error) {
	if call.ID == "" {
		call.ID = r.ids.NewID()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = r.now()
	}
	call.CreatedAt = call.CreatedAt.UTC()
	if call.Status == "" {
		return call, fmt.Errorf("record call %s: missing status", call.ID)
	}
	if call.TotalTokens == 0 {
		call.TotalTokens = call.PromptTokens + call.CompletionTokens
	}
	if r.calc != nil && call.Credits.IsZero() {
		call.Credits = r.calc.Credits(call.ModelID, domain.Usage{
			PromptTokens:     call.PromptTokens,
			CompletionTokens: call.CompletionTokens,
			TotalTokens:      call.TotalTokens,
		})
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var err error
	if r.queue != nil {
		err = r.queue.Publish(ctx, call)
	} else {
		err = r.store.Append(ctx, call)
	}
	if err != nil {
		slog.Error("failed to record call",
			"call_id", call.ID,
			"request_id", call.RequestID,
			"status", call.Status,
			"error", err,
		)
		return call, fmt.Errorf("record call %s: %w", call.ID, err)
	}

	metrics.RecordCall(string(call.Status))
	metrics.RecordTokens(call.AppID, call.Provider, call.ModelID, call.PromptTokens, call.CompletionTokens)
	credits, _ := call.Credits.Float64()
	metrics.RecordCredits(call.AppID, call.Provider, call.ModelID, credits)

	slog.Debug("call recorded",
		"call_id", call.ID,
		"request_id", call.RequestID,
		"app_id", call.AppID,
		"model", call.ModelID,
		"status", call.Status,
		"total_tokens", call.TotalTokens,
		"credits", call.Credits.String(),
	)
	return call, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
