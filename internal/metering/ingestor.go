package metering

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/model-gateway/internal/notifications"
	"github.com/felipepmaragno/model-gateway/internal/queue"
	"github.com/felipepmaragno/model-gateway/internal/repository"
)

// Ingestor drains published calls into the raw call store. A message is
// acked only after its call is stored; Append is idempotent by call ID, so
// redelivery after a crash is harmless.
type Ingestor struct {
	queue      queue.Queue
	store      repository.RawCallStore
	notifier   notifications.Notifier
	batchSize  int
	idleWait   time.Duration
	alertAfter int
}

type IngestorOption func(*Ingestor)

// WithIngestNotifier alerts once per streak of failed polls.
func WithIngestNotifier(n notifications.Notifier) IngestorOption {
	return func(i *Ingestor) { i.notifier = n }
}

func NewIngestor(q queue.Queue, store repository.RawCallStore, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{
		queue:      q,
		store:      store,
		notifier:   notifications.LogNotifier{},
		batchSize:  10,
		idleWait:   time.Second,
		alertAfter: 5,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Run polls until ctx is canceled.
func (i *Ingestor) Run(ctx context.Context) error {
	slog.Info("ingestor started", "batch_size", i.batchSize)
	backoff := i.idleWait
	failures := 0
	for {
		n, err := i.Poll(ctx)
		if ctx.Err() != nil {
			slog.Info("ingestor stopped")
			return nil
		}

		wait := time.Duration(0)
		switch {
		case err != nil:
			failures++
			slog.Error("ingestor poll failed", "error", err, "retry_in", backoff, "failures", failures)
			if failures == i.alertAfter {
				i.alert(ctx, failures, err)
			}
			wait = backoff
			backoff = min(backoff*2, 30*time.Second)
		case n == 0:
			failures = 0
			wait = i.idleWait
			backoff = i.idleWait
		default:
			failures = 0
			backoff = i.idleWait
		}

		if wait > 0 {
			select {
			case <-ctx.Done():
				slog.Info("ingestor stopped")
				return nil
			case <-time.After(wait):
			}
		}
	}
}

// Poll moves one batch and returns how many calls were stored.
func (i *Ingestor) Poll(ctx context.Context) (int, error) {
	msgs, err := i.queue.Receive(ctx, i.batchSize)
	if err != nil {
		return 0, err
	}

	stored := 0
	var lastErr error
	for _, m := range msgs {
		if err := i.store.Append(ctx, m.Call); err != nil {
			slog.Error("failed to store call, leaving for redelivery", "call_id", m.Call.ID, "error", err)
			lastErr = err
			continue
		}
		if err := i.queue.Ack(ctx, m.ReceiptHandle); err != nil {
			slog.Warn("failed to ack stored call", "call_id", m.Call.ID, "error", err)
		}
		stored++
	}
	if stored == 0 && lastErr != nil {
		return 0, fmt.Errorf("store %d calls: %w", len(msgs), lastErr)
	}
	return stored, nil
}

func (i *Ingestor) alert(ctx context.Context, failures int, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := i.notifier.Send(ctx, notifications.Notification{
		Type:    notifications.NotificationIngestionFailed,
		Job:     "ingestion",
		Message: cause.Error(),
		Data:    map[string]interface{}{"consecutive_failures": failures},
	})
	if err != nil {
		slog.Warn("failed to send ingestion alert", "error", err)
	}
}
