// Package timing measures named phases of one request and reports them in a
// Server-Timing header and a log line.
package timing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const HeaderName = "Server-Timing"

const (
	PhaseSession  = "session"
	PhaseAuth     = "auth"
	PhaseProvider = "providerCall"
	PhaseForward  = "forward"
	PhaseTotal    = "total"
)

type Phase struct {
	Name     string
	Duration time.Duration
}

// Timer is safe for concurrent use. A nil *Timer ignores every call, so code
// running outside the middleware need not check.
type Timer struct {
	mu      sync.Mutex
	now     func() time.Time
	started time.Time
	open    map[string]time.Time
	done    []Phase
}

func New(now func() time.Time) *Timer {
	if now == nil {
		now = time.Now
	}
	return &Timer{now: now, started: now(), open: make(map[string]time.Time)}
}

func (t *Timer) Start(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open[name] = t.now()
}

// End closes a phase and returns its duration. Ending a phase that was never
// started logs a warning and returns zero.
func (t *Timer) End(name string) time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	start, ok := t.open[name]
	if !ok {
		slog.Warn("timing phase ended without start", "phase", name)
		return 0
	}
	delete(t.open, name)

	d := t.now().Sub(start)
	t.done = append(t.done, Phase{Name: name, Duration: d})
	return d
}

func (t *Timer) Elapsed() time.Duration {
	if t == nil {
		return 0
	}
	return t.now().Sub(t.started)
}

// Phases returns completed phases in completion order.
func (t *Timer) Phases() []Phase {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Phase(nil), t.done...)
}

// Header renders completed phases plus the running total, e.g.
// "session;dur=0.41, auth;dur=1.20, total;dur=2.05".
func (t *Timer) Header() string {
	if t == nil {
		return ""
	}
	phases := t.Phases()
	parts := make([]string, 0, len(phases)+1)
	for _, p := range phases {
		parts = append(parts, fmt.Sprintf("%s;dur=%s", p.Name, millis(p.Duration)))
	}
	parts = append(parts, fmt.Sprintf("%s;dur=%s", PhaseTotal, millis(t.Elapsed())))
	return strings.Join(parts, ", ")
}

func millis(d time.Duration) string {
	return fmt.Sprintf("%.2f", float64(d)/float64(time.Millisecond))
}

type ctxKey struct{}

func NewContext(ctx context.Context, t *Timer) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the request's timer, or nil.
func FromContext(ctx context.Context) *Timer {
	t, _ := ctx.Value(ctxKey{}).(*Timer)
	return t
}
