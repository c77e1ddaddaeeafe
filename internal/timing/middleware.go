package timing

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/felipepmaragno/model-gateway/internal/metrics"
)

// Writer attaches the timing header exactly once, on whichever comes first:
// WriteHeader, the first Write, Flush, or an explicit Finalize.
type Writer struct {
	http.ResponseWriter
	timer  *Timer
	once   sync.Once
	status int
	bytes  int64
}

func NewWriter(w http.ResponseWriter, t *Timer) *Writer {
	return &Writer{ResponseWriter: w, timer: t}
}

// Finalize sets the header if nothing has been written yet. Later calls are no-ops.
func (w *Writer) Finalize() {
	w.once.Do(func() {
		if h := w.timer.Header(); h != "" {
			w.ResponseWriter.Header().Set(HeaderName, h)
		}
	})
}

func (w *Writer) WriteHeader(code int) {
	w.Finalize()
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *Writer) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *Writer) Flush() {
	w.FlushError()
}

// FlushError reports http.ErrNotSupported when the underlying writer cannot flush.
func (w *Writer) FlushError() error {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	return http.NewResponseController(w.ResponseWriter).Flush()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *Writer) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *Writer) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Middleware must wrap every other layer so the session phase starts first
// and the header is attached before any inner layer writes.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := New(nil)
		t.Start(PhaseSession)

		tw := NewWriter(w, t)
		next.ServeHTTP(tw, r.WithContext(NewContext(r.Context(), t)))
		tw.Finalize()

		total := t.Elapsed()
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", tw.Status(),
			"bytes", tw.bytes,
		}
		for _, p := range t.Phases() {
			attrs = append(attrs, p.Name+"_ms", p.Duration.Milliseconds())
			metrics.ObservePhase(p.Name, p.Duration.Seconds())
		}
		attrs = append(attrs, "total_ms", total.Milliseconds())
		metrics.ObservePhase(PhaseTotal, total.Seconds())

		slog.Info("request timing", attrs...)
	})
}
