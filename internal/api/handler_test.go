package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/model-gateway/internal/cost"
	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/felipepmaragno/model-gateway/internal/idgen"
	"github.com/felipepmaragno/model-gateway/internal/metering"
	"github.com/felipepmaragno/model-gateway/internal/provider"
	"github.com/felipepmaragno/model-gateway/internal/ratelimit"
	"github.com/felipepmaragno/model-gateway/internal/repository"
	"github.com/felipepmaragno/model-gateway/internal/router"
	"github.com/felipepmaragno/model-gateway/internal/signing"
	"github.com/felipepmaragno/model-gateway/internal/stream"
	"github.com/felipepmaragno/model-gateway/internal/timing"
	"github.com/shopspring/decimal"
)

// =============================================================================
// Mock Implementations
// =============================================================================

// MockProvider implements provider.Provider. Frames are decoded by
// decodeTestFrame unless OpenStreamFunc supplies its own source.
type MockProvider struct {
	id              string
	frames          []string
	OpenStreamFunc  func(ctx context.Context, input domain.ChatCompletionInput) (stream.Source, error)
	ModelsFunc      func(ctx context.Context) ([]domain.Model, error)
	HealthCheckFunc func(ctx context.Context) error
}

func (m *MockProvider) ID() string { return m.id }

func (m *MockProvider) OpenStream(ctx context.Context, input domain.ChatCompletionInput) (stream.Source, error) {
	if m.OpenStreamFunc != nil {
		return m.OpenStreamFunc(ctx, input)
	}
	return newFrameSource(m.frames...), nil
}

func (m *MockProvider) NewDecoder() stream.Decoder {
	return stream.DecoderFunc(decodeTestFrame)
}

func (m *MockProvider) Models(ctx context.Context) ([]domain.Model, error) {
	if m.ModelsFunc != nil {
		return m.ModelsFunc(ctx)
	}
	return nil, nil
}

func (m *MockProvider) HealthCheck(ctx context.Context) error {
	if m.HealthCheckFunc != nil {
		return m.HealthCheckFunc(ctx)
	}
	return nil
}

type testFrame struct {
	Content string        `json:"content"`
	Finish  string        `json:"finish"`
	Usage   *domain.Usage `json:"usage"`
	Error   string        `json:"error"`
}

func decodeTestFrame(f stream.Frame) (stream.Event, error) {
	var tf testFrame
	if err := json.Unmarshal(f.Data, &tf); err != nil {
		return stream.Event{}, err
	}
	if tf.Error != "" {
		return stream.Event{}, &domain.UpstreamError{Provider: "openai", Message: tf.Error}
	}
	return stream.Event{
		Delta:        domain.Delta{Content: tf.Content},
		FinishReason: tf.Finish,
		Usage:        tf.Usage,
	}, nil
}

// frameSource yields its frames, then blocks until closed when hold is set
// or ends with io.EOF otherwise.
type frameSource struct {
	frames []stream.Frame
	hold   bool
	closed chan struct{}
	once   sync.Once
}

func newFrameSource(frames ...string) *frameSource {
	s := &frameSource{closed: make(chan struct{})}
	for _, f := range frames {
		s.frames = append(s.frames, stream.Frame{Data: []byte(f)})
	}
	return s
}

func (s *frameSource) Next() (stream.Frame, error) {
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		return f, nil
	}
	if !s.hold {
		return stream.Frame{}, io.EOF
	}
	<-s.closed
	return stream.Frame{}, net.ErrClosed
}

func (s *frameSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// MockAuthenticator implements signing.Authenticator.
type MockAuthenticator struct {
	VerifyFunc func(r *http.Request) (signing.Identity, error)
}

func (m *MockAuthenticator) Verify(r *http.Request) (signing.Identity, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(r)
	}
	return signing.Identity{Caller: "web", UserScope: "user-1", AppScope: "app-1"}, nil
}

type MockHealthChecker struct {
	name      string
	CheckFunc func(ctx context.Context) error
}

func (m *MockHealthChecker) Name() string { return m.name }

func (m *MockHealthChecker) Check(ctx context.Context) error {
	if m.CheckFunc != nil {
		return m.CheckFunc(ctx)
	}
	return nil
}

type MockBackfiller struct {
	BackfillFunc func(ctx context.Context, start, end time.Time) error
}

func (m *MockBackfiller) Backfill(ctx context.Context, start, end time.Time) error {
	if m.BackfillFunc != nil {
		return m.BackfillFunc(ctx, start, end)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

var completed = []string{
	`{"content":"Hel"}`,
	`{"content":"lo"}`,
	`{"finish":"stop","usage":{"prompt_tokens":1000,"completion_tokens":500,"total_tokens":1500}}`,
}

type fixture struct {
	handler  *Handler
	calls    *repository.InMemoryRawCallStore
	provider *MockProvider
}

func newFixture(t *testing.T, p *MockProvider, mutate func(*HandlerConfig)) *fixture {
	t.Helper()
	calls := repository.NewInMemoryRawCallStore()
	cfg := HandlerConfig{
		Router:            router.New(map[string]provider.Provider{p.id: p}, p.id),
		Recorder:          metering.NewRecorder(calls, cost.NewCalculator(), idgen.NewSequenceGenerator("call")),
		Verifier:          &MockAuthenticator{},
		IDs:               idgen.NewSequenceGenerator("req"),
		StreamIdleTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := NewHandler(cfg)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return &fixture{handler: h, calls: calls, provider: p}
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) recorded(t *testing.T) []domain.RawModelCall {
	t.Helper()
	var out []domain.RawModelCall
	err := f.calls.Scan(context.Background(), time.Unix(0, 0), time.Now().Add(time.Hour), func(c domain.RawModelCall) error {
		out = append(out, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	return out
}

// waitForCalls polls until n calls are recorded; recording finishes after the
// response on client disconnects.
func (f *fixture) waitForCalls(t *testing.T, n int) []domain.RawModelCall {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if calls := f.recorded(t); len(calls) >= n {
			return calls
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d recorded calls, got %d", n, f.calls.Len())
	return nil
}

func chatBody(stream bool) string {
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]`
	if stream {
		body += `,"stream":true`
	}
	return body + "}"
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var resp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return resp.Error.Type, resp.Error.Message
}

func sseEvents(t *testing.T, body string) ([]domain.Chunk, bool) {
	t.Helper()
	var (
		chunks []domain.Chunk
		done   bool
	)
	for _, frame := range strings.Split(strings.TrimSpace(body), "\n\n") {
		data := strings.TrimPrefix(frame, "data: ")
		if data == "[DONE]" {
			done = true
			continue
		}
		if done {
			t.Fatalf("frame after [DONE]: %q", frame)
		}
		var c domain.Chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			t.Fatalf("decode frame %q: %v", frame, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, done
}

// =============================================================================
// Chat completions
// =============================================================================

func TestChatCompletions_NonStreaming(t *testing.T) {
	f := newFixture(t, &MockProvider{id: "openai", frames: completed}, nil)

	rec := f.do(http.MethodPost, "/v1/chat/completions", chatBody(false), "X-Request-ID", "req-42")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") != "req-42" {
		t.Errorf("X-Request-ID = %q", rec.Header().Get("X-Request-ID"))
	}
	if !strings.Contains(rec.Header().Get(timing.HeaderName), "auth;dur=") {
		t.Errorf("%s = %q", timing.HeaderName, rec.Header().Get(timing.HeaderName))
	}

	var resp domain.ChatResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content.Text() != "Hello" {
		t.Fatalf("choices = %+v", resp.Choices)
	}
	if resp.Choices[0].FinishReason != domain.FinishStop {
		t.Errorf("finish = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 1500 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.Gateway == nil || resp.Gateway.Provider != "openai" || resp.Gateway.Credits != "60" {
		t.Errorf("x_gateway = %+v", resp.Gateway)
	}

	calls := f.recorded(t)
	if len(calls) != 1 {
		t.Fatalf("recorded %d calls, want 1", len(calls))
	}
	c := calls[0]
	if c.Status != domain.CallStatusSuccess || c.RequestID != "req-42" || c.AppID != "app-1" || c.UserID != "user-1" {
		t.Errorf("call = %+v", c)
	}
	if !c.Credits.Equal(decimal.NewFromInt(60)) {
		t.Errorf("credits = %s", c.Credits)
	}
}

func TestChatCompletions_Streaming(t *testing.T) {
	f := newFixture(t, &MockProvider{id: "openai", frames: completed}, nil)

	rec := f.do(http.MethodPost, "/v1/chat/completions", chatBody(true))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n") {
		t.Errorf("stream does not end with [DONE]: %q", rec.Body.String())
	}

	chunks, done := sseEvents(t, rec.Body.String())
	if !done {
		t.Fatal("missing [DONE]")
	}
	var (
		content   strings.Builder
		terminals int
	)
	for _, c := range chunks {
		if c.IsTerminal() {
			terminals++
		}
		for _, ch := range c.Choices {
			content.WriteString(ch.Delta.Content)
		}
	}
	if terminals != 1 {
		t.Errorf("terminal chunks = %d, want 1", terminals)
	}
	last := chunks[len(chunks)-1]
	if last.FinishReason() != domain.FinishStop || last.Usage == nil || last.Usage.TotalTokens != 1500 {
		t.Errorf("terminal chunk = %+v", last)
	}
	if content.String() != "Hello" {
		t.Errorf("content = %q", content.String())
	}

	calls := f.recorded(t)
	if len(calls) != 1 || calls[0].Status != domain.CallStatusSuccess {
		t.Errorf("calls = %+v", calls)
	}
}

func TestChatCompletions_UpstreamError(t *testing.T) {
	frames := []string{`{"content":"par"}`, `{"error":"model overloaded"}`}

	t.Run("non-streaming", func(t *testing.T) {
		f := newFixture(t, &MockProvider{id: "openai", frames: frames}, nil)
		rec := f.do(http.MethodPost, "/v1/chat/completions", chatBody(false))

		if rec.Code != http.StatusBadGateway {
			t.Fatalf("status = %d", rec.Code)
		}
		if typ, msg := errorBody(t, rec); typ != "upstream_provider_error" || msg != "model overloaded" {
			t.Errorf("error = %s / %s", typ, msg)
		}
		calls := f.recorded(t)
		if len(calls) != 1 || calls[0].Status != domain.CallStatusFailed || calls[0].ErrorMessage == "" {
			t.Errorf("calls = %+v", calls)
		}
	})

	t.Run("streaming", func(t *testing.T) {
		f := newFixture(t, &MockProvider{id: "openai", frames: frames}, nil)
		rec := f.do(http.MethodPost, "/v1/chat/completions", chatBody(true))

		chunks, done := sseEvents(t, rec.Body.String())
		if !done {
			t.Error("missing [DONE] after error chunk")
		}
		last := chunks[len(chunks)-1]
		if last.Error == nil || last.Error.Type != domain.ErrorTypeUpstream {
			t.Errorf("terminal chunk = %+v", last)
		}
		calls := f.recorded(t)
		if len(calls) != 1 || calls[0].Status != domain.CallStatusFailed {
			t.Errorf("calls = %+v", calls)
		}
	})
}

func TestChatCompletions_OpenFailure(t *testing.T) {
	p := &MockProvider{
		id: "openai",
		OpenStreamFunc: func(ctx context.Context, input domain.ChatCompletionInput) (stream.Source, error) {
			return nil, &domain.UpstreamError{Provider: "openai", Message: "status 401: bad key"}
		},
	}
	f := newFixture(t, p, nil)

	rec := f.do(http.MethodPost, "/v1/chat/completions", chatBody(false))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d", rec.Code)
	}
	if calls := f.recorded(t); len(calls) != 1 || calls[0].Status != domain.CallStatusFailed {
		t.Errorf("calls = %+v", calls)
	}
}

func TestChatCompletions_IdleTimeout(t *testing.T) {
	p := &MockProvider{
		id: "openai",
		OpenStreamFunc: func(ctx context.Context, input domain.ChatCompletionInput) (stream.Source, error) {
			src := newFrameSource(`{"content":"slow"}`)
			src.hold = true
			return src, nil
		},
	}
	f := newFixture(t, p, func(cfg *HandlerConfig) { cfg.StreamIdleTimeout = 50 * time.Millisecond })

	rec := f.do(http.MethodPost, "/v1/chat/completions", chatBody(false))

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d", rec.Code)
	}
	if typ, _ := errorBody(t, rec); typ != "upstream_provider_error" {
		t.Errorf("error type = %q", typ)
	}
}

func TestChatCompletions_ClientDisconnectRecordsCanceled(t *testing.T) {
	p := &MockProvider{
		id: "openai",
		OpenStreamFunc: func(ctx context.Context, input domain.ChatCompletionInput) (stream.Source, error) {
			src := newFrameSource(`{"content":"first"}`)
			src.hold = true
			return src, nil
		},
	}
	f := newFixture(t, p, nil)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(chatBody(true)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "data: ") {
		t.Fatalf("first line = %q, err = %v", line, err)
	}
	cancel()
	resp.Body.Close()

	calls := f.waitForCalls(t, 1)
	if len(calls) != 1 || calls[0].Status != domain.CallStatusCanceled {
		t.Errorf("calls = %+v", calls)
	}
}

func TestChatCompletions_InvalidRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"malformed json", `{"model":`, "invalid request body"},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, "model"},
		{"no messages", `{"model":"gpt-4","messages":[]}`, "messages"},
		{"unknown role", `{"model":"gpt-4","messages":[{"role":"robot","content":"hi"}]}`, "robot"},
		{"temperature out of range", `{"model":"gpt-4","temperature":3,"messages":[{"role":"user","content":"hi"}]}`, "temperature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &MockProvider{id: "openai", frames: completed}, nil)
			rec := f.do(http.MethodPost, "/v1/chat/completions", tt.body)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			typ, msg := errorBody(t, rec)
			if typ != "invalid_request" || !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("error = %s / %q", typ, msg)
			}
			if n := f.calls.Len(); n != 0 {
				t.Errorf("rejected request recorded %d calls", n)
			}
		})
	}
}

func TestChatCompletions_UnknownProviderHint(t *testing.T) {
	f := newFixture(t, &MockProvider{id: "openai", frames: completed}, nil)

	rec := f.do(http.MethodPost, "/v1/chat/completions", chatBody(false), "X-Provider", "nope")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
	calls := f.recorded(t)
	if len(calls) != 1 || calls[0].Status != domain.CallStatusFailed {
		t.Errorf("calls = %+v", calls)
	}
}

func TestChatCompletions_RateLimited(t *testing.T) {
	f := newFixture(t, &MockProvider{id: "openai", frames: completed}, func(cfg *HandlerConfig) {
		cfg.RateLimit = RateLimitConfig{
			Limiter:           ratelimit.NewInMemoryRateLimiter(),
			RequestsPerMinute: 1,
			DefaultScope:      "default",
		}
	})

	if rec := f.do(http.MethodPost, "/v1/chat/completions", chatBody(false)); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := f.do(http.MethodPost, "/v1/chat/completions", chatBody(false))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if typ, _ := errorBody(t, rec); typ != "rate_limit_exceeded" {
		t.Errorf("error type = %q", typ)
	}
	if got := len(f.waitForCalls(t, 1)); got != 1 {
		t.Errorf("recorded %d calls, want only the admitted one", got)
	}
}

func TestChatCompletions_SignatureRejected(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"rejected", &signing.RejectError{Reason: signing.ReasonSignatureMismatch}, http.StatusUnauthorized, "signature_invalid"},
		{"key lookup failure", errors.New("secrets manager unavailable"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &MockProvider{id: "openai", frames: completed}, func(cfg *HandlerConfig) {
				cfg.Verifier = &MockAuthenticator{VerifyFunc: func(r *http.Request) (signing.Identity, error) {
					return signing.Identity{}, tt.err
				}}
			})

			rec := f.do(http.MethodPost, "/v1/chat/completions", chatBody(false))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if typ, _ := errorBody(t, rec); typ != tt.wantType {
				t.Errorf("error type = %q", typ)
			}
			if n := f.calls.Len(); n != 0 {
				t.Errorf("unauthenticated request recorded %d calls", n)
			}
		})
	}
}

func TestNewHandler_RequiresVerifier(t *testing.T) {
	r := router.New(map[string]provider.Provider{}, "")
	if _, err := NewHandler(HandlerConfig{Router: r}); err == nil {
		t.Error("expected error without verifier")
	}
	if _, err := NewHandler(HandlerConfig{Verifier: &MockAuthenticator{}}); err == nil {
		t.Error("expected error without router")
	}
}

// =============================================================================
// Models and health
// =============================================================================

func TestListModels(t *testing.T) {
	p := &MockProvider{
		id: "openai",
		ModelsFunc: func(ctx context.Context) ([]domain.Model, error) {
			return []domain.Model{{ID: "gpt-4", Object: "model", Provider: "openai"}}, nil
		},
	}
	f := newFixture(t, p, nil)

	rec := f.do(http.MethodGet, "/v1/models", "")

	var resp domain.ModelsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "list" || len(resp.Data) != 1 || resp.Data[0].ID != "gpt-4" {
		t.Errorf("models = %+v", resp)
	}
}

func TestHealth(t *testing.T) {
	p := &MockProvider{
		id:              "openai",
		HealthCheckFunc: func(ctx context.Context) error { return errors.New("down") },
	}
	f := newFixture(t, p, nil)

	rec := f.do(http.MethodGet, "/health", "")

	var resp map[string]interface{}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["status"] != "degraded" {
		t.Errorf("status = %v", resp["status"])
	}
	if rec.Header().Get(timing.HeaderName) != "" {
		t.Error("health endpoint should not be timed")
	}
}

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		checkErr   error
		wantStatus int
		wantBody   string
	}{
		{"all ok", nil, http.StatusOK, "ready"},
		{"dependency down", errors.New("connection refused"), http.StatusServiceUnavailable, "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &MockProvider{id: "openai"}, func(cfg *HandlerConfig) {
				cfg.Checkers = []HealthChecker{
					&MockHealthChecker{name: "postgres"},
					&MockHealthChecker{name: "redis", CheckFunc: func(ctx context.Context) error { return tt.checkErr }},
				}
			})

			rec := f.do(http.MethodGet, "/health/ready", "")

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d", rec.Code)
			}
			var status HealthStatus
			json.NewDecoder(rec.Body).Decode(&status)
			if status.Status != tt.wantBody || len(status.Checks) != 2 {
				t.Errorf("body = %+v", status)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, &MockProvider{id: "openai", frames: completed}, nil)
	f.do(http.MethodPost, "/v1/chat/completions", chatBody(false))

	rec := f.do(http.MethodGet, "/metrics", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "modelgateway_requests_total") {
		t.Error("expected request counter in metrics output")
	}
}
