package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/felipepmaragno/model-gateway/internal/forward"
	"github.com/felipepmaragno/model-gateway/internal/httputil"
	"github.com/felipepmaragno/model-gateway/internal/idgen"
	"github.com/felipepmaragno/model-gateway/internal/metering"
	"github.com/felipepmaragno/model-gateway/internal/metrics"
	"github.com/felipepmaragno/model-gateway/internal/provider"
	"github.com/felipepmaragno/model-gateway/internal/ratelimit"
	"github.com/felipepmaragno/model-gateway/internal/router"
	"github.com/felipepmaragno/model-gateway/internal/signing"
	"github.com/felipepmaragno/model-gateway/internal/stream"
	"github.com/felipepmaragno/model-gateway/internal/telemetry"
	"github.com/felipepmaragno/model-gateway/internal/timing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxRequestBody     = 4 << 20
	defaultIdleTimeout = 60 * time.Second
	doneFrame          = "data: [DONE]\n\n"
)

type HandlerConfig struct {
	Router   *router.Router
	Recorder *metering.Recorder
	// Forwarder serves /v1/services/{service}/...; nil disables forwarding.
	Forwarder *forward.Forwarder
	Verifier  signing.Authenticator
	// Remote handles requests carrying the remote-service token header.
	Remote            signing.Authenticator
	IDs               idgen.Generator
	StreamIdleTimeout time.Duration
	Checkers          []HealthChecker
	Usage             UsageConfig
	RateLimit         RateLimitConfig
}

// RateLimitConfig caps chat requests per app scope; a nil Limiter or a
// non-positive RequestsPerMinute disables it.
type RateLimitConfig struct {
	Limiter           ratelimit.RateLimiter
	RequestsPerMinute int
	DefaultScope      string
}

type Handler struct {
	router      *router.Router
	recorder    *metering.Recorder
	forwarder   *forward.Forwarder
	ids         idgen.Generator
	idleTimeout time.Duration
	usage       UsageConfig
	backfilling atomic.Bool
	mux         *http.ServeMux
}

// NewHandler builds the gateway's HTTP surface. Everything under /v1 is timed
// and must pass signature verification; health and metrics are open.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Router == nil {
		return nil, errors.New("api: router is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("api: verifier is required")
	}
	if cfg.IDs == nil {
		cfg.IDs = idgen.NewUUIDGenerator()
	}
	if cfg.StreamIdleTimeout == 0 {
		cfg.StreamIdleTimeout = defaultIdleTimeout
	}

	h := &Handler{
		router:      cfg.Router,
		recorder:    cfg.Recorder,
		forwarder:   cfg.Forwarder,
		ids:         cfg.IDs,
		idleTimeout: cfg.StreamIdleTimeout,
		usage:       cfg.Usage,
		mux:         http.NewServeMux(),
	}

	v1 := http.NewServeMux()
	var chat http.Handler = http.HandlerFunc(h.handleChatCompletions)
	if rl := cfg.RateLimit; rl.Limiter != nil && rl.RequestsPerMinute > 0 {
		chat = ratelimit.Middleware(rl.Limiter, rl.RequestsPerMinute, rl.DefaultScope)(chat)
	}
	v1.Handle("POST /v1/chat/completions", chat)
	v1.HandleFunc("GET /v1/models", h.handleListModels)
	if cfg.Forwarder != nil {
		v1.Handle("/v1/services/{service}/{path...}", cfg.Forwarder)
	}
	h.registerUsageRoutes(v1)

	h.mux.Handle("/v1/", timing.Middleware(signing.Middleware(cfg.Verifier, cfg.Remote)(v1)))
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, 5*time.Second))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = h.ids.NewID()
	}
	w.Header().Set("X-Request-ID", requestID)

	var input domain.ChatCompletionInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&input); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", decodeErrorMessage(err))
		return
	}
	if err := input.Validate(); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	id, _ := signing.IdentityFrom(r.Context())
	meta := metering.CallMeta{
		RequestID: requestID,
		UserID:    id.UserScope,
		AppID:     id.AppScope,
		Model:     input.Model,
		CallType:  domain.CallTypeChat,
	}
	log := slog.With("request_id", requestID, "model", input.Model, "app_id", id.AppScope)

	p, err := h.router.SelectProvider(r.Context(), r.Header.Get("X-Provider"), input.Model)
	if err != nil {
		h.record(r.Context(), metering.FromError(meta, err, time.Since(start)))
		log.Warn("provider selection failed", "error", err)
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("no provider serves model %q", input.Model))
		return
	}
	meta.Provider = p.ID()
	log = log.With("provider", p.ID())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "chat.completions")
	defer span.End()
	telemetry.AddCallAttributes(span, id.AppScope, p.ID(), input.Model, requestID)

	timer := timing.FromContext(ctx)
	timer.Start(timing.PhaseProvider)
	metrics.IncrementActiveStreams()

	translator := stream.NewTranslator(stream.Config{
		ID:          "chatcmpl-" + requestID,
		Model:       input.Model,
		Provider:    p.ID(),
		IdleTimeout: h.idleTimeout,
	})
	s := translator.Run(ctx, provider.Opener(p, input), p.NewDecoder())

	var out stream.Outcome
	if input.Stream {
		out = writeStream(w, s, cancel)
	} else {
		out = s.Drain()
	}

	timer.End(timing.PhaseProvider)
	metrics.DecrementActiveStreams()

	call := h.record(ctx, metering.FromOutcome(meta, out))
	observeOutcome(p.ID(), id.AppScope, input.Model, out, time.Since(start))
	telemetry.AddTokenAttributes(span, out.Usage.PromptTokens, out.Usage.CompletionTokens, out.Usage.TotalTokens)
	if out.Err != nil {
		telemetry.AddErrorAttribute(span, out.Err)
	}

	attrs := []any{
		"status", call.Status,
		"stream", input.Stream,
		"total_tokens", out.Usage.TotalTokens,
		"credits", call.Credits.String(),
		"latency_ms", time.Since(start).Milliseconds(),
	}
	if out.Err != nil && !out.Cancelled {
		log.Warn("chat completion failed", append(attrs, "error", out.Err)...)
	} else {
		log.Info("chat completion finished", attrs...)
	}

	if !input.Stream {
		writeCompletion(ctx, w, requestID, input.Model, p.ID(), out, call, start)
	}
}

// record stores the call exactly once. A storage failure is logged; the
// caller's response is never changed by it.
func (h *Handler) record(ctx context.Context, call domain.RawModelCall) domain.RawModelCall {
	if h.recorder == nil {
		return call
	}
	recorded, err := h.recorder.Record(ctx, call)
	if err != nil {
		slog.Error("failed to record model call", "request_id", call.RequestID, "error", err)
		return call
	}
	return recorded
}

// writeStream relays chunks as SSE frames and closes with the [DONE] marker.
// A failed write cancels the translation and drains what remains.
func writeStream(w http.ResponseWriter, s *stream.Stream, cancel context.CancelFunc) stream.Outcome {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	flush := func() error {
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}
	flush()

	for chunk := range s.C {
		data, err := json.Marshal(chunk)
		if err == nil {
			_, err = fmt.Fprintf(w, "data: %s\n\n", data)
		}
		if err == nil {
			err = flush()
		}
		if err != nil {
			cancel()
			return s.Drain()
		}
	}

	out := s.Wait()
	if !out.Cancelled {
		w.Write([]byte(doneFrame))
		flush()
	}
	return out
}

func writeCompletion(ctx context.Context, w http.ResponseWriter, requestID, model, providerID string, out stream.Outcome, call domain.RawModelCall, start time.Time) {
	if out.Cancelled {
		return
	}
	if out.State != stream.StateCompleted {
		status, msg := http.StatusBadGateway, "upstream provider error"
		var upstream *domain.UpstreamError
		switch {
		case errors.Is(out.Err, stream.ErrIdleTimeout):
			status, msg = http.StatusGatewayTimeout, "upstream provider timed out"
		case errors.As(out.Err, &upstream):
			msg = upstream.Message
		}
		httputil.WriteError(w, status, "upstream_provider_error", msg)
		return
	}

	msg := &domain.Message{Role: domain.RoleAssistant, ToolCalls: out.ToolCalls}
	if out.Content != "" || len(out.ToolCalls) == 0 {
		msg.Content = domain.TextContent(out.Content)
	}
	if out.Model != "" {
		model = out.Model
	}

	resp := domain.ChatResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: start.Unix(),
		Model:   model,
		Choices: []domain.Choice{{Index: 0, Message: msg, FinishReason: out.FinishReason}},
		Usage:   out.Usage,
		Gateway: &domain.Gateway{
			Provider:  providerID,
			LatencyMs: time.Since(start).Milliseconds(),
			Credits:   call.Credits.String(),
			RequestID: requestID,
			TraceID:   telemetry.GetTraceID(ctx),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func observeOutcome(providerID, appID, model string, out stream.Outcome, elapsed time.Duration) {
	label := out.State.String()
	switch {
	case out.Cancelled:
		label = "canceled"
	case errors.Is(out.Err, stream.ErrIdleTimeout):
		metrics.RecordProviderError(providerID, "timeout")
	case out.Err != nil:
		metrics.RecordProviderError(providerID, "upstream")
	}
	metrics.RecordStreamOutcome(providerID, label)
	metrics.RecordRequest(appID, providerID, model, label, elapsed.Seconds())
}

func decodeErrorMessage(err error) string {
	var (
		verr     *domain.ValidationError
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.As(err, &tooLarge):
		return "request body too large"
	}
	return "invalid request body"
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := h.router.Models(r.Context())
	if models == nil {
		models = []domain.Model{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(domain.ModelsResponse{Object: "list", Data: models})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	providers := make(map[string]string)
	status := "healthy"
	for _, id := range h.router.ListProviders() {
		p, ok := h.router.GetProvider(id)
		if !ok {
			continue
		}
		if err := p.HealthCheck(ctx); err != nil {
			providers[id] = "unhealthy"
			status = "degraded"
			continue
		}
		providers[id] = "ok"
	}

	resp := map[string]interface{}{
		"status":    status,
		"providers": providers,
	}
	if h.forwarder != nil {
		resp["circuit_breakers"] = h.forwarder.BreakerStates()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
