// Package forward proxies authenticated requests to internal services,
// re-signing them for the target and relaying the response as it arrives.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/felipepmaragno/model-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/felipepmaragno/model-gateway/internal/httputil"
	"github.com/felipepmaragno/model-gateway/internal/metrics"
	"github.com/felipepmaragno/model-gateway/internal/signing"
	"github.com/felipepmaragno/model-gateway/internal/telemetry"
	"github.com/felipepmaragno/model-gateway/internal/timing"
)

var (
	// RequestHeaders are the only inbound headers passed to a target. Scope
	// headers are set from the verified identity instead.
	RequestHeaders = []string{
		"Accept",
		"Accept-Language",
		"Content-Type",
		"User-Agent",
		"X-Request-ID",
	}

	ResponseHeaders = []string{
		"Cache-Control",
		"Content-Disposition",
		"Content-Length",
		"Content-Type",
		"Retry-After",
		"X-Request-ID",
	}
)

const (
	defaultMaxBody = 10 << 20
	copyBufferSize = 32 << 10
)

// Result labels for forward metrics.
const (
	ResultSuccess     = "success"
	ResultTargetError = "target_error"
	ResultNetwork     = "network_error"
	ResultCircuitOpen = "circuit_open"
	ResultCanceled    = "canceled"
	ResultSignFailed  = "sign_failed"
)

type Forwarder struct {
	targets  map[string]*url.URL
	signer   *signing.Signer
	client   *http.Client
	breakers *circuitbreaker.Manager
	reqAllow httputil.HeaderAllowList
	resAllow httputil.HeaderAllowList
	maxBody  int64
}

// New validates the target map (name to base URL). A nil client uses a
// streaming client; a nil breaker manager uses default breakers.
func New(targets map[string]string, signer *signing.Signer, client *http.Client, breakers *circuitbreaker.Manager) (*Forwarder, error) {
	if signer == nil {
		return nil, errors.New("forward: signer is required")
	}
	if client == nil {
		client = httputil.StreamingClient()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(circuitbreaker.DefaultConfig())
	}

	parsed := make(map[string]*url.URL, len(targets))
	for name, raw := range targets {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("forward: target %q has invalid url %q", name, raw)
		}
		parsed[name] = u
	}

	return &Forwarder{
		targets:  parsed,
		signer:   signer,
		client:   client,
		breakers: breakers,
		reqAllow: httputil.NewHeaderAllowList(RequestHeaders...),
		resAllow: httputil.NewHeaderAllowList(ResponseHeaders...),
		maxBody:  defaultMaxBody,
	}, nil
}

func (f *Forwarder) Targets() []string {
	names := make([]string, 0, len(f.targets))
	for name := range f.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *Forwarder) BreakerStates() map[string]string {
	return f.breakers.States()
}

// ServeHTTP expects the route pattern to bind {service} and {path...}.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.Forward(w, r, r.PathValue("service"), "/"+r.PathValue("path"))
}

// Forward proxies r to path on the named target. Every failure is written to
// w; nothing is retried.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, target, path string) {
	base, ok := f.targets[target]
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "forwarding_error", fmt.Sprintf("unknown target %q", target))
		return
	}

	t := timing.FromContext(r.Context())
	t.Start(timing.PhaseForward)
	defer t.End(timing.PhaseForward)

	ctx, span := telemetry.StartSpan(r.Context(), "forward."+target)
	defer span.End()

	start := time.Now()
	log := slog.With("target", target, "method", r.Method, "path", path)

	out, err := f.buildRequest(ctx, r, base, path)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
			return
		}
		log.Warn("forward request build failed", "error", err)
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", "could not read request body")
		return
	}

	if err := f.sign(ctx, r, out, target); err != nil {
		log.Error("forward signing failed", "error", err)
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordForward(target, ResultSignFailed)
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "cannot sign request for target")
		return
	}

	breaker := f.breakers.Get(target)
	if err := breaker.Allow(); err != nil {
		metrics.RecordForward(target, ResultCircuitOpen)
		httputil.WriteError(w, http.StatusServiceUnavailable, "forwarding_error", "target temporarily unavailable")
		return
	}

	resp, err := f.client.Do(out)
	if err != nil {
		if r.Context().Err() != nil {
			breaker.Release()
			metrics.RecordForward(target, ResultCanceled)
			log.Info("forward canceled by client")
			return
		}
		breaker.Done(false)
		err = fmt.Errorf("%w: %s: %v", domain.ErrForwarding, target, err)
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordForward(target, ResultNetwork)
		log.Warn("forward failed", "error", err)
		httputil.WriteError(w, http.StatusBadGateway, "forwarding_error", "target unreachable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		breaker.Done(false)
		metrics.RecordForward(target, ResultTargetError)
	} else {
		breaker.Done(true)
		metrics.RecordForward(target, ResultSuccess)
	}

	f.resAllow.Copy(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	written, copyErr := relay(w, resp.Body)

	attrs := []any{
		"status", resp.StatusCode,
		"bytes", written,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	switch {
	case copyErr != nil && r.Context().Err() != nil:
		log.Info("forward response abandoned by client", attrs...)
	case copyErr != nil:
		log.Warn("forward response interrupted", append(attrs, "error", copyErr)...)
	default:
		log.Info("request forwarded", attrs...)
	}
}

func (f *Forwarder) buildRequest(ctx context.Context, r *http.Request, base *url.URL, path string) (*http.Request, error) {
	u := base.JoinPath(path)
	u.RawQuery = r.URL.RawQuery

	var (
		body   io.Reader
		length int64
		hash   string
	)
	if signing.Buffered(r.Header.Get("Content-Type")) {
		var buf []byte
		if r.Body != nil {
			var err error
			buf, err = io.ReadAll(http.MaxBytesReader(nil, r.Body, f.maxBody))
			if err != nil {
				return nil, err
			}
		}
		hash = signing.BodyHash(buf)
		length = int64(len(buf))
		if length > 0 {
			body = bytes.NewReader(buf)
		}
	} else {
		body = r.Body
		length = r.ContentLength
		hash = signing.UnsignedPayload
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = length

	f.reqAllow.Copy(out.Header, r.Header)
	out.Header.Set(signing.HeaderContentHash, hash)
	return out, nil
}

func (f *Forwarder) sign(ctx context.Context, in, out *http.Request, target string) error {
	if id, ok := signing.IdentityFrom(in.Context()); ok {
		if id.UserScope != "" {
			out.Header.Set(signing.HeaderUserScope, id.UserScope)
		}
		if id.AppScope != "" {
			out.Header.Set(signing.HeaderAppScope, id.AppScope)
		}
	}
	telemetry.Inject(ctx, out.Header)
	return f.signer.Sign(ctx, out, target, out.Header.Get(signing.HeaderContentHash))
}

// relay copies the body, flushing after every read so streamed responses
// reach the caller as they arrive.
func relay(w http.ResponseWriter, body io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	// Send the status line now; the first body bytes may be a while coming.
	rc.Flush()
	buf := make([]byte, copyBufferSize)

	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			m, err := w.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, err
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return written, err
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
