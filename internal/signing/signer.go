package signing

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	DefaultWindow = 30 * time.Second
	// MaxWindow bounds the lifetime a verifier accepts, whatever the caller claims.
	MaxWindow      = 5 * time.Minute
	defaultSkew    = 5 * time.Second
	defaultMaxBody = 10 << 20
)

type Identity struct {
	Caller    string
	UserScope string
	AppScope  string
	Scheme    string
	IssuedAt  time.Time
}

const (
	SchemeSignature     = "signature"
	SchemeRemoteService = "remote_service"
)

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Signer attaches envelopes to outbound requests on behalf of one caller.
type Signer struct {
	keys   Keyring
	caller string
	window time.Duration
	now    func() time.Time
}

func NewSigner(keys Keyring, caller string, window time.Duration) *Signer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Signer{keys: keys, caller: caller, window: window, now: time.Now}
}

func (s *Signer) SetClock(now func() time.Time) { s.now = now }

// Sign sets the envelope headers on req for the target scope. bodyHash is
// BodyHash of the buffered body, or UnsignedPayload for a piped body. Scope
// headers must already be set on req.
func (s *Signer) Sign(ctx context.Context, req *http.Request, scope, bodyHash string) error {
	key, err := s.keys.KeyFor(ctx, scope)
	if err != nil {
		return fmt.Errorf("sign for %s: %w", scope, err)
	}

	iat := s.now().Unix()
	env := Envelope{
		Version:   Version1,
		Method:    req.Method,
		Path:      req.URL.Path,
		Query:     req.URL.Query(),
		BodyHash:  bodyHash,
		IssuedAt:  iat,
		ExpiresAt: iat + int64(s.window/time.Second),
		Caller:    s.caller,
		UserScope: req.Header.Get(HeaderUserScope),
		AppScope:  req.Header.Get(HeaderAppScope),
	}

	req.Header.Set(HeaderCaller, s.caller)
	req.Header.Set(HeaderVersion, env.Version)
	req.Header.Set(HeaderIssuedAt, strconv.FormatInt(env.IssuedAt, 10))
	req.Header.Set(HeaderExpiresAt, strconv.FormatInt(env.ExpiresAt, 10))
	req.Header.Set(HeaderContentHash, bodyHash)
	req.Header.Set(HeaderSignature, hex.EncodeToString(key.Sign(env.Canonical())))
	return nil
}

// Verifier checks envelopes addressed to one scope (the local service).
type Verifier struct {
	keys    Keyring
	scope   string
	window  time.Duration
	skew    time.Duration
	maxBody int64
	now     func() time.Time
}

func NewVerifier(keys Keyring, scope string, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultWindow
	}
	if window > MaxWindow {
		window = MaxWindow
	}
	return &Verifier{
		keys:    keys,
		scope:   scope,
		window:  window,
		skew:    defaultSkew,
		maxBody: defaultMaxBody,
		now:     time.Now,
	}
}

func (v *Verifier) SetClock(now func() time.Time) { v.now = now }

// Verify authenticates r. When the body is part of the signature it is read,
// checked and replaced so downstream handlers still see it.
func (v *Verifier) Verify(r *http.Request) (Identity, error) {
	for _, h := range []string{HeaderSignature, HeaderIssuedAt, HeaderExpiresAt, HeaderVersion} {
		if r.Header.Get(h) == "" {
			return Identity{}, reject(ReasonMissingHeader, "%s", h)
		}
	}
	env := envelopeFor(r)
	if env.Caller == "" || env.BodyHash == "" {
		return Identity{}, reject(ReasonMissingHeader, "caller or content hash")
	}
	if env.Version != Version1 {
		return Identity{}, reject(ReasonUnsupportedVersion, "%q", env.Version)
	}

	var err error
	if env.IssuedAt, err = strconv.ParseInt(r.Header.Get(HeaderIssuedAt), 10, 64); err != nil {
		return Identity{}, reject(ReasonMalformed, "issued-at")
	}
	if env.ExpiresAt, err = strconv.ParseInt(r.Header.Get(HeaderExpiresAt), 10, 64); err != nil {
		return Identity{}, reject(ReasonMalformed, "expiry")
	}
	sig, err := hex.DecodeString(r.Header.Get(HeaderSignature))
	if err != nil {
		return Identity{}, reject(ReasonMalformed, "signature encoding")
	}

	if env.ExpiresAt < env.IssuedAt || time.Duration(env.ExpiresAt-env.IssuedAt)*time.Second > v.window {
		return Identity{}, reject(ReasonInvalidWindow, "")
	}
	now := v.now()
	issued := time.Unix(env.IssuedAt, 0)
	if issued.After(now.Add(v.skew)) {
		return Identity{}, reject(ReasonIssuedInFuture, "")
	}
	if now.After(time.Unix(env.ExpiresAt, 0)) {
		return Identity{}, reject(ReasonExpired, "")
	}

	key, err := v.keys.KeyFor(r.Context(), v.scope)
	if err != nil {
		return Identity{}, fmt.Errorf("verify: %w", err)
	}
	if !key.Verify(env.Canonical(), sig) {
		return Identity{}, reject(ReasonSignatureMismatch, "")
	}

	if err := v.checkBody(r, env.BodyHash); err != nil {
		return Identity{}, err
	}

	return Identity{
		Caller:    env.Caller,
		UserScope: env.UserScope,
		AppScope:  env.AppScope,
		Scheme:    SchemeSignature,
		IssuedAt:  issued,
	}, nil
}

func (v *Verifier) checkBody(r *http.Request, want string) error {
	if want == UnsignedPayload {
		if Buffered(r.Header.Get("Content-Type")) {
			return reject(ReasonUnsignedPayload, "%s", r.Header.Get("Content-Type"))
		}
		return nil
	}

	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, v.maxBody+1))
		r.Body.Close()
		if err != nil {
			return reject(ReasonMalformed, "read body: %v", err)
		}
		if int64(len(body)) > v.maxBody {
			return reject(ReasonMalformed, "body exceeds %d bytes", v.maxBody)
		}
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if BodyHash(body) != want {
		return reject(ReasonBodyHashMismatch, "")
	}
	return nil
}
