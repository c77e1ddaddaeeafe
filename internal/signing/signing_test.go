package signing

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/golang-jwt/jwt/v4"
)

var issuedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newSignedRequest(t *testing.T, keys Keyring, body, contentType string) *http.Request {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/v1/reports?b=2&a=1", strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(HeaderUserScope, "user-1")
	req.Header.Set(HeaderAppScope, "app-1")

	hash := UnsignedPayload
	if Buffered(contentType) {
		hash = BodyHash([]byte(body))
	}

	signer := NewSigner(keys, "gateway", 30*time.Second)
	signer.SetClock(fixedClock(issuedAt))
	if err := signer.Sign(context.Background(), req, "reports", hash); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return req
}

func newVerifierAt(keys Keyring, at time.Time) *Verifier {
	v := NewVerifier(keys, "reports", 30*time.Second)
	v.SetClock(fixedClock(at))
	return v
}

func TestVerify_RoundTrip(t *testing.T) {
	keys := NewHKDFKeyring("master-secret")
	req := newSignedRequest(t, keys, `{"q":"usage"}`, "application/json")

	id, err := newVerifierAt(keys, issuedAt.Add(time.Second)).Verify(req)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.Caller != "gateway" || id.UserScope != "user-1" || id.AppScope != "app-1" {
		t.Errorf("unexpected identity %+v", id)
	}
	if id.Scheme != SchemeSignature {
		t.Errorf("Scheme = %q", id.Scheme)
	}

	body, _ := io.ReadAll(req.Body)
	if string(body) != `{"q":"usage"}` {
		t.Errorf("body not restored: %q", body)
	}
}

func TestVerify_Window(t *testing.T) {
	keys := NewHKDFKeyring("master-secret")

	tests := []struct {
		name   string
		offset time.Duration
		reason string
	}{
		{"fresh", 0, ""},
		{"within window", 29 * time.Second, ""},
		{"at expiry", 30 * time.Second, ""},
		{"past expiry", 31 * time.Second, ReasonExpired},
		{"small skew", -3 * time.Second, ""},
		{"issued in future", -10 * time.Second, ReasonIssuedInFuture},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newSignedRequest(t, keys, `{}`, "application/json")
			_, err := newVerifierAt(keys, issuedAt.Add(tt.offset)).Verify(req)
			if got := RejectReason(err); got != tt.reason {
				t.Errorf("reason = %q, want %q (err %v)", got, tt.reason, err)
			}
		})
	}
}

func TestVerify_Tampering(t *testing.T) {
	keys := NewHKDFKeyring("master-secret")

	tests := []struct {
		name   string
		mutate func(r *http.Request)
		reason string
	}{
		{
			name:   "altered body byte",
			mutate: func(r *http.Request) { r.Body = io.NopCloser(strings.NewReader(`{"q":"usagE"}`)) },
			reason: ReasonBodyHashMismatch,
		},
		{
			name:   "altered path",
			mutate: func(r *http.Request) { r.URL.Path = "/v1/admin" },
			reason: ReasonSignatureMismatch,
		},
		{
			name:   "altered query",
			mutate: func(r *http.Request) { r.URL.RawQuery = "a=1&b=3" },
			reason: ReasonSignatureMismatch,
		},
		{
			name:   "altered app scope",
			mutate: func(r *http.Request) { r.Header.Set(HeaderAppScope, "app-2") },
			reason: ReasonSignatureMismatch,
		},
		{
			name:   "extended expiry",
			mutate: func(r *http.Request) { r.Header.Set(HeaderExpiresAt, "1772366500") },
			reason: ReasonInvalidWindow,
		},
		{
			name:   "unknown version",
			mutate: func(r *http.Request) { r.Header.Set(HeaderVersion, "v9") },
			reason: ReasonUnsupportedVersion,
		},
		{
			name:   "missing signature",
			mutate: func(r *http.Request) { r.Header.Del(HeaderSignature) },
			reason: ReasonMissingHeader,
		},
		{
			name:   "missing issued at",
			mutate: func(r *http.Request) { r.Header.Del(HeaderIssuedAt) },
			reason: ReasonMissingHeader,
		},
		{
			name:   "non-hex signature",
			mutate: func(r *http.Request) { r.Header.Set(HeaderSignature, "zz") },
			reason: ReasonMalformed,
		},
		{
			name:   "unsigned payload on json",
			mutate: func(r *http.Request) { r.Header.Set(HeaderContentHash, UnsignedPayload) },
			reason: ReasonSignatureMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newSignedRequest(t, keys, `{"q":"usage"}`, "application/json")
			tt.mutate(req)

			_, err := newVerifierAt(keys, issuedAt).Verify(req)
			if !errors.Is(err, domain.ErrSignatureInvalid) {
				t.Fatalf("expected ErrSignatureInvalid, got %v", err)
			}
			if got := RejectReason(err); got != tt.reason {
				t.Errorf("reason = %q, want %q", got, tt.reason)
			}
		})
	}
}

func TestVerify_UnsignedPayload(t *testing.T) {
	keys := NewHKDFKeyring("master-secret")

	t.Run("allowed for piped content", func(t *testing.T) {
		req := newSignedRequest(t, keys, "binary-bytes", "application/octet-stream")
		if got := req.Header.Get(HeaderContentHash); got != UnsignedPayload {
			t.Fatalf("content hash = %q", got)
		}
		if _, err := newVerifierAt(keys, issuedAt).Verify(req); err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
	})

	t.Run("rejected for buffered content", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/reports", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")

		signer := NewSigner(keys, "gateway", 30*time.Second)
		signer.SetClock(fixedClock(issuedAt))
		if err := signer.Sign(context.Background(), req, "reports", UnsignedPayload); err != nil {
			t.Fatal(err)
		}

		_, err := newVerifierAt(keys, issuedAt).Verify(req)
		if got := RejectReason(err); got != ReasonUnsignedPayload {
			t.Errorf("reason = %q, want %q", got, ReasonUnsignedPayload)
		}
	})
}

func TestVerify_WrongScopeKey(t *testing.T) {
	keys := NewHKDFKeyring("master-secret")
	req := newSignedRequest(t, keys, `{}`, "application/json")

	v := NewVerifier(keys, "billing", 30*time.Second)
	v.SetClock(fixedClock(issuedAt))
	_, err := v.Verify(req)
	if got := RejectReason(err); got != ReasonSignatureMismatch {
		t.Errorf("reason = %q, want %q", got, ReasonSignatureMismatch)
	}
}

func TestVerifier_ClampsWindow(t *testing.T) {
	v := NewVerifier(StaticKeyring{}, "x", time.Hour)
	if v.window != MaxWindow {
		t.Errorf("window = %v, want %v", v.window, MaxWindow)
	}
}

func TestEnvelope_CanonicalQueryOrder(t *testing.T) {
	a := Envelope{Version: Version1, Method: "get", Path: "/x", Query: map[string][]string{"b": {"2"}, "a": {"3", "1"}}}
	b := Envelope{Version: Version1, Method: "GET", Path: "/x", Query: map[string][]string{"a": {"1", "3"}, "b": {"2"}}}
	if !bytes.Equal(a.Canonical(), b.Canonical()) {
		t.Errorf("canonical forms differ:\n%s\n%s", a.Canonical(), b.Canonical())
	}
	if !strings.Contains(string(a.Canonical()), "\na=1&a=3&b=2\n") {
		t.Errorf("unexpected canonical query: %q", a.Canonical())
	}
}

func TestBuffered(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"", true},
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"application/vnd.api+json", true},
		{"application/x-www-form-urlencoded", true},
		{"text/plain", true},
		{"application/octet-stream", false},
		{"multipart/form-data; boundary=x", false},
		{"audio/wav", false},
	}

	for _, tt := range tests {
		if got := Buffered(tt.contentType); got != tt.want {
			t.Errorf("Buffered(%q) = %v, want %v", tt.contentType, got, tt.want)
		}
	}
}

func TestHKDFKeyring(t *testing.T) {
	keys := NewHKDFKeyring("master-secret")
	ctx := context.Background()

	a, err := keys.KeyFor(ctx, "reports")
	if err != nil {
		t.Fatal(err)
	}
	b, err := keys.KeyFor(ctx, "billing")
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("payload")
	if bytes.Equal(a.Sign(msg), b.Sign(msg)) {
		t.Error("expected distinct keys per scope")
	}
	if !a.Verify(msg, a.Sign(msg)) {
		t.Error("key does not verify its own signature")
	}

	again, _ := NewHKDFKeyring("master-secret").KeyFor(ctx, "reports")
	if !bytes.Equal(a.Sign(msg), again.Sign(msg)) {
		t.Error("derivation is not deterministic")
	}

	if _, err := NewHKDFKeyring("").KeyFor(ctx, "reports"); !errors.Is(err, domain.ErrNoSigningKey) {
		t.Errorf("expected ErrNoSigningKey, got %v", err)
	}
}

func TestStaticKeyring_Missing(t *testing.T) {
	_, err := StaticKeyring{"a": []byte("x")}.KeyFor(context.Background(), "b")
	if !errors.Is(err, domain.ErrNoSigningKey) {
		t.Errorf("expected ErrNoSigningKey, got %v", err)
	}
}

func TestVerify_KeyLookupFailureIsNotRejection(t *testing.T) {
	req := newSignedRequest(t, StaticKeyring{"reports": []byte("k")}, `{}`, "application/json")

	_, err := newVerifierAt(StaticKeyring{}, issuedAt).Verify(req)
	if !errors.Is(err, domain.ErrNoSigningKey) {
		t.Fatalf("expected ErrNoSigningKey, got %v", err)
	}
	if RejectReason(err) != "" {
		t.Error("key lookup failure should not be a rejection")
	}
}

type MockSecretsManager struct {
	GetSecretValueFunc func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error)
	calls              int
}

func (m *MockSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls++
	return m.GetSecretValueFunc(ctx, params)
}

func TestSecretsManagerKeyring(t *testing.T) {
	mock := &MockSecretsManager{
		GetSecretValueFunc: func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			if aws.ToString(params.SecretId) != "gateway/signing" {
				t.Errorf("SecretId = %q", aws.ToString(params.SecretId))
			}
			return &secretsmanager.GetSecretValueOutput{
				SecretString: aws.String(`{"reports":"s3cret","billing":"other"}`),
			}, nil
		},
	}

	now := issuedAt
	keys := newSecretsManagerKeyring(mock, "gateway/signing")
	keys.now = func() time.Time { return now }
	ctx := context.Background()

	k, err := keys.KeyFor(ctx, "reports")
	if err != nil {
		t.Fatalf("KeyFor() error = %v", err)
	}
	if !k.Verify([]byte("m"), NewHMACKey([]byte("s3cret")).Sign([]byte("m"))) {
		t.Error("key does not match stored secret")
	}

	if _, err := keys.KeyFor(ctx, "billing"); err != nil {
		t.Fatal(err)
	}
	if mock.calls != 1 {
		t.Errorf("expected cached lookup, got %d calls", mock.calls)
	}

	now = now.Add(6 * time.Minute)
	if _, err := keys.KeyFor(ctx, "reports"); err != nil {
		t.Fatal(err)
	}
	if mock.calls != 2 {
		t.Errorf("expected refresh after ttl, got %d calls", mock.calls)
	}

	if _, err := keys.KeyFor(ctx, "unknown"); !errors.Is(err, domain.ErrNoSigningKey) {
		t.Errorf("expected ErrNoSigningKey, got %v", err)
	}
}

func TestSecretsManagerKeyring_Errors(t *testing.T) {
	tests := []struct {
		name string
		out  *secretsmanager.GetSecretValueOutput
		err  error
	}{
		{name: "api error", err: errors.New("access denied")},
		{name: "binary secret", out: &secretsmanager.GetSecretValueOutput{}},
		{name: "not json", out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String("plain")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockSecretsManager{
				GetSecretValueFunc: func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
					return tt.out, tt.err
				},
			}
			if _, err := newSecretsManagerKeyring(mock, "s").KeyFor(context.Background(), "reports"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRemoteServiceAuth(t *testing.T) {
	issuer := NewRemoteServiceAuth("cluster-secret", "reports")
	issuer.SetClock(fixedClock(time.Now()))

	token, err := issuer.Issue("gateway", "reports", "user-1", "app-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRemoteService, token)

	id, err := NewRemoteServiceAuth("cluster-secret", "reports").Verify(req)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.Caller != "gateway" || id.UserScope != "user-1" || id.AppScope != "app-1" || id.Scheme != SchemeRemoteService {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestRemoteServiceAuth_Rejections(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		secret   string
		audience string
		issuedAt time.Time
		target   string
		reason   string
	}{
		{"wrong secret", "other", "reports", now, "reports", ReasonInvalidToken},
		{"wrong audience", "cluster-secret", "reports", now, "billing", ReasonInvalidToken},
		{"expired", "cluster-secret", "reports", now.Add(-2 * time.Minute), "reports", ReasonExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := NewRemoteServiceAuth(tt.secret, tt.audience)
			issuer.SetClock(fixedClock(tt.issuedAt))
			token, err := issuer.Issue("gateway", tt.target, "", "")
			if err != nil {
				t.Fatal(err)
			}

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(HeaderRemoteService, token)

			_, err = NewRemoteServiceAuth("cluster-secret", tt.audience).Verify(req)
			if got := RejectReason(err); got != tt.reason {
				t.Errorf("reason = %q, want %q (err %v)", got, tt.reason, err)
			}
		})
	}

	bounds := []struct {
		name   string
		claims jwt.RegisteredClaims
	}{
		{"no expiry or issued-at", jwt.RegisteredClaims{}},
		{"no issued-at", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(30 * time.Second))}},
		{"no expiry", jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now)}},
		{"lifetime too long", jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		}},
	}
	for _, tt := range bounds {
		t.Run(tt.name, func(t *testing.T) {
			claims := ServiceClaims{RegisteredClaims: tt.claims}
			claims.Subject = "svc"
			claims.Audience = jwt.ClaimStrings{"reports"}
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("cluster-secret"))
			if err != nil {
				t.Fatal(err)
			}

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(HeaderRemoteService, token)

			_, err = NewRemoteServiceAuth("cluster-secret", "reports").Verify(req)
			if got := RejectReason(err); got != ReasonInvalidWindow {
				t.Errorf("reason = %q, want %q (err %v)", got, ReasonInvalidWindow, err)
			}
		})
	}

	t.Run("garbage", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRemoteService, "not.a.token")
		_, err := NewRemoteServiceAuth("cluster-secret", "reports").Verify(req)
		if got := RejectReason(err); got != ReasonInvalidToken {
			t.Errorf("reason = %q", got)
		}
	})
}

type MockAuthenticator struct {
	VerifyFunc func(r *http.Request) (Identity, error)
}

func (m *MockAuthenticator) Verify(r *http.Request) (Identity, error) {
	return m.VerifyFunc(r)
}

func TestMiddleware(t *testing.T) {
	sig := &MockAuthenticator{VerifyFunc: func(r *http.Request) (Identity, error) {
		if r.Header.Get(HeaderSignature) == "" {
			return Identity{}, reject(ReasonMissingHeader, "%s", HeaderSignature)
		}
		return Identity{Caller: "billing", Scheme: SchemeSignature}, nil
	}}
	remote := &MockAuthenticator{VerifyFunc: func(r *http.Request) (Identity, error) {
		return Identity{Caller: "worker", Scheme: SchemeRemoteService}, nil
	}}

	var seen Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := Middleware(sig, remote)(next)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCaller string
	}{
		{"signed", HeaderSignature, http.StatusNoContent, "billing"},
		{"remote token", HeaderRemoteService, http.StatusNoContent, "worker"},
		{"nothing", "", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = Identity{}
			req := httptest.NewRequest(http.MethodGet, "/v1/services/x", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, "value")
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if seen.Caller != tt.wantCaller {
				t.Errorf("caller = %q, want %q", seen.Caller, tt.wantCaller)
			}
		})
	}
}

func TestMiddleware_KeyFailureIsInternal(t *testing.T) {
	failing := &MockAuthenticator{VerifyFunc: func(r *http.Request) (Identity, error) {
		return Identity{}, domain.ErrNoSigningKey
	}}
	h := Middleware(failing, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}
