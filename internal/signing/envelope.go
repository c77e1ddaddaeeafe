// Package signing implements the short-lived request envelope used between
// internal services, plus the same-cluster remote-service token scheme.
package signing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/felipepmaragno/model-gateway/internal/domain"
)

const (
	HeaderSignature   = "X-Component-Sig"
	HeaderIssuedAt    = "X-Component-Sig-Iat"
	HeaderExpiresAt   = "X-Component-Sig-Exp"
	HeaderVersion     = "X-Component-Sig-Version"
	HeaderContentHash = "X-Component-Content-Sha256"
	HeaderCaller      = "X-Component-Caller"
	HeaderUserScope   = "X-Scope-User"
	HeaderAppScope    = "X-Scope-App"

	Version1 = "v1"

	// UnsignedPayload replaces the body hash for piped bodies, which are
	// streamed to the target without being read first.
	UnsignedPayload = "UNSIGNED-PAYLOAD"
)

// Headers lists every header this package writes, so forwarders can strip them.
var Headers = []string{
	HeaderSignature, HeaderIssuedAt, HeaderExpiresAt, HeaderVersion,
	HeaderContentHash, HeaderCaller, HeaderUserScope, HeaderAppScope,
}

// Reject reasons. They are logged and counted, never echoed with key material.
const (
	ReasonMissingHeader      = "missing_header"
	ReasonUnsupportedVersion = "unsupported_version"
	ReasonMalformed          = "malformed"
	ReasonInvalidWindow      = "invalid_window"
	ReasonIssuedInFuture     = "issued_in_future"
	ReasonExpired            = "expired"
	ReasonSignatureMismatch  = "signature_mismatch"
	ReasonBodyHashMismatch   = "body_hash_mismatch"
	ReasonUnsignedPayload    = "unsigned_payload_not_allowed"
	ReasonInvalidToken       = "invalid_token"
)

type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("signature invalid: %s: %s", e.Reason, e.Detail)
	}
	return "signature invalid: " + e.Reason
}

func (e *RejectError) Unwrap() error {
	return domain.ErrSignatureInvalid
}

func reject(reason, format string, args ...any) *RejectError {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// RejectReason extracts the reason code of a rejection, or "" for other errors.
func RejectReason(err error) string {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}

// BodyHash is the hex SHA-256 of a buffered body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Buffered reports whether bodies of this content type are read and hashed.
// Structured bodies are; anything else (uploads, octet streams) is piped.
func Buffered(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return true
	}
	switch {
	case mt == "application/json",
		strings.HasSuffix(mt, "+json"),
		mt == "application/x-www-form-urlencoded",
		strings.HasPrefix(mt, "text/"):
		return true
	}
	return false
}

// Envelope is the signed part of a request.
type Envelope struct {
	Version   string
	Method    string
	Path      string
	Query     url.Values
	BodyHash  string
	IssuedAt  int64
	ExpiresAt int64
	Caller    string
	UserScope string
	AppScope  string
}

// Canonical returns the exact byte string that is signed. Fields are newline
// separated; the query is sorted by key then value.
func (e Envelope) Canonical() []byte {
	var b strings.Builder
	b.WriteString(e.Version)
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(e.Method))
	b.WriteByte('\n')
	b.WriteString(canonicalPath(e.Path))
	b.WriteByte('\n')
	b.WriteString(canonicalQuery(e.Query))
	b.WriteByte('\n')
	b.WriteString(e.BodyHash)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "%d\n%d\n", e.IssuedAt, e.ExpiresAt)
	b.WriteString(e.Caller)
	b.WriteByte('\n')
	b.WriteString(e.UserScope)
	b.WriteByte('\n')
	b.WriteString(e.AppScope)
	return []byte(b.String())
}

func canonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	return (&url.URL{Path: p}).EscapedPath()
}

func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := append([]string(nil), q[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// envelopeFor collects the request-derived fields of an envelope.
func envelopeFor(r *http.Request) Envelope {
	return Envelope{
		Version:   r.Header.Get(HeaderVersion),
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.Query(),
		BodyHash:  r.Header.Get(HeaderContentHash),
		Caller:    r.Header.Get(HeaderCaller),
		UserScope: r.Header.Get(HeaderUserScope),
		AppScope:  r.Header.Get(HeaderAppScope),
	}
}
