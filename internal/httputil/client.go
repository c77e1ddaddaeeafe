package httputil

import (
	"encoding/json"
	"net"
	"net/http"
	"net/textproto"
	"time"
)

type ClientConfig struct {
	// Timeout bounds the whole exchange including the body. Streaming clients
	// leave it zero and rely on the caller's context instead.
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:               120 * time.Second,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}
}

// StreamingConfig is for long-lived responses (provider streams, forwarded
// downloads). Only connection setup and the wait for headers are bounded.
func StreamingConfig() ClientConfig {
	cfg := DefaultConfig()
	cfg.Timeout = 0
	cfg.ResponseHeaderTimeout = 60 * time.Second
	return cfg
}

func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

func DefaultClient() *http.Client {
	return NewClient(DefaultConfig())
}

func StreamingClient() *http.Client {
	return NewClient(StreamingConfig())
}

// HeaderAllowList copies only named headers between requests and responses.
type HeaderAllowList map[string]struct{}

func NewHeaderAllowList(names ...string) HeaderAllowList {
	l := make(HeaderAllowList, len(names))
	for _, n := range names {
		l[textproto.CanonicalMIMEHeaderKey(n)] = struct{}{}
	}
	return l
}

func (l HeaderAllowList) Allowed(name string) bool {
	_, ok := l[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// Copy adds every allowed header of src to dst and returns how many values
// were dropped.
func (l HeaderAllowList) Copy(dst, src http.Header) int {
	dropped := 0
	for k, vs := range src {
		if !l.Allowed(k) {
			dropped += len(vs)
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	return dropped
}

// WriteError renders the gateway's JSON error body.
func WriteError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}
