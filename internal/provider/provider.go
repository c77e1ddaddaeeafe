// Package provider defines the contract every upstream LLM backend satisfies.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/felipepmaragno/model-gateway/internal/stream"
)

type Provider interface {
	ID() string
	// OpenStream issues a streaming request. The returned Source must stop
	// reading and release the connection when ctx is cancelled.
	OpenStream(ctx context.Context, input domain.ChatCompletionInput) (stream.Source, error)
	// NewDecoder returns a decoder for one stream opened by OpenStream.
	NewDecoder() stream.Decoder
	Models(ctx context.Context) ([]domain.Model, error)
	HealthCheck(ctx context.Context) error
}

// Opener binds a provider and an input into a stream.Opener.
func Opener(p Provider, input domain.ChatCompletionInput) stream.Opener {
	return func(ctx context.Context) (stream.Source, error) {
		return p.OpenStream(ctx, input)
	}
}

const maxErrorBody = 4 << 10

// StatusError reads a non-2xx response into an UpstreamError. It closes the body.
func StatusError(providerID string, resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := strings.TrimSpace(string(body))
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && len(envelope.Error) > 0 {
		var detail struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(envelope.Error, &detail) == nil && detail.Message != "" {
			msg = detail.Message
		} else {
			var s string
			if json.Unmarshal(envelope.Error, &s) == nil && s != "" {
				msg = s
			}
		}
	}

	return &domain.UpstreamError{
		Provider: providerID,
		Message:  fmt.Sprintf("status=%d %s", resp.StatusCode, msg),
	}
}

// Do sends req and returns the response for any 2xx status.
func Do(client *http.Client, providerID string, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &domain.UpstreamError{Provider: providerID, Message: "request failed", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, StatusError(providerID, resp)
	}
	return resp, nil
}
