package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/felipepmaragno/model-gateway/internal/httputil"
	"github.com/felipepmaragno/model-gateway/internal/provider"
	"github.com/felipepmaragno/model-gateway/internal/stream"
)

const (
	ID               = "anthropic"
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey, baseURL string, client *http.Client) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = httputil.StreamingClient()
	}
	return &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
	}
}

func (p *Provider) ID() string {
	return ID
}

func (p *Provider) OpenStream(ctx context.Context, input domain.ChatCompletionInput) (stream.Source, error) {
	req, err := BuildRequest(input)
	if err != nil {
		return nil, &domain.ValidationError{Field: "messages", Reason: err.Error()}
	}
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := provider.Do(p.client, ID, httpReq)
	if err != nil {
		return nil, err
	}
	return stream.NewSSESource(resp.Body), nil
}

func (p *Provider) NewDecoder() stream.Decoder {
	return NewDecoder(ID)
}

func (p *Provider) Models(ctx context.Context) ([]domain.Model, error) {
	models := []domain.Model{
		{ID: "claude-sonnet-4-5", Object: "model", OwnedBy: "anthropic", Provider: ID},
		{ID: "claude-haiku-4-5", Object: "model", OwnedBy: "anthropic", Provider: ID},
		{ID: "claude-opus-4-1", Object: "model", OwnedBy: "anthropic", Provider: ID},
		{ID: "claude-3-5-haiku-20241022", Object: "model", OwnedBy: "anthropic", Provider: ID},
	}
	return models, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.apiKey == "" {
		return fmt.Errorf("anthropic: api key not configured")
	}
	return nil
}
