package openai

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

const ID = "openai"

type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey, baseURL string, client *http.Client) *Provider {
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

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	domain.ChatCompletionInput
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

func (p *Provider) OpenStream(ctx context.Context, input domain.ChatCompletionInput) (stream.Source, error) {
	input.Stream = true
	body, err := json.Marshal(chatRequest{
		ChatCompletionInput: input,
		StreamOptions:       &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := provider.Do(p.client, ID, httpReq)
	if err != nil {
		return nil, err
	}
	return stream.NewSSESource(resp.Body), nil
}

func (p *Provider) NewDecoder() stream.Decoder {
	return &Decoder{}
}

type chunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Role      string                 `json:"role"`
			Content   string                 `json:"content"`
			ToolCalls []domain.ToolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *domain.Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Decoder reads chat.completion.chunk frames. The stream ends with a literal
// [DONE] frame; usage arrives on a final chunk with no choices.
type Decoder struct{}

func (d *Decoder) Decode(f stream.Frame) (stream.Event, error) {
	data := bytes.TrimSpace(f.Data)
	if string(data) == "[DONE]" {
		return stream.Event{Done: true}, nil
	}

	var c chunk
	if err := json.Unmarshal(data, &c); err != nil {
		return stream.Event{}, fmt.Errorf("decode openai chunk: %w", err)
	}
	if c.Error != nil {
		return stream.Event{}, &domain.UpstreamError{Provider: ID, Message: c.Error.Message}
	}

	ev := stream.Event{Model: c.Model, Usage: c.Usage}
	if len(c.Choices) > 0 {
		ch := c.Choices[0]
		ev.Delta = domain.Delta{
			Role:      domain.Role(ch.Delta.Role),
			Content:   ch.Delta.Content,
			ToolCalls: ch.Delta.ToolCalls,
		}
		ev.FinishReason = ch.FinishReason
	}
	return ev, nil
}

func (p *Provider) Models(ctx context.Context) ([]domain.Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := provider.Do(p.client, ID, httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var modelsResp domain.ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	for i := range modelsResp.Data {
		modelsResp.Data[i].Provider = ID
	}

	return modelsResp.Data, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := provider.Do(p.client, ID, httpReq)
	if err != nil {
		return fmt.Errorf("openai unhealthy: %w", err)
	}
	resp.Body.Close()

	return nil
}
