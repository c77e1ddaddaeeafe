package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/felipepmaragno/model-gateway/internal/httputil"
	"github.com/felipepmaragno/model-gateway/internal/provider"
	"github.com/felipepmaragno/model-gateway/internal/stream"
)

const ID = "ollama"

type Provider struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string, client *http.Client) *Provider {
	if client == nil {
		client = httputil.StreamingClient()
	}
	return &Provider{
		baseURL: baseURL,
		client:  client,
	}
}

func (p *Provider) ID() string {
	return ID
}

func (p *Provider) OpenStream(ctx context.Context, input domain.ChatCompletionInput) (stream.Source, error) {
	body, err := json.Marshal(toOllamaRequest(input))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := provider.Do(p.client, ID, httpReq)
	if err != nil {
		return nil, err
	}
	return stream.NewNDJSONSource(resp.Body), nil
}

func (p *Provider) NewDecoder() stream.Decoder {
	return &Decoder{}
}

// Decoder reads /api/chat NDJSON lines. Tool calls arrive whole, so each one
// becomes a single complete fragment.
type Decoder struct {
	tools int
}

func (d *Decoder) Decode(f stream.Frame) (stream.Event, error) {
	var c ollamaStreamChunk
	if err := json.Unmarshal(f.Data, &c); err != nil {
		return stream.Event{}, fmt.Errorf("decode ollama chunk: %w", err)
	}
	if c.Error != "" {
		return stream.Event{}, &domain.UpstreamError{Provider: ID, Message: c.Error}
	}

	ev := stream.Event{
		Model: c.Model,
		Delta: domain.Delta{Content: c.Message.Content},
	}
	for _, tc := range c.Message.ToolCalls {
		args := string(tc.Function.Arguments)
		if args == "" || args == "null" {
			args = "{}"
		}
		ev.Delta.ToolCalls = append(ev.Delta.ToolCalls, domain.ToolCallDelta{
			Index: d.tools,
			ID:    fmt.Sprintf("call_%d", d.tools),
			Type:  domain.ToolTypeFunction,
			Function: domain.FunctionCallDelta{
				Name:      tc.Function.Name,
				Arguments: args,
			},
		})
		d.tools++
	}

	if c.Done {
		ev.Done = true
		ev.FinishReason = d.finishReason(c.DoneReason)
		ev.Usage = &domain.Usage{
			PromptTokens:     c.PromptEvalCount,
			CompletionTokens: c.EvalCount,
		}
	}
	return ev, nil
}

func (d *Decoder) finishReason(reason string) string {
	if d.tools > 0 {
		return domain.FinishToolCalls
	}
	if reason == "length" {
		return domain.FinishLength
	}
	return domain.FinishStop
}

func (p *Provider) Models(ctx context.Context) ([]domain.Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := provider.Do(p.client, ID, httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tagsResp ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tagsResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	models := make([]domain.Model, len(tagsResp.Models))
	for i, m := range tagsResp.Models {
		models[i] = domain.Model{
			ID:       m.Name,
			Object:   "model",
			OwnedBy:  ID,
			Provider: ID,
		}
	}

	return models, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := provider.Do(p.client, ID, httpReq)
	if err != nil {
		return fmt.Errorf("ollama unhealthy: %w", err)
	}
	resp.Body.Close()

	return nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []domain.Tool   `json:"tools,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaOptions struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	NumPredict       *int     `json:"num_predict,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
}

type ollamaStreamChunk struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int64         `json:"prompt_eval_count"`
	EvalCount       int64         `json:"eval_count"`
	Error           string        `json:"error"`
}

type ollamaTagsResponse struct {
	Models []ollamaModel `json:"models"`
}

type ollamaModel struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
}

func toOllamaRequest(input domain.ChatCompletionInput) ollamaChatRequest {
	messages := make([]ollamaMessage, len(input.Messages))
	for i, m := range input.Messages {
		msg := ollamaMessage{
			Role:    string(m.Role),
			Content: m.Content.Text(),
		}
		for _, part := range m.Content.Parts() {
			if part.Type != domain.PartImageURL {
				continue
			}
			// Only inline images are accepted; remote URLs are dropped.
			if _, data, ok := strings.Cut(part.ImageURL.URL, ";base64,"); ok {
				msg.Images = append(msg.Images, data)
			}
		}
		for _, tc := range m.ToolCalls {
			var call ollamaToolCall
			call.Function.Name = tc.Function.Name
			call.Function.Arguments = json.RawMessage(tc.Function.Arguments)
			if !json.Valid(call.Function.Arguments) {
				call.Function.Arguments = json.RawMessage(`{}`)
			}
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
		messages[i] = msg
	}

	req := ollamaChatRequest{
		Model:    input.Model,
		Messages: messages,
		Stream:   true,
		Tools:    input.Tools,
	}

	if input.Temperature != nil || input.MaxTokens != nil || input.TopP != nil ||
		input.FrequencyPenalty != nil || input.PresencePenalty != nil || len(input.Stop) > 0 {
		req.Options = &ollamaOptions{
			Temperature:      input.Temperature,
			NumPredict:       input.MaxTokens,
			TopP:             input.TopP,
			FrequencyPenalty: input.FrequencyPenalty,
			PresencePenalty:  input.PresencePenalty,
			Stop:             input.Stop,
		}
	}

	return req
}
