package bedrock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/felipepmaragno/model-gateway/internal/provider/anthropic"
	"github.com/felipepmaragno/model-gateway/internal/stream"
)

const (
	ID               = "bedrock"
	anthropicVersion = "bedrock-2023-05-31"
)

type runtimeClient interface {
	InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

type Provider struct {
	client runtimeClient
	region string
}

func New(ctx context.Context, region string) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithConfig(cfg), nil
}

func NewWithConfig(cfg aws.Config) *Provider {
	return &Provider{
		client: bedrockruntime.NewFromConfig(cfg),
		region: cfg.Region,
	}
}

func (p *Provider) ID() string {
	return ID
}

// OpenStream invokes an Anthropic model through Bedrock. The event stream
// carries Messages API events verbatim inside chunk payloads.
func (p *Provider) OpenStream(ctx context.Context, input domain.ChatCompletionInput) (stream.Source, error) {
	req, err := anthropic.BuildRequest(input)
	if err != nil {
		return nil, &domain.ValidationError{Field: "messages", Reason: err.Error()}
	}
	req.Model = ""
	req.Stream = false
	req.Metadata = nil
	req.AnthropicVersion = anthropicVersion

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := p.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(mapModelID(input.Model)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, &domain.UpstreamError{Provider: ID, Message: "invoke model stream", Err: err}
	}

	es := output.GetStream()
	return eventSource(ctx, es.Events(), es.Err, es.Close), nil
}

func eventSource(ctx context.Context, events <-chan types.ResponseStream, errFn, closeFn func() error) *stream.ChanSource {
	frames := make(chan stream.Frame)
	go func() {
		defer close(frames)
		for event := range events {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			select {
			case frames <- stream.Frame{Data: chunk.Value.Bytes}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return stream.NewChanSource(frames, errFn, closeFn)
}

func (p *Provider) NewDecoder() stream.Decoder {
	return anthropic.NewDecoder(ID)
}

func (p *Provider) Models(ctx context.Context) ([]domain.Model, error) {
	models := []domain.Model{
		{ID: "anthropic.claude-sonnet-4-5-20250929-v1:0", Object: "model", OwnedBy: "anthropic", Provider: ID},
		{ID: "anthropic.claude-haiku-4-5-20251001-v1:0", Object: "model", OwnedBy: "anthropic", Provider: ID},
		{ID: "anthropic.claude-3-5-haiku-20241022-v1:0", Object: "model", OwnedBy: "anthropic", Provider: ID},
	}
	return models, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	return nil
}

func mapModelID(model string) string {
	modelMap := map[string]string{
		"claude-sonnet-4-5": "anthropic.claude-sonnet-4-5-20250929-v1:0",
		"claude-haiku-4-5":  "anthropic.claude-haiku-4-5-20251001-v1:0",
		"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
	}

	if mapped, ok := modelMap[model]; ok {
		return mapped
	}
	return model
}
