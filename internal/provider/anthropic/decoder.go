package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/felipepmaragno/model-gateway/internal/stream"
)

type streamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Model string `json:"model"`
		Usage usage  `json:"usage"`
	} `json:"message"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
		Text string `json:"text"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *usage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Decoder maps Messages API stream events. Content blocks are indexed across
// text and tool_use blocks, so tool_use blocks are renumbered to a dense
// tool-call index.
type Decoder struct {
	providerID string
	toolIndex  map[int]int
}

func NewDecoder(providerID string) *Decoder {
	return &Decoder{providerID: providerID, toolIndex: make(map[int]int)}
}

func (d *Decoder) Decode(f stream.Frame) (stream.Event, error) {
	var ev streamEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		return stream.Event{}, fmt.Errorf("decode %s event: %w", d.providerID, err)
	}

	switch ev.Type {
	case "message_start":
		if ev.Message == nil {
			return stream.Event{}, nil
		}
		return stream.Event{
			Model: ev.Message.Model,
			Delta: domain.Delta{Role: domain.RoleAssistant},
			Usage: &domain.Usage{
				PromptTokens:     ev.Message.Usage.InputTokens,
				CompletionTokens: ev.Message.Usage.OutputTokens,
			},
		}, nil

	case "content_block_start":
		if ev.ContentBlock == nil {
			return stream.Event{}, nil
		}
		switch ev.ContentBlock.Type {
		case "tool_use":
			idx := len(d.toolIndex)
			d.toolIndex[ev.Index] = idx
			return stream.Event{Delta: domain.Delta{ToolCalls: []domain.ToolCallDelta{{
				Index:    idx,
				ID:       ev.ContentBlock.ID,
				Type:     domain.ToolTypeFunction,
				Function: domain.FunctionCallDelta{Name: ev.ContentBlock.Name},
			}}}}, nil
		case "text":
			return stream.Event{Delta: domain.Delta{Content: ev.ContentBlock.Text}}, nil
		}
		return stream.Event{}, nil

	case "content_block_delta":
		if ev.Delta == nil {
			return stream.Event{}, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return stream.Event{Delta: domain.Delta{Content: ev.Delta.Text}}, nil
		case "input_json_delta":
			idx, ok := d.toolIndex[ev.Index]
			if !ok {
				return stream.Event{}, fmt.Errorf("%s: input_json_delta for unknown block %d", d.providerID, ev.Index)
			}
			return stream.Event{Delta: domain.Delta{ToolCalls: []domain.ToolCallDelta{{
				Index:    idx,
				Function: domain.FunctionCallDelta{Arguments: ev.Delta.PartialJSON},
			}}}}, nil
		}
		return stream.Event{}, nil

	case "message_delta":
		out := stream.Event{}
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			out.FinishReason = MapStopReason(ev.Delta.StopReason)
		}
		if ev.Usage != nil {
			out.Usage = &domain.Usage{
				PromptTokens:     ev.Usage.InputTokens,
				CompletionTokens: ev.Usage.OutputTokens,
			}
		}
		return out, nil

	case "message_stop":
		return stream.Event{Done: true}, nil

	case "error":
		msg := "stream error"
		if ev.Error != nil {
			msg = ev.Error.Type + ": " + ev.Error.Message
		}
		return stream.Event{}, &domain.UpstreamError{Provider: d.providerID, Message: msg}
	}

	// ping, content_block_stop and event types added later carry nothing we map.
	return stream.Event{}, nil
}

func MapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "pause_turn":
		return domain.FinishStop
	case "max_tokens":
		return domain.FinishLength
	case "tool_use":
		return domain.FinishToolCalls
	case "refusal":
		return domain.FinishFiltered
	default:
		return domain.FinishStop
	}
}
