package anthropic

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/felipepmaragno/model-gateway/internal/domain"
)

const defaultMaxTokens = 4096

// MessagesRequest is the Messages API body. Bedrock reuses it with Model and
// Stream cleared and AnthropicVersion set.
type MessagesRequest struct {
	AnthropicVersion string          `json:"anthropic_version,omitempty"`
	Model            string          `json:"model,omitempty"`
	Messages         []Message       `json:"messages"`
	System           string          `json:"system,omitempty"`
	MaxTokens        int             `json:"max_tokens"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	StopSequences    []string        `json:"stop_sequences,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       *ToolChoice     `json:"tool_choice,omitempty"`
	Metadata         *RequestMeta    `json:"metadata,omitempty"`
}

type RequestMeta struct {
	UserID string `json:"user_id,omitempty"`
}

type Message struct {
	Role    string  `json:"role"`
	Content []Block `json:"content"`
}

type Block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// BuildRequest maps the canonical input onto the Messages API. System turns
// are hoisted into System; consecutive tool turns become tool_result blocks
// of a single user turn.
func BuildRequest(input domain.ChatCompletionInput) (MessagesRequest, error) {
	req := MessagesRequest{
		Model:         input.Model,
		MaxTokens:     defaultMaxTokens,
		Temperature:   input.Temperature,
		TopP:          input.TopP,
		StopSequences: input.Stop,
	}
	if input.MaxTokens != nil {
		req.MaxTokens = *input.MaxTokens
	}
	if input.User != "" {
		req.Metadata = &RequestMeta{UserID: input.User}
	}

	var system []string
	for i, m := range input.Messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content.Text())

		case domain.RoleUser:
			blocks, err := contentBlocks(m.Content)
			if err != nil {
				return MessagesRequest{}, fmt.Errorf("messages[%d]: %w", i, err)
			}
			req.Messages = append(req.Messages, Message{Role: "user", Content: blocks})

		case domain.RoleAssistant:
			var blocks []Block
			if text := m.Content.Text(); text != "" {
				blocks = append(blocks, Block{Type: "text", Text: text})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, Block{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: toolInput(tc.Function.Arguments),
				})
			}
			req.Messages = append(req.Messages, Message{Role: "assistant", Content: blocks})

		case domain.RoleTool:
			result := Block{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content.Text()}
			if n := len(req.Messages); n > 0 && isToolResultTurn(req.Messages[n-1]) {
				req.Messages[n-1].Content = append(req.Messages[n-1].Content, result)
				continue
			}
			req.Messages = append(req.Messages, Message{Role: "user", Content: []Block{result}})
		}
	}
	req.System = strings.Join(system, "\n\n")

	for _, t := range input.Tools {
		schema := t.Function.Parameters
		if len(schema) == 0 {
			schema = emptySchema
		}
		req.Tools = append(req.Tools, Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		})
	}
	req.ToolChoice = toolChoice(input.ToolChoice)

	return req, nil
}

func isToolResultTurn(m Message) bool {
	if m.Role != "user" || len(m.Content) == 0 {
		return false
	}
	for _, b := range m.Content {
		if b.Type != "tool_result" {
			return false
		}
	}
	return true
}

func contentBlocks(c domain.Content) ([]Block, error) {
	if c.Kind() != domain.ContentParts {
		return []Block{{Type: "text", Text: c.Text()}}, nil
	}

	blocks := make([]Block, 0, len(c.Parts()))
	for _, p := range c.Parts() {
		switch p.Type {
		case domain.PartText:
			blocks = append(blocks, Block{Type: "text", Text: p.Text})
		case domain.PartImageURL:
			src, err := imageSource(p.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, Block{Type: "image", Source: src})
		}
	}
	return blocks, nil
}

// imageSource accepts https URLs and base64 data URLs.
func imageSource(url string) (*ImageSource, error) {
	if !strings.HasPrefix(url, "data:") {
		return &ImageSource{Type: "url", URL: url}, nil
	}

	meta, data, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
	mediaType, enc, _ := strings.Cut(meta, ";")
	if !ok || enc != "base64" {
		return nil, fmt.Errorf("unsupported data url")
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return nil, fmt.Errorf("invalid base64 image: %w", err)
	}
	return &ImageSource{Type: "base64", MediaType: mediaType, Data: data}, nil
}

func toolInput(arguments string) json.RawMessage {
	if arguments == "" || !json.Valid([]byte(arguments)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(arguments)
}

func toolChoice(raw json.RawMessage) *ToolChoice {
	if len(raw) == 0 {
		return nil
	}

	var mode string
	if json.Unmarshal(raw, &mode) == nil {
		switch mode {
		case "auto":
			return &ToolChoice{Type: "auto"}
		case "required":
			return &ToolChoice{Type: "any"}
		case "none":
			return &ToolChoice{Type: "none"}
		}
		return nil
	}

	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &named) == nil && named.Function.Name != "" {
		return &ToolChoice{Type: "tool", Name: named.Function.Name}
	}
	return nil
}
