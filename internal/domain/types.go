package domain

import (
	"encoding/json"
	"fmt"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return invalid("role", "must be a string")
	}
	if !Role(s).Valid() {
		return invalid("role", "unknown role %q", s)
	}
	*r = Role(s)
	return nil
}

// ChatCompletionInput is the canonical request accepted from clients.
type ChatCompletionInput struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	User             string          `json:"user,omitempty"`
}

// Message is one role-tagged turn. Which fields are meaningful depends on Role:
// ToolCalls only on assistant turns, ToolCallID only on tool turns.
//
// A tool message is expected to answer a tool call issued by an earlier
// assistant turn; that reference is not checked here.
type Message struct {
	Role       Role       `json:"role"`
	Content    Content    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall arguments are an opaque JSON-encoded string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Tool struct {
	Type     string       `json:"type"`
	Function FunctionDecl `json:"function"`
}

type FunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

const ToolTypeFunction = "function"

// Validate enforces the boundary rules of the canonical protocol.
func (in *ChatCompletionInput) Validate() error {
	if in.Model == "" {
		return invalid("model", "required")
	}
	if len(in.Messages) == 0 {
		return invalid("messages", "at least one message is required")
	}
	if err := checkRange("temperature", in.Temperature, 0, 2); err != nil {
		return err
	}
	if err := checkRange("top_p", in.TopP, 0, 1); err != nil {
		return err
	}
	if err := checkRange("frequency_penalty", in.FrequencyPenalty, -2, 2); err != nil {
		return err
	}
	if err := checkRange("presence_penalty", in.PresencePenalty, -2, 2); err != nil {
		return err
	}
	if in.MaxTokens != nil && *in.MaxTokens <= 0 {
		return invalid("max_tokens", "must be positive")
	}
	for i, t := range in.Tools {
		if t.Type != ToolTypeFunction {
			return invalid(fmt.Sprintf("tools[%d].type", i), "unsupported tool type %q", t.Type)
		}
		if t.Function.Name == "" {
			return invalid(fmt.Sprintf("tools[%d].function.name", i), "required")
		}
	}
	for i := range in.Messages {
		if err := in.Messages[i].validate(fmt.Sprintf("messages[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Message) validate(path string) error {
	if !m.Role.Valid() {
		return invalid(path+".role", "unknown role %q", m.Role)
	}
	if len(m.ToolCalls) > 0 && m.Role != RoleAssistant {
		return invalid(path+".tool_calls", "only allowed on assistant messages")
	}
	if m.ToolCallID != "" && m.Role != RoleTool {
		return invalid(path+".tool_call_id", "only allowed on tool messages")
	}

	switch m.Role {
	case RoleSystem:
		if m.Content.IsNull() {
			return invalid(path+".content", "required for system messages")
		}
		for _, p := range m.Content.Parts() {
			if p.Type != PartText {
				return invalid(path+".content", "system messages accept text parts only")
			}
		}
	case RoleUser:
		if m.Content.IsNull() {
			return invalid(path+".content", "required for user messages")
		}
	case RoleAssistant:
		if m.Content.IsNull() && len(m.ToolCalls) == 0 {
			return invalid(path+".content", "assistant message needs content or tool calls")
		}
		for j, tc := range m.ToolCalls {
			tcPath := fmt.Sprintf("%s.tool_calls[%d]", path, j)
			if tc.ID == "" {
				return invalid(tcPath+".id", "required")
			}
			if tc.Type != ToolTypeFunction {
				return invalid(tcPath+".type", "unsupported tool call type %q", tc.Type)
			}
			if tc.Function.Name == "" {
				return invalid(tcPath+".function.name", "required")
			}
		}
	case RoleTool:
		if m.ToolCallID == "" {
			return invalid(path+".tool_call_id", "required for tool messages")
		}
		if m.Content.Kind() == ContentParts {
			return invalid(path+".content", "tool messages accept text content only")
		}
	}
	return nil
}

func checkRange(field string, v *float64, lo, hi float64) error {
	if v == nil {
		return nil
	}
	if *v < lo || *v > hi {
		return invalid(field, "must be between %g and %g", lo, hi)
	}
	return nil
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	Gateway *Gateway `json:"x_gateway,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type Gateway struct {
	Provider  string `json:"provider"`
	LatencyMs int64  `json:"latency_ms"`
	Credits   string `json:"credits"`
	RequestID string `json:"request_id"`
	TraceID   string `json:"trace_id,omitempty"`
}

type Model struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	OwnedBy  string `json:"owned_by"`
	Provider string `json:"provider,omitempty"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
