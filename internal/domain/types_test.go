package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMessage_UnmarshalContentVariants(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantKind ContentKind
		wantText string
	}{
		{
			name:     "plain text",
			input:    `{"role":"user","content":"hello"}`,
			wantKind: ContentText,
			wantText: "hello",
		},
		{
			name:     "mixed parts",
			input:    `{"role":"user","content":[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"https://x/img.png"}}]}`,
			wantKind: ContentParts,
			wantText: "look",
		},
		{
			name:     "null content",
			input:    `{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"f","arguments":"{}"}}]}`,
			wantKind: ContentNull,
		},
		{
			name:     "missing content",
			input:    `{"role":"assistant","tool_calls":[{"id":"call_1","type":"function","function":{"name":"f","arguments":"{}"}}]}`,
			wantKind: ContentNull,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Message
			if err := json.Unmarshal([]byte(tt.input), &m); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if m.Content.Kind() != tt.wantKind {
				t.Errorf("kind = %v, want %v", m.Content.Kind(), tt.wantKind)
			}
			if m.Content.Text() != tt.wantText {
				t.Errorf("text = %q, want %q", m.Content.Text(), tt.wantText)
			}
		})
	}
}

func TestMessage_UnmarshalRejectsUnknownShapes(t *testing.T) {
	inputs := map[string]string{
		"unknown role":      `{"role":"developer","content":"x"}`,
		"unknown part type": `{"role":"user","content":[{"type":"audio","text":"x"}]}`,
		"image without url": `{"role":"user","content":[{"type":"image_url"}]}`,
		"numeric content":   `{"role":"user","content":42}`,
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			var m Message
			err := json.Unmarshal([]byte(input), &m)
			if err == nil {
				t.Fatal("expected error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected ValidationError, got %T: %v", err, err)
			}
		})
	}
}

func TestContent_MarshalRoundTrip(t *testing.T) {
	m := Message{Role: RoleUser, Content: TextContent("hi")}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"role":"user","content":"hi"}` {
		t.Errorf("unexpected json: %s", data)
	}

	null := Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c", Type: "function", Function: FunctionCall{Name: "f"}}}}
	data, _ = json.Marshal(null)
	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Content.IsNull() {
		t.Error("expected null content to survive")
	}
}

func TestChatCompletionInput_Validate(t *testing.T) {
	temp := 3.0
	zero := 0

	tests := []struct {
		name    string
		input   ChatCompletionInput
		wantErr string
	}{
		{
			name: "valid conversation with tool round trip",
			input: ChatCompletionInput{
				Model: "x",
				Messages: []Message{
					{Role: RoleSystem, Content: TextContent("be brief")},
					{Role: RoleUser, Content: TextContent("weather?")},
					{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Type: "function", Function: FunctionCall{Name: "weather", Arguments: `{"city":`}}}},
					{Role: RoleTool, ToolCallID: "call_1", Content: TextContent("sunny")},
				},
			},
		},
		{name: "missing model", input: ChatCompletionInput{Messages: []Message{{Role: RoleUser, Content: TextContent("x")}}}, wantErr: "model"},
		{name: "no messages", input: ChatCompletionInput{Model: "x"}, wantErr: "messages"},
		{
			name:    "temperature out of range",
			input:   ChatCompletionInput{Model: "x", Temperature: &temp, Messages: []Message{{Role: RoleUser, Content: TextContent("x")}}},
			wantErr: "temperature",
		},
		{
			name:    "non positive max tokens",
			input:   ChatCompletionInput{Model: "x", MaxTokens: &zero, Messages: []Message{{Role: RoleUser, Content: TextContent("x")}}},
			wantErr: "max_tokens",
		},
		{
			name:    "tool message without call id",
			input:   ChatCompletionInput{Model: "x", Messages: []Message{{Role: RoleTool, Content: TextContent("x")}}},
			wantErr: "messages[0].tool_call_id",
		},
		{
			name:    "tool calls on user message",
			input:   ChatCompletionInput{Model: "x", Messages: []Message{{Role: RoleUser, Content: TextContent("x"), ToolCalls: []ToolCall{{ID: "a", Type: "function", Function: FunctionCall{Name: "f"}}}}}},
			wantErr: "messages[0].tool_calls",
		},
		{
			name:    "unsupported tool call type",
			input:   ChatCompletionInput{Model: "x", Messages: []Message{{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Type: "retrieval", Function: FunctionCall{Name: "f"}}}}}},
			wantErr: "messages[0].tool_calls[0].type",
		},
		{
			name:    "empty assistant",
			input:   ChatCompletionInput{Model: "x", Messages: []Message{{Role: RoleAssistant}}},
			wantErr: "messages[0].content",
		},
		{
			name: "image in system message",
			input: ChatCompletionInput{Model: "x", Messages: []Message{{Role: RoleSystem, Content: PartsContent(
				ContentPart{Type: PartImageURL, ImageURL: &ImageURL{URL: "https://x"}},
			)}}},
			wantErr: "messages[0].content",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.wantErr {
				t.Errorf("field = %q, want %q", verr.Field, tt.wantErr)
			}
			if !errors.Is(err, ErrInvalidRequest) {
				t.Error("expected error to wrap ErrInvalidRequest")
			}
		})
	}
}

func TestTimeType_Boundaries(t *testing.T) {
	ts := time.Date(2026, 2, 14, 13, 45, 10, 0, time.UTC)

	tests := []struct {
		tt        TimeType
		wantFloor time.Time
		wantNext  time.Time
	}{
		{TimeTypeHour, time.Date(2026, 2, 14, 13, 0, 0, 0, time.UTC), time.Date(2026, 2, 14, 14, 0, 0, 0, time.UTC)},
		{TimeTypeDay, time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC), time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)},
		{TimeTypeMonth, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tc := range tests {
		t.Run(string(tc.tt), func(t *testing.T) {
			floor := tc.tt.Floor(ts)
			if !floor.Equal(tc.wantFloor) {
				t.Errorf("Floor = %v, want %v", floor, tc.wantFloor)
			}
			if next := tc.tt.Next(floor); !next.Equal(tc.wantNext) {
				t.Errorf("Next = %v, want %v", next, tc.wantNext)
			}
			if ceil := tc.tt.Ceil(ts); !ceil.Equal(tc.wantNext) {
				t.Errorf("Ceil = %v, want %v", ceil, tc.wantNext)
			}
			if ceil := tc.tt.Ceil(floor); !ceil.Equal(floor) {
				t.Errorf("Ceil on boundary = %v, want %v", ceil, floor)
			}
		})
	}
}

func TestUsageBucket_Add(t *testing.T) {
	var b UsageBucket
	b.Add(RawModelCall{Status: CallStatusSuccess, PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7, Credits: decimal.RequireFromString("0.5")})
	b.Add(RawModelCall{Status: CallStatusFailed, PromptTokens: 2, TotalTokens: 2, Credits: decimal.RequireFromString("0.25")})

	if b.CallCount != 2 || b.FailedCount != 1 {
		t.Errorf("counts = %d/%d, want 2/1", b.CallCount, b.FailedCount)
	}
	if b.TotalTokens != 9 {
		t.Errorf("TotalTokens = %d, want 9", b.TotalTokens)
	}
	if !b.Credits.Equal(decimal.RequireFromString("0.75")) {
		t.Errorf("Credits = %s, want 0.75", b.Credits)
	}
}

func TestChunk_IsTerminal(t *testing.T) {
	if (Chunk{Choices: []ChunkChoice{{Delta: Delta{Content: "x"}}}}).IsTerminal() {
		t.Error("delta chunk should not be terminal")
	}
	if !(Chunk{Choices: []ChunkChoice{{FinishReason: FinishStop}}}).IsTerminal() {
		t.Error("finish chunk should be terminal")
	}
	if !(Chunk{Error: &ChunkError{Message: "boom"}}).IsTerminal() {
		t.Error("error chunk should be terminal")
	}
}
