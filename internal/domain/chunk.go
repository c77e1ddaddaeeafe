package domain

// Chunk is one frame of the canonical stream. A chunk is terminal when it
// carries a finish reason or an error; nothing follows a terminal chunk.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
	Error   *ChunkError   `json:"error,omitempty"`
}

type ChunkChoice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type Delta struct {
	Role      Role            `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

func (d Delta) Empty() bool {
	return d.Role == "" && d.Content == "" && len(d.ToolCalls) == 0
}

// ToolCallDelta is a fragment of a tool call, keyed by its position in the
// assistant turn. ID, Type and Name normally arrive once; Arguments arrive in
// pieces that concatenate in order.
type ToolCallDelta struct {
	Index    int               `json:"index"`
	ID       string            `json:"id,omitempty"`
	Type     string            `json:"type,omitempty"`
	Function FunctionCallDelta `json:"function"`
}

type FunctionCallDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type ChunkError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

const (
	ChunkObject = "chat.completion.chunk"

	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
	FinishFiltered  = "content_filter"

	ErrorTypeUpstream = "upstream_provider_error"
	ErrorTypeTimeout  = "upstream_timeout"
	ErrorTypeCanceled = "canceled"
)

func (c Chunk) FinishReason() string {
	for _, ch := range c.Choices {
		if ch.FinishReason != "" {
			return ch.FinishReason
		}
	}
	return ""
}

func (c Chunk) IsTerminal() bool {
	return c.Error != nil || c.FinishReason() != ""
}
