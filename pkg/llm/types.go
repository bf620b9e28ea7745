// Package llm provides the model provider client: chat completions with
// optional streaming, native capability flags, transparent retry, token
// counting, and the multimodal generation APIs.
package llm

// Message roles in a conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name identify the call a tool-role message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolCall is a model request to invoke a tool.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON object as a string
}

// ToolDefinition describes a function tool offered to the model.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema document
}

// Options is the per-call request configuration.
type Options struct {
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int

	// Tools are ignored when native search mode is active: the provider
	// rejects custom tools combined with its built-in search agent.
	Tools []ToolDefinition

	// Native capability flags. Silently dropped for models outside the
	// provider's own family (see IsNative).
	EnableSearch          bool
	SearchStrategy        string
	EnableThinking        bool
	EnableCodeInterpreter bool
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the collected result of one chat call.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Chunk is one streamed increment. Content carries text with reasoning
// spans wrapped in [THINKING]...[/THINKING]; each marker always arrives
// whole within a single chunk. The final chunk of a stream carries the
// accumulated ToolCalls, Usage, and FinishReason; an Err chunk terminates
// the stream on failure. The channel closes after the final chunk.
type Chunk struct {
	Content      string
	ToolCalls    []ToolCall
	Usage        *Usage
	FinishReason string
	Err          error
}
