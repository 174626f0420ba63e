// Package runtime is the narrow surface between agentdeck and the agent
// runtime: model, tool, memory and voice handles, and an Agent built from
// them that runs a tool-calling loop.
package runtime

import (
	"context"
)

// Message roles.
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
}

// Usage counts tokens consumed by model calls.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.TotalTokens += u2.TotalTokens
}

// GenerateOptions are per-call model parameters.
type GenerateOptions struct {
	Temperature *float64
}

// Completion is a single model response.
type Completion struct {
	Text         string
	FinishReason string
	Usage        Usage
}

// Model generates a completion for a conversation.
type Model interface {
	Name() string
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) (*Completion, error)
}

// Tool is a callable the model may invoke by name.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Call(ctx context.Context, input map[string]any) (any, error)
}

// Memory loads and saves conversation history for a thread.
type Memory interface {
	Load(ctx context.Context, thread, resource string) ([]Message, error)
	Save(ctx context.Context, thread, resource string, messages []Message) error
}

// Voice identifies the speech provider attached to an agent.
type Voice interface {
	Provider() string
	VoiceID() string
}

// Config is everything needed to build an Agent.
type Config struct {
	Name         string
	Instructions string
	Model        Model
	Tools        []Tool
	Memory       Memory
	Voice        Voice
}

// Input is one invocation of an Agent.
type Input struct {
	Message     string
	History     []Message
	MaxSteps    int
	Temperature *float64
	Thread      string
	Resource    string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the outcome of one ToolCall.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Output is the result of an Agent invocation.
type Output struct {
	Text         string       `json:"text"`
	ToolCalls    []ToolCall   `json:"toolCalls"`
	ToolResults  []ToolResult `json:"toolResults"`
	FinishReason string       `json:"finishReason"`
	Usage        Usage        `json:"usage"`
	Steps        int          `json:"steps"`
}

// Agent runs a conversation turn.
type Agent interface {
	Generate(ctx context.Context, in Input) (*Output, error)
}

// Factory builds an Agent from resolved handles.
type Factory func(cfg Config) Agent
