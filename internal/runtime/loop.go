package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alecgard/agentdeck/internal/apperr"
)

// DefaultMaxSteps bounds the model/tool loop when the input sets no limit.
const DefaultMaxSteps = 5

// Finish reasons set by the loop.
const (
	FinishStop     = "stop"
	FinishMaxSteps = "max_steps"
)

type loopAgent struct {
	cfg   Config
	tools map[string]Tool
}

// New builds an Agent that prompts the model with the available tools,
// executes any tool calls it returns and feeds the results back until the
// model answers in plain text or the step limit is reached.
func New(cfg Config) Agent {
	tools := make(map[string]Tool, len(cfg.Tools))
	for _, t := range cfg.Tools {
		tools[t.Name()] = t
	}
	return &loopAgent{cfg: cfg, tools: tools}
}

func (a *loopAgent) Generate(ctx context.Context, in Input) (*Output, error) {
	if a.cfg.Model == nil {
		return nil, apperr.New(apperr.Configuration, "agent has no model")
	}
	maxSteps := in.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	messages, err := a.initialMessages(ctx, in)
	if err != nil {
		return nil, err
	}
	opts := GenerateOptions{Temperature: in.Temperature}
	out := &Output{ToolCalls: []ToolCall{}, ToolResults: []ToolResult{}}
	user := Message{Role: RoleUser, Content: in.Message}

	for step := 1; step <= maxSteps; step++ {
		out.Steps = step
		completion, err := a.cfg.Model.Generate(ctx, messages, opts)
		if err != nil {
			return nil, fmt.Errorf("model %s (step %d): %w", a.cfg.Model.Name(), step, err)
		}
		out.Usage.Add(completion.Usage)

		calls := parseToolCalls(completion.Text, step)
		if len(calls) == 0 {
			out.Text = completion.Text
			out.FinishReason = completion.FinishReason
			if out.FinishReason == "" {
				out.FinishReason = FinishStop
			}
			a.remember(ctx, in, user, Message{Role: RoleAssistant, Content: completion.Text})
			return out, nil
		}

		messages = append(messages, Message{Role: RoleAssistant, Content: completion.Text})
		for _, call := range calls {
			result := a.callTool(ctx, call)
			out.ToolCalls = append(out.ToolCalls, call)
			out.ToolResults = append(out.ToolResults, result)
			messages = append(messages, Message{Role: RoleTool, Content: toolMessage(result)})
		}
	}

	slog.Warn("agent hit step limit", "agent", a.cfg.Name, "max_steps", maxSteps)
	out.FinishReason = FinishMaxSteps
	if n := len(out.ToolResults); n > 0 {
		out.Text = toolMessage(out.ToolResults[n-1])
	}
	return out, nil
}

func (a *loopAgent) initialMessages(ctx context.Context, in Input) ([]Message, error) {
	messages := make([]Message, 0, len(in.History)+2)
	if system := a.systemPrompt(); system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	if a.cfg.Memory != nil && in.Thread != "" {
		past, err := a.cfg.Memory.Load(ctx, in.Thread, in.Resource)
		if err != nil {
			return nil, fmt.Errorf("loading memory: %w", err)
		}
		messages = append(messages, past...)
	}
	messages = append(messages, in.History...)
	messages = append(messages, Message{Role: RoleUser, Content: in.Message})
	return messages, nil
}

func (a *loopAgent) systemPrompt() string {
	var b strings.Builder
	b.WriteString(a.cfg.Instructions)
	if len(a.cfg.Tools) == 0 {
		return b.String()
	}
	b.WriteString("\n\nAvailable tools:\n")
	for _, t := range a.cfg.Tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name(), describeTool(t))
	}
	b.WriteString("\nTo use a tool, respond only with a JSON object: ")
	b.WriteString(`{"tool_calls": [{"name": "tool_name", "arguments": {...}}]}`)
	return b.String()
}

// remember persists the exchange. Failures are logged; the answer has
// already been produced.
func (a *loopAgent) remember(ctx context.Context, in Input, msgs ...Message) {
	if a.cfg.Memory == nil || in.Thread == "" {
		return
	}
	if err := a.cfg.Memory.Save(ctx, in.Thread, in.Resource, msgs); err != nil {
		slog.Warn("failed to save memory", "agent", a.cfg.Name, "thread", in.Thread, "error", err)
	}
}

func (a *loopAgent) callTool(ctx context.Context, call ToolCall) ToolResult {
	res := ToolResult{ToolCallID: call.ID, Name: call.Name}
	tool, ok := a.tools[call.Name]
	if !ok {
		res.Error = fmt.Sprintf("unknown tool %q", call.Name)
		return res
	}
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	v, err := tool.Call(ctx, args)
	if err != nil {
		slog.Warn("tool call failed", "agent", a.cfg.Name, "tool", call.Name, "kind", apperr.KindOf(err), "error", err)
		res.Error = apperr.SafeMessage(err)
		return res
	}
	res.Result = v
	return res
}

func toolMessage(r ToolResult) string {
	if r.Error != "" {
		return fmt.Sprintf("[Tool: %s] Error: %s", r.Name, r.Error)
	}
	if s, ok := r.Result.(string); ok {
		return fmt.Sprintf("[Tool: %s] %s", r.Name, s)
	}
	b, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Sprintf("[Tool: %s] %v", r.Name, r.Result)
	}
	return fmt.Sprintf("[Tool: %s] %s", r.Name, b)
}

// parseToolCalls extracts tool calls from a model response. It accepts a
// {"tool_calls": [...]} object or a bare array, optionally inside a fenced
// code block.
func parseToolCalls(content string, step int) []ToolCall {
	content = stripFence(strings.TrimSpace(content))
	if content == "" || (content[0] != '{' && content[0] != '[') {
		return nil
	}

	var wrapper struct {
		ToolCalls []ToolCall `json:"tool_calls"`
	}
	var calls []ToolCall
	if err := json.Unmarshal([]byte(content), &wrapper); err == nil && len(wrapper.ToolCalls) > 0 {
		calls = wrapper.ToolCalls
	} else if err := json.Unmarshal([]byte(content), &calls); err != nil {
		return nil
	}

	valid := calls[:0]
	for _, c := range calls {
		if c.Name == "" {
			continue
		}
		valid = append(valid, c)
	}
	for i := range valid {
		if valid[i].ID == "" {
			valid[i].ID = fmt.Sprintf("call_%d_%d", step, i)
		}
	}
	return valid
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// describeTool creates a one-line description of a tool and its parameters.
func describeTool(t Tool) string {
	desc := t.Description()
	props, _ := t.Schema()["properties"].(map[string]any)
	if len(props) == 0 {
		if desc == "" {
			return "(no parameters)"
		}
		return desc
	}
	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	sort.Strings(names)
	params := "parameters: " + strings.Join(names, ", ")
	if desc == "" {
		return params
	}
	return desc + " (" + params + ")"
}
