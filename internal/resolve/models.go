package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	ollama "github.com/ollama/ollama/api"
	"github.com/sashabaranov/go-openai"

	"github.com/alecgard/agentdeck/internal/runtime"
)

// defaultMaxTokens bounds completions for providers that require a limit.
const defaultMaxTokens = 1024

// ---------------------------- OpenAI -----------------------------------------

type openAIModel struct {
	client *openai.Client
	model  string
}

func newOpenAIModel(model string, cfg ModelConfig) (*openAIModel, error) {
	if cfg.OpenAIKey == "" {
		return nil, errors.New("openai api key is not configured")
	}
	c := openai.DefaultConfig(cfg.OpenAIKey)
	if cfg.OpenAIBaseURL != "" {
		c.BaseURL = cfg.OpenAIBaseURL
	}
	if cfg.HTTPClient != nil {
		c.HTTPClient = cfg.HTTPClient
	}
	return &openAIModel{client: openai.NewClientWithConfig(c), model: model}, nil
}

func (o *openAIModel) Name() string { return "openai/" + o.model }

func (o *openAIModel) Generate(ctx context.Context, messages []runtime.Message, opts runtime.GenerateOptions) (*runtime.Completion, error) {
	req := openai.ChatCompletionRequest{Model: o.model}
	for _, m := range messages {
		role := m.Role
		if role == runtime.RoleTool {
			role = openai.ChatMessageRoleUser
		}
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	if opts.Temperature != nil {
		req.Temperature = float32(*opts.Temperature)
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no response from OpenAI")
	}
	return &runtime.Completion{
		Text:         resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: runtime.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// ---------------------------- Anthropic --------------------------------------

type anthropicModel struct {
	client anthropic.Client
	model  string
}

func newAnthropicModel(model string, cfg ModelConfig) (*anthropicModel, error) {
	if cfg.AnthropicKey == "" {
		return nil, errors.New("anthropic api key is not configured")
	}
	opts := []anthropicopt.RequestOption{anthropicopt.WithAPIKey(cfg.AnthropicKey)}
	if cfg.HTTPClient != nil {
		opts = append(opts, anthropicopt.WithHTTPClient(cfg.HTTPClient))
	}
	return &anthropicModel{client: anthropic.NewClient(opts...), model: model}, nil
}

func (a *anthropicModel) Name() string { return "anthropic/" + a.model }

func (a *anthropicModel) Generate(ctx context.Context, messages []runtime.Message, opts runtime.GenerateOptions) (*runtime.Completion, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: defaultMaxTokens,
	}
	var system []string
	for _, m := range mergeTurns(messages) {
		switch m.Role {
		case runtime.RoleSystem:
			system = append(system, m.Content)
		case runtime.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	var b strings.Builder
	for _, cb := range msg.Content {
		if tb, ok := cb.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return &runtime.Completion{
		Text:         b.String(),
		FinishReason: string(msg.StopReason),
		Usage:        runtime.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

// mergeTurns folds tool results into user turns and joins consecutive turns
// of the same role, since the Messages API requires alternation.
func mergeTurns(messages []runtime.Message) []runtime.Message {
	var out []runtime.Message
	for _, m := range messages {
		if m.Role == runtime.RoleTool {
			m.Role = runtime.RoleUser
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role && m.Role != runtime.RoleSystem {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

// ---------------------------- Ollama -----------------------------------------

type ollamaModel struct {
	client *ollama.Client
	model  string
}

func newOllamaModel(model string, cfg ModelConfig) (*ollamaModel, error) {
	host := cfg.OllamaHost
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &ollamaModel{client: ollama.NewClient(u, hc), model: model}, nil
}

func (o *ollamaModel) Name() string { return "ollama/" + o.model }

func (o *ollamaModel) Generate(ctx context.Context, messages []runtime.Message, opts runtime.GenerateOptions) (*runtime.Completion, error) {
	stream := false
	req := &ollama.ChatRequest{Model: o.model, Stream: &stream}
	for _, m := range messages {
		req.Messages = append(req.Messages, ollama.Message{Role: m.Role, Content: m.Content})
	}
	if opts.Temperature != nil {
		req.Options = map[string]any{"temperature": *opts.Temperature}
	}

	var (
		text strings.Builder
		last ollama.ChatResponse
	)
	if err := o.client.Chat(ctx, req, func(cr ollama.ChatResponse) error {
		text.WriteString(cr.Message.Content)
		last = cr
		return nil
	}); err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	return &runtime.Completion{
		Text:         text.String(),
		FinishReason: last.DoneReason,
		Usage: runtime.Usage{
			PromptTokens:     last.PromptEvalCount,
			CompletionTokens: last.EvalCount,
			TotalTokens:      last.PromptEvalCount + last.EvalCount,
		},
	}, nil
}

// ---------------------------- Echo -------------------------------------------

// echoModel answers with the latest user message. It needs no credentials
// and backs demos and tests.
type echoModel struct {
	model string
}

func (e *echoModel) Name() string { return "echo/" + e.model }

func (e *echoModel) Generate(_ context.Context, messages []runtime.Message, _ runtime.GenerateOptions) (*runtime.Completion, error) {
	var last string
	prompt := 0
	for _, m := range messages {
		prompt += len(strings.Fields(m.Content))
		if m.Role == runtime.RoleUser {
			last = m.Content
		}
	}
	text := "echo: " + last
	completion := len(strings.Fields(text))
	return &runtime.Completion{
		Text:         text,
		FinishReason: "stop",
		Usage:        runtime.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
	}, nil
}
