// Package resolve turns declarative agent and tool fields into runtime
// handles: models, tool callables, memory and voice. Resolution has no side
// effects beyond constructing clients, so it can run at deploy time and
// again at execution time.
package resolve

import (
	"context"
	"net/http"
	"strings"

	"github.com/alecgard/agentdeck/internal/apperr"
	"github.com/alecgard/agentdeck/internal/memory"
	"github.com/alecgard/agentdeck/internal/registry"
	"github.com/alecgard/agentdeck/internal/runtime"
)

// Supported model providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderEcho      = "echo"
)

// ModelConfig holds provider credentials and endpoints.
type ModelConfig struct {
	DefaultProvider string
	OpenAIKey       string
	OpenAIBaseURL   string
	AnthropicKey    string
	OllamaHost      string
	HTTPClient      *http.Client
}

// ToolInvoker executes a tool call.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool *registry.ToolDefinition, input any) (any, error)
}

// Resolver builds runtime handles.
type Resolver struct {
	models   ModelConfig
	invoker  ToolInvoker
	messages memory.MessageStore
}

// New creates a Resolver. messages may be nil, in which case agents with
// memory enabled fail to resolve it.
func New(models ModelConfig, invoker ToolInvoker, messages memory.MessageStore) *Resolver {
	return &Resolver{models: models, invoker: invoker, messages: messages}
}

// SplitModel splits "provider/model" into its parts. A bare model name uses
// the default provider.
func SplitModel(ref, defaultProvider string) (provider, model string) {
	if i := strings.Index(ref, "/"); i > 0 {
		return strings.ToLower(ref[:i]), ref[i+1:]
	}
	if defaultProvider == "" {
		defaultProvider = ProviderOpenAI
	}
	return defaultProvider, ref
}

// Model resolves a "provider/model" reference.
func (r *Resolver) Model(ref string) (runtime.Model, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperr.New(apperr.Configuration, "agent has no model").WithFields("model")
	}
	provider, name := SplitModel(ref, r.models.DefaultProvider)
	if name == "" {
		return nil, apperr.Newf(apperr.Configuration, "model reference %q has no model name", ref).WithFields("model")
	}

	var (
		m   runtime.Model
		err error
	)
	switch provider {
	case ProviderOpenAI:
		m, err = newOpenAIModel(name, r.models)
	case ProviderAnthropic:
		m, err = newAnthropicModel(name, r.models)
	case ProviderOllama:
		m, err = newOllamaModel(name, r.models)
	case ProviderEcho:
		m = &echoModel{model: name}
	default:
		return nil, apperr.Newf(apperr.Configuration, "unknown model provider %q", provider).WithFields("model")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Configuration, err, "resolving model "+ref).WithFields("model")
	}
	return m, nil
}

// Tool resolves a tool definition into a callable that goes through the
// invoker.
func (r *Resolver) Tool(def *registry.ToolDefinition) (runtime.Tool, error) {
	if def == nil {
		return nil, apperr.New(apperr.Configuration, "tool definition is nil")
	}
	if def.Status == registry.StatusInactive {
		return nil, apperr.Newf(apperr.Configuration, "tool %s is inactive", def.ID).WithFields("status")
	}
	if def.Endpoint == "" {
		return nil, apperr.Newf(apperr.Configuration, "tool %s has no endpoint", def.ID).WithFields("endpoint")
	}
	if r.invoker == nil {
		return nil, apperr.New(apperr.Configuration, "no tool invoker configured")
	}
	cp := *def
	return &httpTool{def: &cp, invoker: r.invoker}, nil
}

// Memory resolves an agent's memory handle. It returns nil when memory is
// disabled.
func (r *Resolver) Memory(orgID, agentID string, cfg *registry.MemoryConfig) (runtime.Memory, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	if r.messages == nil {
		return nil, apperr.New(apperr.Configuration, "memory is enabled but no message store is configured").WithFields("memory")
	}
	return memory.NewHandle(r.messages, orgID, agentID, cfg.LastMessages), nil
}

// Voice resolves an agent's voice settings. It returns nil when voice is
// disabled.
func (r *Resolver) Voice(cfg *registry.VoiceConfig) (runtime.Voice, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	if cfg.Provider == "" {
		return nil, apperr.New(apperr.Configuration, "voice is enabled but has no provider").WithFields("voice.provider")
	}
	return voice{provider: cfg.Provider, id: cfg.VoiceID}, nil
}

type httpTool struct {
	def     *registry.ToolDefinition
	invoker ToolInvoker
}

func (t *httpTool) Name() string        { return t.def.Name }
func (t *httpTool) Description() string { return t.def.Description }

func (t *httpTool) Schema() map[string]any {
	if len(t.def.InputSchema) == 0 {
		return map[string]any{"type": "object"}
	}
	return t.def.InputSchema
}

func (t *httpTool) Call(ctx context.Context, input map[string]any) (any, error) {
	return t.invoker.Invoke(ctx, t.def, input)
}

type voice struct {
	provider string
	id       string
}

func (v voice) Provider() string { return v.provider }
func (v voice) VoiceID() string  { return v.id }
