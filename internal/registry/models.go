package registry

import (
	"time"
)

// Status is the lifecycle state of an agent or tool definition.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusTesting  Status = "testing"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusTesting:
		return true
	}
	return false
}

// BodyFormat selects how a tool request body is encoded.
type BodyFormat string

const (
	BodyJSON BodyFormat = "json"
	BodyForm BodyFormat = "form"
	BodyText BodyFormat = "text"
	BodyXML  BodyFormat = "xml"
)

func (f BodyFormat) Valid() bool {
	switch f {
	case BodyJSON, BodyForm, BodyText, BodyXML:
		return true
	}
	return false
}

// MemoryConfig enables conversation memory for an agent.
type MemoryConfig struct {
	Enabled      bool `json:"enabled"`
	LastMessages int  `json:"lastMessages,omitempty"`
}

// VoiceConfig enables a voice provider for an agent.
type VoiceConfig struct {
	Enabled  bool   `json:"enabled"`
	Provider string `json:"provider,omitempty"`
	VoiceID  string `json:"voiceId,omitempty"`
}

// AgentDefinition is an LLM configuration owned by an organization.
type AgentDefinition struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Instructions   string         `json:"instructions"`
	Model          string         `json:"model"`
	Tools          []string       `json:"tools"`
	Memory         *MemoryConfig  `json:"memory,omitempty"`
	Voice          *VoiceConfig   `json:"voice,omitempty"`
	Status         Status         `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// MemoryEnabled reports whether the agent declares conversation memory.
func (a *AgentDefinition) MemoryEnabled() bool {
	return a.Memory != nil && a.Memory.Enabled
}

// VoiceEnabled reports whether the agent declares a voice provider.
func (a *AgentDefinition) VoiceEnabled() bool {
	return a.Voice != nil && a.Voice.Enabled
}

// CachePolicy controls response caching for a tool. TTL is in seconds.
type CachePolicy struct {
	Enabled bool `json:"enabled"`
	TTL     int  `json:"ttl,omitempty"`
}

// ValidationPolicy controls input validation against the input schema.
type ValidationPolicy struct {
	Enabled bool `json:"enabled"`
}

// Transform reshapes tool input before it is encoded. FieldMapping renames
// input keys; Template, when set, replaces the body with a rendered string.
type Transform struct {
	FieldMapping map[string]string `json:"fieldMapping,omitempty"`
	Template     string            `json:"template,omitempty"`
}

// ToolDefinition is an external HTTP capability an agent may call.
type ToolDefinition struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organizationId"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	InputSchema    map[string]any    `json:"inputSchema,omitempty"`
	OutputSchema   map[string]any    `json:"outputSchema,omitempty"`
	Endpoint       string            `json:"endpoint,omitempty"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	ContentType    string            `json:"contentType,omitempty"`
	BodyFormat     BodyFormat        `json:"bodyFormat,omitempty"`
	Auth           *AuthDescriptor   `json:"auth,omitempty"`
	RateLimit      int               `json:"rateLimit,omitempty"`
	TimeoutMs      int               `json:"timeoutMs,omitempty"`
	Retries        int               `json:"retries,omitempty"`
	Cache          CachePolicy       `json:"cache"`
	Validation     ValidationPolicy  `json:"validation"`
	Transform      *Transform        `json:"transform,omitempty"`
	Status         Status            `json:"status"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// DefaultRetries is the attempt bound used when a tool declares none.
const DefaultRetries = 3

// Attempts is the total number of attempts the invoker may make.
func (t *ToolDefinition) Attempts() int {
	if t.Retries <= 0 {
		return DefaultRetries
	}
	return t.Retries
}

// Timeout returns the per-attempt timeout, or def when none is declared.
func (t *ToolDefinition) Timeout(def time.Duration) time.Duration {
	if t.TimeoutMs <= 0 {
		return def
	}
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// HTTPMethod returns the declared method, defaulting to POST.
func (t *ToolDefinition) HTTPMethod() string {
	if t.Method == "" {
		return "POST"
	}
	return t.Method
}

// Format returns the declared body format, defaulting to json.
func (t *ToolDefinition) Format() BodyFormat {
	if t.BodyFormat == "" {
		return BodyJSON
	}
	return t.BodyFormat
}

// Redacted returns a copy safe to show to API clients: auth secrets are
// masked and everything else is preserved.
func (t *ToolDefinition) Redacted() *ToolDefinition {
	cp := *t
	if t.Auth != nil {
		cp.Auth = t.Auth.Redacted()
	}
	return &cp
}

// CreateAgentInput holds the fields accepted when creating an agent.
type CreateAgentInput struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Instructions string         `json:"instructions"`
	Model        string         `json:"model"`
	Tools        []string       `json:"tools"`
	Memory       *MemoryConfig  `json:"memory"`
	Voice        *VoiceConfig   `json:"voice"`
	Status       Status         `json:"status"`
	Metadata     map[string]any `json:"metadata"`
}

// UpdateAgentInput holds the fields that can be updated on an agent.
// All fields are optional; only non-nil fields are applied.
type UpdateAgentInput struct {
	Name         *string         `json:"name"`
	Description  *string         `json:"description"`
	Instructions *string         `json:"instructions"`
	Model        *string         `json:"model"`
	Tools        *[]string       `json:"tools"`
	Memory       *MemoryConfig   `json:"memory"`
	Voice        *VoiceConfig    `json:"voice"`
	Status       *Status         `json:"status"`
	Metadata     *map[string]any `json:"metadata"`
}

// CreateToolInput holds the fields accepted when creating a tool.
type CreateToolInput struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	InputSchema  map[string]any    `json:"inputSchema"`
	OutputSchema map[string]any    `json:"outputSchema"`
	Endpoint     string            `json:"endpoint"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	ContentType  string            `json:"contentType"`
	BodyFormat   BodyFormat        `json:"bodyFormat"`
	Auth         *AuthDescriptor   `json:"auth"`
	RateLimit    int               `json:"rateLimit"`
	TimeoutMs    int               `json:"timeoutMs"`
	Retries      int               `json:"retries"`
	Cache        CachePolicy       `json:"cache"`
	Validation   ValidationPolicy  `json:"validation"`
	Transform    *Transform        `json:"transform"`
	Status       Status            `json:"status"`
	Metadata     map[string]any    `json:"metadata"`
}

// UpdateToolInput holds the fields that can be updated on a tool.
// All fields are optional; only non-nil fields are applied.
type UpdateToolInput struct {
	Name         *string            `json:"name"`
	Description  *string            `json:"description"`
	InputSchema  *map[string]any    `json:"inputSchema"`
	OutputSchema *map[string]any    `json:"outputSchema"`
	Endpoint     *string            `json:"endpoint"`
	Method       *string            `json:"method"`
	Headers      *map[string]string `json:"headers"`
	ContentType  *string            `json:"contentType"`
	BodyFormat   *BodyFormat        `json:"bodyFormat"`
	Auth         *AuthDescriptor    `json:"auth"`
	RateLimit    *int               `json:"rateLimit"`
	TimeoutMs    *int               `json:"timeoutMs"`
	Retries      *int               `json:"retries"`
	Cache        *CachePolicy       `json:"cache"`
	Validation   *ValidationPolicy  `json:"validation"`
	Transform    *Transform         `json:"transform"`
	Status       *Status            `json:"status"`
	Metadata     *map[string]any    `json:"metadata"`
}

// ListParams controls listing and pagination of definitions.
type ListParams struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
	Query  string `json:"query"`
}

// DeploymentRecord is the persisted per-agent snapshot row.
type DeploymentRecord struct {
	OrganizationID string    `json:"organizationId"`
	AgentID        string    `json:"agentId"`
	Snapshot       []byte    `json:"-"`
	IsDeployed     bool      `json:"isDeployed"`
	DeployedAt     time.Time `json:"deployedAt"`
	Version        int       `json:"version"`
}
