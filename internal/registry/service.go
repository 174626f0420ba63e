package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Validation errors returned by the Service layer.
var (
	ErrIDInvalid         = errors.New("id may only contain letters, digits, '-', '_' and '.'")
	ErrNameRequired      = errors.New("name is required")
	ErrStatusInvalid     = errors.New("status must be one of: active, inactive, testing")
	ErrEndpointInvalid   = errors.New("endpoint must be a valid URL")
	ErrMethodInvalid     = errors.New("method must be one of: GET, POST, PUT, PATCH, DELETE")
	ErrBodyFormatInvalid = errors.New("body_format must be one of: json, form, text, xml")
	ErrTimeoutInvalid    = errors.New("timeout must not be negative")
	ErrRetriesInvalid    = errors.New("retries must not be negative")
	ErrCacheTTLInvalid   = errors.New("cache ttl must not be negative")
	ErrToolsDuplicate    = errors.New("tools must not contain duplicate ids")
)

// DefaultCacheTTL is applied when caching is enabled without a ttl.
const DefaultCacheTTL = 300

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

var validMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Service provides validated business logic over a definitions Store.
type Service struct {
	store     Store
	snapshots SnapshotStore
	now       func() time.Time
}

// NewService creates a Service. snapshots may be nil, in which case deleting
// an agent does not touch deployments.
func NewService(store Store, snapshots SnapshotStore) *Service {
	return &Service{store: store, snapshots: snapshots, now: time.Now}
}

// CreateAgent validates the input and creates the agent.
func (s *Service) CreateAgent(ctx context.Context, orgID string, input CreateAgentInput) (*AgentDefinition, error) {
	if input.ID == "" {
		input.ID = uuid.NewString()
	}
	if input.Status == "" {
		input.Status = StatusActive
	}
	if input.Tools == nil {
		input.Tools = []string{}
	}
	now := s.now().UTC()
	a := &AgentDefinition{
		ID:             input.ID,
		OrganizationID: orgID,
		Name:           strings.TrimSpace(input.Name),
		Description:    input.Description,
		Instructions:   input.Instructions,
		Model:          strings.TrimSpace(input.Model),
		Tools:          input.Tools,
		Memory:         input.Memory,
		Voice:          input.Voice,
		Status:         input.Status,
		Metadata:       input.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := validateAgent(a); err != nil {
		return nil, err
	}
	if err := s.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// GetAgent retrieves an agent by id.
func (s *Service) GetAgent(ctx context.Context, orgID, id string) (*AgentDefinition, error) {
	return s.store.GetAgent(ctx, orgID, id)
}

// ListAgents returns a paginated list of agents.
func (s *Service) ListAgents(ctx context.Context, orgID string, params ListParams) ([]*AgentDefinition, string, error) {
	return s.store.ListAgents(ctx, orgID, params)
}

// UpdateAgent applies a partial update and validates the result.
func (s *Service) UpdateAgent(ctx context.Context, orgID, id string, input UpdateAgentInput) (*AgentDefinition, error) {
	a, err := s.store.GetAgent(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if input.Name != nil {
		a.Name = strings.TrimSpace(*input.Name)
	}
	if input.Description != nil {
		a.Description = *input.Description
	}
	if input.Instructions != nil {
		a.Instructions = *input.Instructions
	}
	if input.Model != nil {
		a.Model = strings.TrimSpace(*input.Model)
	}
	if input.Tools != nil {
		a.Tools = *input.Tools
	}
	if input.Memory != nil {
		a.Memory = input.Memory
	}
	if input.Voice != nil {
		a.Voice = input.Voice
	}
	if input.Status != nil {
		a.Status = *input.Status
	}
	if input.Metadata != nil {
		a.Metadata = *input.Metadata
	}
	if err := validateAgent(a); err != nil {
		return nil, err
	}
	a.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}
	// An inactive agent cannot stay deployed.
	if a.Status == StatusInactive && s.snapshots != nil {
		if _, err := s.snapshots.ClearSnapshot(ctx, orgID, id); err != nil {
			return nil, fmt.Errorf("clearing snapshot for inactive agent: %w", err)
		}
	}
	return a, nil
}

// DeleteAgent removes an agent and invalidates its deployment snapshot.
func (s *Service) DeleteAgent(ctx context.Context, orgID, id string) error {
	if err := s.store.DeleteAgent(ctx, orgID, id); err != nil {
		return err
	}
	if s.snapshots != nil {
		if _, err := s.snapshots.ClearSnapshot(ctx, orgID, id); err != nil {
			return fmt.Errorf("clearing snapshot for deleted agent: %w", err)
		}
	}
	return nil
}

// CreateTool validates the input and creates the tool.
func (s *Service) CreateTool(ctx context.Context, orgID string, input CreateToolInput) (*ToolDefinition, error) {
	if input.ID == "" {
		input.ID = uuid.NewString()
	}
	if input.Status == "" {
		input.Status = StatusActive
	}
	now := s.now().UTC()
	t := &ToolDefinition{
		ID:             input.ID,
		OrganizationID: orgID,
		Name:           strings.TrimSpace(input.Name),
		Description:    input.Description,
		InputSchema:    input.InputSchema,
		OutputSchema:   input.OutputSchema,
		Endpoint:       strings.TrimSpace(input.Endpoint),
		Method:         strings.ToUpper(input.Method),
		Headers:        input.Headers,
		ContentType:    input.ContentType,
		BodyFormat:     input.BodyFormat,
		Auth:           input.Auth,
		RateLimit:      input.RateLimit,
		TimeoutMs:      input.TimeoutMs,
		Retries:        input.Retries,
		Cache:          input.Cache,
		Validation:     input.Validation,
		Transform:      input.Transform,
		Status:         input.Status,
		Metadata:       input.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := normalizeTool(t); err != nil {
		return nil, err
	}
	if err := s.store.CreateTool(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// GetTool retrieves a tool by id.
func (s *Service) GetTool(ctx context.Context, orgID, id string) (*ToolDefinition, error) {
	return s.store.GetTool(ctx, orgID, id)
}

// ListTools returns a paginated list of tools.
func (s *Service) ListTools(ctx context.Context, orgID string, params ListParams) ([]*ToolDefinition, string, error) {
	return s.store.ListTools(ctx, orgID, params)
}

// UpdateTool applies a partial update and validates the result.
func (s *Service) UpdateTool(ctx context.Context, orgID, id string, input UpdateToolInput) (*ToolDefinition, error) {
	t, err := s.store.GetTool(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if input.Name != nil {
		t.Name = strings.TrimSpace(*input.Name)
	}
	if input.Description != nil {
		t.Description = *input.Description
	}
	if input.InputSchema != nil {
		t.InputSchema = *input.InputSchema
	}
	if input.OutputSchema != nil {
		t.OutputSchema = *input.OutputSchema
	}
	if input.Endpoint != nil {
		t.Endpoint = strings.TrimSpace(*input.Endpoint)
	}
	if input.Method != nil {
		t.Method = strings.ToUpper(*input.Method)
	}
	if input.Headers != nil {
		t.Headers = *input.Headers
	}
	if input.ContentType != nil {
		t.ContentType = *input.ContentType
	}
	if input.BodyFormat != nil {
		t.BodyFormat = *input.BodyFormat
	}
	if input.Auth != nil {
		t.Auth = input.Auth
	}
	if input.RateLimit != nil {
		t.RateLimit = *input.RateLimit
	}
	if input.TimeoutMs != nil {
		t.TimeoutMs = *input.TimeoutMs
	}
	if input.Retries != nil {
		t.Retries = *input.Retries
	}
	if input.Cache != nil {
		t.Cache = *input.Cache
	}
	if input.Validation != nil {
		t.Validation = *input.Validation
	}
	if input.Transform != nil {
		t.Transform = input.Transform
	}
	if input.Status != nil {
		t.Status = *input.Status
	}
	if input.Metadata != nil {
		t.Metadata = *input.Metadata
	}
	if err := normalizeTool(t); err != nil {
		return nil, err
	}
	t.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateTool(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteTool removes a tool by id. Agents referencing it keep the id; the
// next deploy reports it as missing.
func (s *Service) DeleteTool(ctx context.Context, orgID, id string) error {
	return s.store.DeleteTool(ctx, orgID, id)
}

// validateAgent checks the fields required to store an agent. Instructions
// and model are only required at deploy time.
func validateAgent(a *AgentDefinition) error {
	if !idPattern.MatchString(a.ID) {
		return ErrIDInvalid
	}
	if a.Name == "" {
		return ErrNameRequired
	}
	if !a.Status.Valid() {
		return ErrStatusInvalid
	}
	seen := make(map[string]bool, len(a.Tools))
	for _, id := range a.Tools {
		if seen[id] {
			return ErrToolsDuplicate
		}
		seen[id] = true
	}
	return nil
}

// normalizeTool applies defaults and checks that all fields are valid.
func normalizeTool(t *ToolDefinition) error {
	if !idPattern.MatchString(t.ID) {
		return ErrIDInvalid
	}
	if t.Name == "" {
		return ErrNameRequired
	}
	if !t.Status.Valid() {
		return ErrStatusInvalid
	}
	if t.Endpoint != "" {
		if err := validateEndpoint(t.Endpoint); err != nil {
			return err
		}
	}
	if t.Method != "" && !validMethods[t.Method] {
		return ErrMethodInvalid
	}
	if t.BodyFormat != "" && !t.BodyFormat.Valid() {
		return ErrBodyFormatInvalid
	}
	if t.TimeoutMs < 0 {
		return ErrTimeoutInvalid
	}
	if t.Retries < 0 {
		return ErrRetriesInvalid
	}
	if t.Cache.TTL < 0 {
		return ErrCacheTTLInvalid
	}
	if t.Cache.Enabled && t.Cache.TTL == 0 {
		t.Cache.TTL = DefaultCacheTTL
	}
	if t.Auth != nil {
		if err := t.Auth.Normalize(); err != nil {
			return err
		}
	}
	return nil
}

// validateEndpoint checks that the endpoint template, with path parameters
// stubbed out, is a well-formed URL with a scheme and host.
func validateEndpoint(endpoint string) error {
	u, err := url.Parse(stripPathParams(endpoint))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrEndpointInvalid
	}
	return nil
}
