// Package deploy builds, persists and reads agent snapshots.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alecgard/agentdeck/internal/apperr"
	"github.com/alecgard/agentdeck/internal/registry"
	"github.com/alecgard/agentdeck/internal/runtime"
)

// toolFetchLimit bounds concurrent tool lookups during a deploy.
const toolFetchLimit = 8

// DefinitionStore is the read side of the definition store.
type DefinitionStore interface {
	GetAgent(ctx context.Context, orgID, id string) (*registry.AgentDefinition, error)
	GetTool(ctx context.Context, orgID, id string) (*registry.ToolDefinition, error)
}

// Resolver turns declarative fields into runtime handles.
type Resolver interface {
	Model(spec string) (runtime.Model, error)
	Tool(def *registry.ToolDefinition) (runtime.Tool, error)
	Memory(orgID, agentID string, cfg *registry.MemoryConfig) (runtime.Memory, error)
	Voice(cfg *registry.VoiceConfig) (runtime.Voice, error)
}

// Options control a deploy. Nil fields default to true.
type Options struct {
	ValidateConfigurations *bool `json:"validateConfigurations,omitempty"`
	PreResolveDependencies *bool `json:"preResolveDependencies,omitempty"`
}

func (o Options) validate() bool   { return o.ValidateConfigurations == nil || *o.ValidateConfigurations }
func (o Options) preResolve() bool { return o.PreResolveDependencies == nil || *o.PreResolveDependencies }

// FieldError is one validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Result is the outcome of a deploy.
type Result struct {
	Success  bool         `json:"success"`
	Snapshot *Snapshot    `json:"snapshot,omitempty"`
	Errors   []FieldError `json:"errors,omitempty"`
	Warnings []string     `json:"warnings"`
}

// State is the deployment status of one agent.
type State struct {
	AgentID              string    `json:"agentId"`
	IsDeployed           bool      `json:"isDeployed"`
	Version              int       `json:"version,omitempty"`
	DeployedAt           time.Time `json:"deployedAt,omitempty"`
	ToolCount            int       `json:"toolCount"`
	HasPreResolvedModel  bool      `json:"hasPreResolvedModel"`
	HasPreResolvedTools  bool      `json:"hasPreResolvedTools"`
	HasPreResolvedMemory bool      `json:"hasPreResolvedMemory"`
	HasPreResolvedVoice  bool      `json:"hasPreResolvedVoice"`
}

// Summary describes one deployed agent in a listing.
type Summary struct {
	AgentID    string    `json:"agentId"`
	Name       string    `json:"name"`
	Model      string    `json:"model"`
	ToolCount  int       `json:"toolCount"`
	Version    int       `json:"version"`
	DeployedAt time.Time `json:"deployedAt"`
}

// Manager is the deployment manager.
type Manager struct {
	defs      DefinitionStore
	snapshots registry.SnapshotStore
	resolver  Resolver
	now       func() time.Time

	mu      sync.RWMutex
	handles map[string]versionedHandles
}

type versionedHandles struct {
	version int
	handles *Handles
}

// NewManager creates a Manager.
func NewManager(defs DefinitionStore, snapshots registry.SnapshotStore, resolver Resolver) *Manager {
	return &Manager{
		defs:      defs,
		snapshots: snapshots,
		resolver:  resolver,
		now:       time.Now,
		handles:   make(map[string]versionedHandles),
	}
}

// SetClock replaces the time source. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func handleKey(orgID, agentID string) string { return orgID + "\x00" + agentID }

// Deploy validates an agent, builds its snapshot and persists it. Validation
// failures return a Result listing the errors together with a VALIDATION_ERROR;
// nothing is written in that case.
func (m *Manager) Deploy(ctx context.Context, orgID, agentID string, opts Options) (*Result, error) {
	agent, err := m.defs.GetAgent(ctx, orgID, agentID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, apperr.Newf(apperr.AgentNotFound, "agent %s not found", agentID)
		}
		return nil, fmt.Errorf("loading agent %s: %w", agentID, err)
	}

	tools, missing, err := m.fetchTools(ctx, orgID, agent.Tools)
	if err != nil {
		return nil, err
	}

	result := &Result{Warnings: []string{}}
	if opts.validate() {
		result.Errors = validateAgent(agent, missing)
		if len(result.Errors) > 0 {
			fields := make([]string, len(result.Errors))
			for i, fe := range result.Errors {
				fields[i] = fe.Field
			}
			return result, apperr.Newf(apperr.Validation, "agent %s failed validation", agentID).
				WithFields(fields...).
				WithUserMessage("The agent configuration is invalid.")
		}
	}
	for _, id := range missing {
		result.Warnings = append(result.Warnings, fmt.Sprintf("tool %s not found; deploying without it", id))
	}

	snap := &Snapshot{
		AgentID:        agent.ID,
		OrganizationID: agent.OrganizationID,
		Name:           agent.Name,
		Description:    agent.Description,
		Instructions:   agent.Instructions,
		Model:          agent.Model,
		ToolIDs:        append([]string{}, agent.Tools...),
		Tools:          make([]ToolSnapshot, 0, len(tools)),
		Memory:         agent.Memory,
		Voice:          agent.Voice,
		Status:         agent.Status,
		Metadata:       agent.Metadata,
	}
	for _, t := range tools {
		snap.Tools = append(snap.Tools, ToolSnapshot{ToolDefinition: *t})
	}

	if opts.preResolve() {
		snap.Handles = m.preResolve(snap, &result.Warnings)
	}
	snap.Warnings = result.Warnings

	blob, err := snap.encode()
	if err != nil {
		return nil, apperr.Wrap(apperr.DeploymentSaveError, err, "encoding snapshot")
	}
	at := m.now().UTC()
	version, err := m.snapshots.SaveSnapshot(ctx, orgID, agentID, blob, at)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, apperr.Newf(apperr.AgentNotFound, "agent %s was deleted during deploy", agentID)
		}
		return nil, apperr.Wrap(apperr.DeploymentSaveError, err, "saving snapshot")
	}
	snap.Version = version
	snap.DeployedAt = at

	m.mu.Lock()
	if snap.Handles != nil {
		m.handles[handleKey(orgID, agentID)] = versionedHandles{version: version, handles: snap.Handles}
	} else {
		delete(m.handles, handleKey(orgID, agentID))
	}
	m.mu.Unlock()

	slog.Info("agent deployed",
		"organization_id", orgID,
		"agent_id", agentID,
		"version", version,
		"tools", len(snap.Tools),
		"warnings", len(result.Warnings),
	)

	result.Success = true
	result.Snapshot = snap
	return result, nil
}

// fetchTools loads the referenced tools concurrently, preserving order.
// Missing tools are reported separately; any other store error aborts.
func (m *Manager) fetchTools(ctx context.Context, orgID string, ids []string) ([]*registry.ToolDefinition, []string, error) {
	found := make([]*registry.ToolDefinition, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(toolFetchLimit)
	for i, id := range ids {
		g.Go(func() error {
			t, err := m.defs.GetTool(gctx, orgID, id)
			if errors.Is(err, registry.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("loading tool %s: %w", id, err)
			}
			found[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var tools []*registry.ToolDefinition
	var missing []string
	for i, t := range found {
		if t == nil {
			missing = append(missing, ids[i])
			continue
		}
		tools = append(tools, t)
	}
	return tools, missing, nil
}

func validateAgent(a *registry.AgentDefinition, missingTools []string) []FieldError {
	var errs []FieldError
	if a.Name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "name is required"})
	}
	if a.Instructions == "" {
		errs = append(errs, FieldError{Field: "instructions", Message: "instructions are required"})
	}
	if a.Model == "" {
		errs = append(errs, FieldError{Field: "model", Message: "model is required"})
	}
	for _, id := range missingTools {
		errs = append(errs, FieldError{Field: "tools", Message: fmt.Sprintf("tool %s does not exist", id)})
	}
	return errs
}

// preResolve builds whatever handles it can. Failures are warnings; the
// executor retries resolution from the declarative fields.
func (m *Manager) preResolve(s *Snapshot, warnings *[]string) *Handles {
	h := &Handles{Tools: make(map[string]runtime.Tool)}
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		*warnings = append(*warnings, msg)
		slog.Warn("pre-resolution failed", "agent_id", s.AgentID, "detail", msg)
	}

	if model, err := m.resolver.Model(s.Model); err != nil {
		warn("model %s could not be resolved: %s", s.Model, apperr.SafeMessage(err))
	} else {
		h.Model = model
	}
	if mem, err := m.resolver.Memory(s.OrganizationID, s.AgentID, s.Memory); err != nil {
		warn("memory could not be resolved: %s", apperr.SafeMessage(err))
	} else {
		h.Memory = mem
	}
	if v, err := m.resolver.Voice(s.Voice); err != nil {
		warn("voice could not be resolved: %s", apperr.SafeMessage(err))
	} else {
		h.Voice = v
	}
	for i := range s.Tools {
		def := &s.Tools[i].ToolDefinition
		tool, err := m.resolver.Tool(def)
		if err != nil {
			warn("tool %s could not be resolved: %s", def.ID, apperr.SafeMessage(err))
			continue
		}
		s.Tools[i].Handle = tool
		h.Tools[def.ID] = tool
	}
	return h
}

// Undeploy clears an agent's snapshot. It reports false when nothing was
// deployed.
func (m *Manager) Undeploy(ctx context.Context, orgID, agentID string) (bool, error) {
	cleared, err := m.snapshots.ClearSnapshot(ctx, orgID, agentID)
	if err != nil {
		return false, fmt.Errorf("clearing snapshot for agent %s: %w", agentID, err)
	}
	m.mu.Lock()
	delete(m.handles, handleKey(orgID, agentID))
	m.mu.Unlock()
	if cleared {
		slog.Info("agent undeployed", "organization_id", orgID, "agent_id", agentID)
	}
	return cleared, nil
}

// Load reads the deployed snapshot of an agent with a single store read and
// attaches cached handles for the same version. It fails with
// AGENT_NOT_DEPLOYED when there is no active deployment.
func (m *Manager) Load(ctx context.Context, orgID, agentID string) (*Snapshot, error) {
	rec, err := m.snapshots.LoadSnapshot(ctx, orgID, agentID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, apperr.Newf(apperr.AgentNotDeployed, "agent %s is not deployed", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot for agent %s: %w", agentID, err)
	}
	if !rec.IsDeployed {
		return nil, apperr.Newf(apperr.AgentNotDeployed, "agent %s is not deployed", agentID)
	}
	snap, err := decodeSnapshot(rec)
	if err != nil {
		return nil, err
	}
	if snap.Status == registry.StatusInactive {
		return nil, apperr.Newf(apperr.AgentNotDeployed, "agent %s is inactive", agentID)
	}
	m.attach(snap)
	return snap, nil
}

func (m *Manager) attach(s *Snapshot) {
	m.mu.RLock()
	vh, ok := m.handles[handleKey(s.OrganizationID, s.AgentID)]
	m.mu.RUnlock()
	if !ok || vh.version != s.Version {
		return
	}
	s.Handles = vh.handles
	for i := range s.Tools {
		s.Tools[i].Handle = vh.handles.Tools[s.Tools[i].ID]
	}
}

// GetDeployedState reports whether an agent is deployed and what was
// pre-resolved for it.
func (m *Manager) GetDeployedState(ctx context.Context, orgID, agentID string) (*State, error) {
	st := &State{AgentID: agentID}
	rec, err := m.snapshots.LoadSnapshot(ctx, orgID, agentID)
	if errors.Is(err, registry.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot for agent %s: %w", agentID, err)
	}
	st.Version = rec.Version
	if !rec.IsDeployed {
		return st, nil
	}
	snap, err := decodeSnapshot(rec)
	if err != nil {
		return nil, err
	}
	m.attach(snap)

	st.IsDeployed = true
	st.DeployedAt = rec.DeployedAt
	st.ToolCount = len(snap.Tools)
	if h := snap.Handles; h != nil {
		st.HasPreResolvedModel = h.Model != nil
		st.HasPreResolvedTools = h.HasTools()
		st.HasPreResolvedMemory = h.Memory != nil
		st.HasPreResolvedVoice = h.Voice != nil
	}
	return st, nil
}

// ListDeployed lists deployed agents that still exist and are not inactive.
func (m *Manager) ListDeployed(ctx context.Context, orgID string) ([]Summary, error) {
	recs, err := m.snapshots.ListSnapshots(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	out := make([]Summary, 0, len(recs))
	for _, rec := range recs {
		snap, err := decodeSnapshot(rec)
		if err != nil {
			slog.Error("skipping unreadable snapshot", "agent_id", rec.AgentID, "error", err)
			continue
		}
		out = append(out, Summary{
			AgentID:    rec.AgentID,
			Name:       snap.Name,
			Model:      snap.Model,
			ToolCount:  len(snap.Tools),
			Version:    rec.Version,
			DeployedAt: rec.DeployedAt,
		})
	}
	return out, nil
}
