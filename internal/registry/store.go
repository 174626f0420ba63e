package registry

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store persists agent and tool definitions. Every lookup is scoped to an
// organization; ids are unique per organization.
type Store interface {
	CreateAgent(ctx context.Context, a *AgentDefinition) error
	GetAgent(ctx context.Context, orgID, id string) (*AgentDefinition, error)
	ListAgents(ctx context.Context, orgID string, params ListParams) ([]*AgentDefinition, string, error)
	UpdateAgent(ctx context.Context, a *AgentDefinition) error
	DeleteAgent(ctx context.Context, orgID, id string) error

	CreateTool(ctx context.Context, t *ToolDefinition) error
	GetTool(ctx context.Context, orgID, id string) (*ToolDefinition, error)
	ListTools(ctx context.Context, orgID string, params ListParams) ([]*ToolDefinition, string, error)
	UpdateTool(ctx context.Context, t *ToolDefinition) error
	DeleteTool(ctx context.Context, orgID, id string) error
}

// SnapshotStore persists one deployment record per agent.
type SnapshotStore interface {
	// SaveSnapshot atomically replaces the snapshot, marks it deployed and
	// increments the version. It returns the new version.
	SaveSnapshot(ctx context.Context, orgID, agentID string, blob []byte, at time.Time) (int, error)
	// LoadSnapshot returns the record for agentID or ErrNotFound. An
	// undeployed record is returned with IsDeployed false and no blob.
	LoadSnapshot(ctx context.Context, orgID, agentID string) (*DeploymentRecord, error)
	// ClearSnapshot undeploys agentID. It reports whether a deployed
	// snapshot existed.
	ClearSnapshot(ctx context.Context, orgID, agentID string) (bool, error)
	// ListSnapshots returns the deployed records of an organization.
	ListSnapshots(ctx context.Context, orgID string) ([]*DeploymentRecord, error)
}
