package deploy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alecgard/agentdeck/internal/registry"
	"github.com/alecgard/agentdeck/internal/runtime"
)

// Snapshot is the self-contained, serialized form of a deployed agent. It
// embeds every referenced tool definition so execution never has to read
// the definition store.
type Snapshot struct {
	AgentID        string                 `json:"agentId"`
	OrganizationID string                 `json:"organizationId"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description,omitempty"`
	Instructions   string                 `json:"instructions"`
	Model          string                 `json:"model"`
	ToolIDs        []string               `json:"toolIds"`
	Tools          []ToolSnapshot         `json:"tools"`
	Memory         *registry.MemoryConfig `json:"memory,omitempty"`
	Voice          *registry.VoiceConfig  `json:"voice,omitempty"`
	Status         registry.Status        `json:"status"`
	Metadata       map[string]any         `json:"metadata,omitempty"`
	Warnings       []string               `json:"warnings,omitempty"`

	// Version and DeployedAt come from the deployment record and are not part
	// of the persisted blob.
	Version    int       `json:"version,omitempty"`
	DeployedAt time.Time `json:"deployedAt,omitempty"`

	// Handles are pre-resolved runtime objects. They live only in process
	// and are rebuilt from the declarative fields when absent.
	Handles *Handles `json:"-"`
}

// ToolSnapshot is a full tool definition plus its optional pre-resolved
// callable.
type ToolSnapshot struct {
	registry.ToolDefinition
	Handle runtime.Tool `json:"-"`
}

// Handles groups pre-resolved runtime objects for one snapshot version.
type Handles struct {
	Model  runtime.Model
	Memory runtime.Memory
	Voice  runtime.Voice
	Tools  map[string]runtime.Tool
}

// HasTools reports whether any tool callable was pre-resolved.
func (h *Handles) HasTools() bool {
	return h != nil && len(h.Tools) > 0
}

// Tool returns the pre-resolved callable for a tool id, if any.
func (s *Snapshot) Tool(id string) runtime.Tool {
	if s.Handles == nil {
		return nil
	}
	return s.Handles.Tools[id]
}

// encode serializes the snapshot for storage without version metadata or
// handles.
func (s *Snapshot) encode() ([]byte, error) {
	cp := *s
	cp.Version = 0
	cp.DeployedAt = time.Time{}
	b, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return b, nil
}

// decodeSnapshot rebuilds a snapshot from a deployment record.
func decodeSnapshot(rec *registry.DeploymentRecord) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(rec.Snapshot, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot for agent %s: %w", rec.AgentID, err)
	}
	s.Version = rec.Version
	s.DeployedAt = rec.DeployedAt
	return &s, nil
}
