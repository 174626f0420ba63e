package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alecgard/agentdeck/internal/memory"
	"github.com/alecgard/agentdeck/internal/metering"
	"github.com/alecgard/agentdeck/internal/registry"
	"github.com/alecgard/agentdeck/internal/runtime"
	"github.com/google/uuid"
)

// MemoryStore is an in-process implementation of every store interface,
// used when no database is configured and in tests. Values are deep-copied
// on the way in and out.
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[string]*registry.AgentDefinition
	tools       map[string]*registry.ToolDefinition
	deployments map[string]*registry.DeploymentRecord
	messages    map[memory.Key][]runtime.Message
	executions  []*metering.Execution
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      make(map[string]*registry.AgentDefinition),
		tools:       make(map[string]*registry.ToolDefinition),
		deployments: make(map[string]*registry.DeploymentRecord),
		messages:    make(map[memory.Key][]runtime.Message),
	}
}

func key(orgID, id string) string {
	return orgID + "\x00" + id
}

// clone deep-copies v through its JSON form.
func clone[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("store: cloning %T: %v", v, err))
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic(fmt.Sprintf("store: cloning %T: %v", v, err))
	}
	return out
}

// --- agents ---

// CreateAgent inserts a new agent.
func (m *MemoryStore) CreateAgent(_ context.Context, a *registry.AgentDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(a.OrganizationID, a.ID)
	if _, ok := m.agents[k]; ok {
		return registry.ErrAlreadyExists
	}
	m.agents[k] = clone(a)
	return nil
}

// GetAgent retrieves an agent by id.
func (m *MemoryStore) GetAgent(_ context.Context, orgID, id string) (*registry.AgentDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[key(orgID, id)]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return clone(a), nil
}

// ListAgents returns a page of agents ordered by created_at DESC, id DESC.
func (m *MemoryStore) ListAgents(_ context.Context, orgID string, params registry.ListParams) ([]*registry.AgentDefinition, string, error) {
	m.mu.RLock()
	var all []*registry.AgentDefinition
	for _, a := range m.agents {
		if a.OrganizationID == orgID && matches(params.Query, a.Name, a.Description) {
			all = append(all, clone(a))
		}
	}
	m.mu.RUnlock()

	return paginate(all, params, func(a *registry.AgentDefinition) (time.Time, string) {
		return a.CreatedAt, a.ID
	})
}

// UpdateAgent replaces a stored agent.
func (m *MemoryStore) UpdateAgent(_ context.Context, a *registry.AgentDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(a.OrganizationID, a.ID)
	if _, ok := m.agents[k]; !ok {
		return registry.ErrNotFound
	}
	m.agents[k] = clone(a)
	return nil
}

// DeleteAgent removes an agent by id.
func (m *MemoryStore) DeleteAgent(_ context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(orgID, id)
	if _, ok := m.agents[k]; !ok {
		return registry.ErrNotFound
	}
	delete(m.agents, k)
	return nil
}

// --- tools ---

// CreateTool inserts a new tool.
func (m *MemoryStore) CreateTool(_ context.Context, t *registry.ToolDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(t.OrganizationID, t.ID)
	if _, ok := m.tools[k]; ok {
		return registry.ErrAlreadyExists
	}
	m.tools[k] = clone(t)
	return nil
}

// GetTool retrieves a tool by id.
func (m *MemoryStore) GetTool(_ context.Context, orgID, id string) (*registry.ToolDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tools[key(orgID, id)]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return clone(t), nil
}

// ListTools returns a page of tools ordered by created_at DESC, id DESC.
func (m *MemoryStore) ListTools(_ context.Context, orgID string, params registry.ListParams) ([]*registry.ToolDefinition, string, error) {
	m.mu.RLock()
	var all []*registry.ToolDefinition
	for _, t := range m.tools {
		if t.OrganizationID == orgID && matches(params.Query, t.Name, t.Description) {
			all = append(all, clone(t))
		}
	}
	m.mu.RUnlock()

	return paginate(all, params, func(t *registry.ToolDefinition) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
}

// UpdateTool replaces a stored tool.
func (m *MemoryStore) UpdateTool(_ context.Context, t *registry.ToolDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(t.OrganizationID, t.ID)
	if _, ok := m.tools[k]; !ok {
		return registry.ErrNotFound
	}
	m.tools[k] = clone(t)
	return nil
}

// DeleteTool removes a tool by id.
func (m *MemoryStore) DeleteTool(_ context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(orgID, id)
	if _, ok := m.tools[k]; !ok {
		return registry.ErrNotFound
	}
	delete(m.tools, k)
	return nil
}

func matches(query string, fields ...string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

// paginate sorts items by (created_at, id) descending and applies the
// cursor and limit the same way the SQL queries do.
func paginate[T any](items []*T, params registry.ListParams, keyOf func(*T) (time.Time, string)) ([]*T, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	sort.Slice(items, func(i, j int) bool {
		ti, idi := keyOf(items[i])
		tj, idj := keyOf(items[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return idi > idj
	})

	if params.Cursor != "" {
		cursorTime, cursorID, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		start := len(items)
		for i, it := range items {
			t, id := keyOf(it)
			if t.Before(cursorTime) || (t.Equal(cursorTime) && id < cursorID) {
				start = i
				break
			}
		}
		items = items[start:]
	}

	var nextCursor string
	if len(items) > limit {
		t, id := keyOf(items[limit-1])
		nextCursor = encodeCursor(t, id)
		items = items[:limit]
	}
	return items, nextCursor, nil
}

// --- deployments ---

// SaveSnapshot replaces the deployment record of an agent and bumps its
// version.
func (m *MemoryStore) SaveSnapshot(_ context.Context, orgID, agentID string, blob []byte, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(orgID, agentID)
	if _, ok := m.agents[k]; !ok {
		return 0, registry.ErrNotFound
	}
	rec, ok := m.deployments[k]
	if !ok {
		rec = &registry.DeploymentRecord{OrganizationID: orgID, AgentID: agentID}
		m.deployments[k] = rec
	}
	rec.Snapshot = append([]byte(nil), blob...)
	rec.IsDeployed = true
	rec.DeployedAt = at
	rec.Version++
	return rec.Version, nil
}

// LoadSnapshot returns the deployment record of one agent.
func (m *MemoryStore) LoadSnapshot(_ context.Context, orgID, agentID string) (*registry.DeploymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.deployments[key(orgID, agentID)]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return copyRecord(rec), nil
}

// ClearSnapshot undeploys an agent, keeping its version counter.
func (m *MemoryStore) ClearSnapshot(_ context.Context, orgID, agentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.deployments[key(orgID, agentID)]
	if !ok || !rec.IsDeployed {
		return false, nil
	}
	rec.IsDeployed = false
	rec.Snapshot = nil
	return true, nil
}

// ListSnapshots returns deployed records whose agent still exists and is not
// inactive.
func (m *MemoryStore) ListSnapshots(_ context.Context, orgID string) ([]*registry.DeploymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*registry.DeploymentRecord
	for k, rec := range m.deployments {
		if rec.OrganizationID != orgID || !rec.IsDeployed {
			continue
		}
		a, ok := m.agents[k]
		if !ok || a.Status == registry.StatusInactive {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeployedAt.Equal(out[j].DeployedAt) {
			return out[i].DeployedAt.After(out[j].DeployedAt)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}

func copyRecord(r *registry.DeploymentRecord) *registry.DeploymentRecord {
	cp := *r
	cp.Snapshot = append([]byte(nil), r.Snapshot...)
	return &cp
}

// --- memory ---

// AppendMessages stores messages for a conversation thread.
func (m *MemoryStore) AppendMessages(_ context.Context, k memory.Key, msgs []runtime.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[k] = append(m.messages[k], msgs...)
	return nil
}

// LastMessages returns the newest n messages of a thread, oldest first.
func (m *MemoryStore) LastMessages(_ context.Context, k memory.Key, n int) ([]runtime.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[k]
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]runtime.Message(nil), msgs...), nil
}

// --- executions ---

// BatchInsert appends execution records.
func (m *MemoryStore) BatchInsert(_ context.Context, execs []metering.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range execs {
		e := execs[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		m.executions = append(m.executions, &e)
	}
	return nil
}

// GetSummary aggregates the execution records matching q.
func (m *MemoryStore) GetSummary(_ context.Context, q metering.Query) (*metering.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*metering.Execution
	for _, e := range m.executions {
		if q.Matches(e) {
			matched = append(matched, e)
		}
	}
	return metering.Summarize(matched), nil
}

// ListExecutions returns execution records matching q, newest first.
func (m *MemoryStore) ListExecutions(_ context.Context, q metering.Query) ([]*metering.Execution, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	var matched []*metering.Execution
	for _, e := range m.executions {
		if q.Matches(e) {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})
	if q.Cursor != "" {
		ts, id, err := metering.DecodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		start := len(matched)
		for i, e := range matched {
			if e.Timestamp.Before(ts) || (e.Timestamp.Equal(ts) && e.ID < id) {
				start = i
				break
			}
		}
		matched = matched[start:]
	}
	var next string
	if len(matched) > limit {
		last := matched[limit-1]
		next = metering.EncodeCursor(last.Timestamp, last.ID)
		matched = matched[:limit]
	}
	return matched, next, nil
}
