package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/agentdeck/internal/apperr"
	"github.com/alecgard/agentdeck/internal/registry"
)

// Definitions is the validated definition CRUD surface.
type Definitions interface {
	CreateAgent(ctx context.Context, orgID string, input registry.CreateAgentInput) (*registry.AgentDefinition, error)
	GetAgent(ctx context.Context, orgID, id string) (*registry.AgentDefinition, error)
	ListAgents(ctx context.Context, orgID string, params registry.ListParams) ([]*registry.AgentDefinition, string, error)
	UpdateAgent(ctx context.Context, orgID, id string, input registry.UpdateAgentInput) (*registry.AgentDefinition, error)
	DeleteAgent(ctx context.Context, orgID, id string) error

	CreateTool(ctx context.Context, orgID string, input registry.CreateToolInput) (*registry.ToolDefinition, error)
	GetTool(ctx context.Context, orgID, id string) (*registry.ToolDefinition, error)
	ListTools(ctx context.Context, orgID string, params registry.ListParams) ([]*registry.ToolDefinition, string, error)
	UpdateTool(ctx context.Context, orgID, id string, input registry.UpdateToolInput) (*registry.ToolDefinition, error)
	DeleteTool(ctx context.Context, orgID, id string) error
}

// agentsHandler groups agent definition HTTP handlers.
type agentsHandler struct {
	defs     Definitions
	deployer Deployer
}

func newAgentsHandler(defs Definitions, deployer Deployer) *agentsHandler {
	return &agentsHandler{defs: defs, deployer: deployer}
}

// CreateAgent handles POST /api/v1/agents.
func (h *agentsHandler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var input registry.CreateAgentInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	a, err := h.defs.CreateAgent(r.Context(), orgID(r), input)
	if err != nil {
		writeAppError(w, r, definitionError(err, "agent"))
		return
	}

	auditLog(r, "create", "agent", a.ID, "name", a.Name)
	writeJSON(w, http.StatusCreated, a)
}

// GetAgent handles GET /api/v1/agents/{id}.
func (h *agentsHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.defs.GetAgent(r.Context(), orgID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, definitionError(err, "agent"))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListAgents handles GET /api/v1/agents.
func (h *agentsHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	params, ok := listParams(w, r)
	if !ok {
		return
	}

	agents, nextCursor, err := h.defs.ListAgents(r.Context(), orgID(r), params)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	resp := map[string]interface{}{
		"agents": agents,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateAgent handles PUT /api/v1/agents/{id}. Changes take effect on the
// next deploy.
func (h *agentsHandler) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var input registry.UpdateAgentInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	a, err := h.defs.UpdateAgent(r.Context(), orgID(r), id, input)
	if err != nil {
		writeAppError(w, r, definitionError(err, "agent"))
		return
	}

	auditLog(r, "update", "agent", id)
	writeJSON(w, http.StatusOK, a)
}

// DeleteAgent handles DELETE /api/v1/agents/{id}. The agent's deployment is
// removed with it.
func (h *agentsHandler) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	org := orgID(r)

	if err := h.defs.DeleteAgent(r.Context(), org, id); err != nil {
		writeAppError(w, r, definitionError(err, "agent"))
		return
	}
	if h.deployer != nil {
		if _, err := h.deployer.Undeploy(r.Context(), org, id); err != nil {
			writeAppError(w, r, err)
			return
		}
	}

	auditLog(r, "delete", "agent", id)
	w.WriteHeader(http.StatusNoContent)
}

// listParams reads cursor, limit and q from the query string.
func listParams(w http.ResponseWriter, r *http.Request) (registry.ListParams, bool) {
	params := registry.ListParams{
		Cursor: r.URL.Query().Get("cursor"),
		Query:  r.URL.Query().Get("q"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			writeAppError(w, r, apperr.New(apperr.Validation, "invalid limit").
				WithUserMessage("limit must be a positive integer"))
			return params, false
		}
		params.Limit = l
	}
	return params, true
}
