package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/agentdeck/internal/registry"
)

// toolsHandler groups tool definition HTTP handlers. Responses always carry
// the redacted form of the auth descriptor.
type toolsHandler struct {
	defs Definitions
}

func newToolsHandler(defs Definitions) *toolsHandler {
	return &toolsHandler{defs: defs}
}

// CreateTool handles POST /api/v1/tools.
func (h *toolsHandler) CreateTool(w http.ResponseWriter, r *http.Request) {
	var input registry.CreateToolInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	tool, err := h.defs.CreateTool(r.Context(), orgID(r), input)
	if err != nil {
		writeAppError(w, r, definitionError(err, "tool"))
		return
	}

	auditLog(r, "create", "tool", tool.ID, "name", tool.Name)
	writeJSON(w, http.StatusCreated, tool.Redacted())
}

// GetTool handles GET /api/v1/tools/{id}.
func (h *toolsHandler) GetTool(w http.ResponseWriter, r *http.Request) {
	tool, err := h.defs.GetTool(r.Context(), orgID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, definitionError(err, "tool"))
		return
	}
	writeJSON(w, http.StatusOK, tool.Redacted())
}

// ListTools handles GET /api/v1/tools.
func (h *toolsHandler) ListTools(w http.ResponseWriter, r *http.Request) {
	params, ok := listParams(w, r)
	if !ok {
		return
	}

	tools, nextCursor, err := h.defs.ListTools(r.Context(), orgID(r), params)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	views := make([]*registry.ToolDefinition, len(tools))
	for i, t := range tools {
		views[i] = t.Redacted()
	}
	resp := map[string]interface{}{
		"tools": views,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateTool handles PUT /api/v1/tools/{id}.
func (h *toolsHandler) UpdateTool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var input registry.UpdateToolInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	tool, err := h.defs.UpdateTool(r.Context(), orgID(r), id, input)
	if err != nil {
		writeAppError(w, r, definitionError(err, "tool"))
		return
	}

	auditLog(r, "update", "tool", id)
	writeJSON(w, http.StatusOK, tool.Redacted())
}

// DeleteTool handles DELETE /api/v1/tools/{id}. Agents that reference the
// tool keep the reference.
func (h *toolsHandler) DeleteTool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.defs.DeleteTool(r.Context(), orgID(r), id); err != nil {
		writeAppError(w, r, definitionError(err, "tool"))
		return
	}

	auditLog(r, "delete", "tool", id)
	w.WriteHeader(http.StatusNoContent)
}
