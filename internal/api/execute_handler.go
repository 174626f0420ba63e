package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/agentdeck/internal/auth"
	"github.com/alecgard/agentdeck/internal/execute"
)

// Executor runs deployed agents.
type Executor interface {
	Execute(ctx context.Context, agentID string, caller execute.Caller, req *execute.Request) (*execute.Result, error)
	Status() execute.Status
}

type executeHandler struct {
	executor Executor
}

func newExecuteHandler(e Executor) *executeHandler {
	return &executeHandler{executor: e}
}

// Execute handles POST /execute/agents/{agentId}.
func (h *executeHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req execute.Request
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	c := auth.CallerFromContext(r.Context())
	if c == nil {
		writeError(w, http.StatusUnauthorized, "authentication_error", "missing caller context")
		return
	}
	caller := execute.Caller{
		OrganizationID: c.OrganizationID,
		CallerID:       c.CallerID,
		Environment:    c.Environment,
		Tier:           c.Tier,
	}

	res, err := h.executor.Execute(r.Context(), chi.URLParam(r, "agentId"), caller, &req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Timings.RateLimitRemaining))
	writeJSON(w, http.StatusOK, res)
}

// Status handles GET /execute/status.
func (h *executeHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.executor.Status())
}
