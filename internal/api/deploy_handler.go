package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/agentdeck/internal/apperr"
	"github.com/alecgard/agentdeck/internal/deploy"
)

// Deployer is the deployment surface used by the HTTP layer.
type Deployer interface {
	Deploy(ctx context.Context, orgID, agentID string, opts deploy.Options) (*deploy.Result, error)
	Undeploy(ctx context.Context, orgID, agentID string) (bool, error)
	GetDeployedState(ctx context.Context, orgID, agentID string) (*deploy.State, error)
	ListDeployed(ctx context.Context, orgID string) ([]deploy.Summary, error)
}

// DeployRecorder counts deploy calls by result.
type DeployRecorder interface {
	IncDeployment(result string)
}

type deployHandler struct {
	deployer Deployer
	metrics  DeployRecorder
}

func newDeployHandler(d Deployer, m DeployRecorder) *deployHandler {
	return &deployHandler{deployer: d, metrics: m}
}

type deployResponse struct {
	AgentID    string    `json:"agentId"`
	Version    int       `json:"version"`
	ToolCount  int       `json:"toolCount"`
	DeployedAt time.Time `json:"deployedAt"`
	Warnings   []string  `json:"warnings"`
}

type deployErrorResponse struct {
	Error  errorDetail         `json:"error"`
	Errors []deploy.FieldError `json:"errors"`
}

// Deploy handles POST /deploy/agents/{agentId}.
func (h *deployHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")

	var opts deploy.Options
	if err := readJSON(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	res, err := h.deployer.Deploy(r.Context(), orgID(r), agentID, opts)
	if err != nil {
		h.count("error")
		if apperr.Is(err, apperr.Validation) && res != nil {
			writeJSON(w, http.StatusBadRequest, deployErrorResponse{
				Error: errorDetail{
					Code:    apperr.Validation.Code(),
					Message: apperr.SafeMessage(err),
				},
				Errors: res.Errors,
			})
			return
		}
		writeAppError(w, r, err)
		return
	}
	h.count("success")

	auditLog(r, "deploy", "agent", agentID, "version", res.Snapshot.Version)
	writeJSON(w, http.StatusCreated, deployResponse{
		AgentID:    agentID,
		Version:    res.Snapshot.Version,
		ToolCount:  len(res.Snapshot.Tools),
		DeployedAt: res.Snapshot.DeployedAt,
		Warnings:   res.Warnings,
	})
}

// Undeploy handles DELETE /deploy/agents/{agentId}.
func (h *deployHandler) Undeploy(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")

	cleared, err := h.deployer.Undeploy(r.Context(), orgID(r), agentID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if !cleared {
		writeAppError(w, r, apperr.Newf(apperr.AgentNotDeployed, "agent %s is not deployed", agentID))
		return
	}

	auditLog(r, "undeploy", "agent", agentID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agentId":    agentID,
		"undeployed": true,
	})
}

// ListDeployed handles GET /deploy/agents.
func (h *deployHandler) ListDeployed(w http.ResponseWriter, r *http.Request) {
	agents, err := h.deployer.ListDeployed(r.Context(), orgID(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
	})
}

// Status handles GET /deploy/agents/{agentId}/status.
func (h *deployHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.deployer.GetDeployedState(r.Context(), orgID(r), chi.URLParam(r, "agentId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *deployHandler) count(result string) {
	if h.metrics != nil {
		h.metrics.IncDeployment(result)
	}
}
