package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/agentdeck/internal/apperr"
	"github.com/alecgard/agentdeck/internal/metering"
)

// ExecutionReader queries persisted execution records.
type ExecutionReader interface {
	GetSummary(ctx context.Context, q metering.Query) (*metering.Summary, error)
	ListExecutions(ctx context.Context, q metering.Query) ([]*metering.Execution, string, error)
}

// usageHandler serves execution history and aggregates.
type usageHandler struct {
	store ExecutionReader
}

func newUsageHandler(store ExecutionReader) *usageHandler {
	return &usageHandler{store: store}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// buildQuery constructs a metering Query from query params, scoped to the
// request's organization.
func buildQuery(r *http.Request) (metering.Query, error) {
	qs := r.URL.Query()
	q := metering.Query{
		OrganizationID: orgID(r),
		AgentID:        qs.Get("agent_id"),
		CallerID:       qs.Get("caller_id"),
		Cursor:         qs.Get("cursor"),
	}

	var err error
	if q.From, err = parseTimeParam(qs.Get("from")); err != nil {
		return q, apperr.Wrap(apperr.Validation, err, "invalid from").WithUserMessage("from must be a date or RFC3339 timestamp")
	}
	if q.To, err = parseTimeParam(qs.Get("to")); err != nil {
		return q, apperr.Wrap(apperr.Validation, err, "invalid to").WithUserMessage("to must be a date or RFC3339 timestamp")
	}
	if limitStr := qs.Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil || l < 1 {
			return q, apperr.New(apperr.Validation, "invalid limit").WithUserMessage("limit must be a positive integer")
		}
		q.Limit = l
	}
	return q, nil
}

// GetSummary handles GET /api/v1/admin/executions/summary.
func (h *usageHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	q, err := buildQuery(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	summary, err := h.store.GetSummary(r.Context(), q)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListExecutions handles GET /api/v1/admin/executions.
func (h *usageHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	q, err := buildQuery(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	execs, nextCursor, err := h.store.ListExecutions(r.Context(), q)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if execs == nil {
		execs = []*metering.Execution{}
	}

	resp := map[string]interface{}{
		"executions": execs,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}
