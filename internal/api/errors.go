package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alecgard/agentdeck/internal/apperr"
	"github.com/alecgard/agentdeck/internal/registry"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeAppError maps a classified error onto the envelope. The message is
// always the user-safe one; the diagnostic only reaches the log.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
			"kind", kind,
			"error", err,
		)
	}
	writeError(w, status, kind.Code(), apperr.SafeMessage(err))
}

// definitionError classifies errors returned by the registry service.
func definitionError(err error, resource string) error {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		if resource == "tool" {
			return apperr.Wrap(apperr.ToolNotFound, err, "tool not found")
		}
		return apperr.Wrap(apperr.AgentNotFound, err, "agent not found")
	case errors.Is(err, registry.ErrAlreadyExists):
		if resource == "tool" {
			return apperr.Wrap(apperr.ToolAlreadyExists, err, "tool already exists")
		}
		return apperr.Wrap(apperr.AgentAlreadyExists, err, "agent already exists")
	case isValidationError(err):
		return apperr.Wrap(apperr.Validation, err, "invalid "+resource).WithUserMessage(err.Error())
	}
	return err
}

func isValidationError(err error) bool {
	for _, target := range []error{
		registry.ErrIDInvalid,
		registry.ErrNameRequired,
		registry.ErrStatusInvalid,
		registry.ErrEndpointInvalid,
		registry.ErrMethodInvalid,
		registry.ErrBodyFormatInvalid,
		registry.ErrTimeoutInvalid,
		registry.ErrRetriesInvalid,
		registry.ErrCacheTTLInvalid,
		registry.ErrToolsDuplicate,
		registry.ErrAuthVariant,
		registry.ErrAuthTypeInvalid,
		registry.ErrAuthTypeMismatch,
		registry.ErrPlacementInvalid,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit. An empty
// body leaves v untouched.
func readJSON(r *http.Request, v interface{}) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	err := json.NewDecoder(lr).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
