// Package apperr defines the error taxonomy shared by deployment, execution
// and tool invocation. Every outward-facing failure carries a Kind, an
// internal diagnostic message and a separate user-safe message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	AgentNotFound       Kind = "AGENT_NOT_FOUND"
	AgentNotDeployed    Kind = "AGENT_NOT_DEPLOYED"
	ToolNotFound        Kind = "TOOL_NOT_FOUND"
	ToolAlreadyExists   Kind = "TOOL_ALREADY_EXISTS"
	AgentAlreadyExists  Kind = "AGENT_ALREADY_EXISTS"
	DeploymentSaveError Kind = "DEPLOYMENT_SAVE_ERROR"
	ExecutionInProgress Kind = "EXECUTION_IN_PROGRESS"
	RateLimitExceeded   Kind = "RATE_LIMIT_EXCEEDED"
	Authentication      Kind = "AUTHENTICATION_ERROR"
	Authorization       Kind = "AUTHORIZATION_ERROR"
	NotFound            Kind = "NOT_FOUND_ERROR"
	Client              Kind = "CLIENT_ERROR"
	UpstreamRateLimit   Kind = "RATE_LIMIT_ERROR"
	Server              Kind = "SERVER_ERROR"
	Timeout             Kind = "TIMEOUT_ERROR"
	Network             Kind = "NETWORK_ERROR"
	Validation          Kind = "VALIDATION_ERROR"
	Configuration       Kind = "CONFIGURATION_ERROR"
	Internal            Kind = "INTERNAL_ERROR"
)

type kindInfo struct {
	status  int
	message string
}

var kinds = map[Kind]kindInfo{
	AgentNotFound:       {http.StatusNotFound, "Agent not found."},
	AgentNotDeployed:    {http.StatusNotFound, "Agent is not deployed."},
	ToolNotFound:        {http.StatusNotFound, "Tool not found."},
	ToolAlreadyExists:   {http.StatusConflict, "A tool with this id already exists."},
	AgentAlreadyExists:  {http.StatusConflict, "An agent with this id already exists."},
	DeploymentSaveError: {http.StatusInternalServerError, "Deployment could not be saved."},
	ExecutionInProgress: {http.StatusConflict, "An identical execution is already in progress."},
	RateLimitExceeded:   {http.StatusTooManyRequests, "Rate limit exceeded. Try again later."},
	Authentication:      {http.StatusBadGateway, "The tool rejected its credentials."},
	Authorization:       {http.StatusBadGateway, "The tool denied access to the requested resource."},
	NotFound:            {http.StatusBadGateway, "The tool could not find the requested resource."},
	Client:              {http.StatusBadGateway, "The tool rejected the request."},
	UpstreamRateLimit:   {http.StatusBadGateway, "The tool is rate limiting requests."},
	Server:              {http.StatusBadGateway, "The tool failed to process the request."},
	Timeout:             {http.StatusGatewayTimeout, "The tool did not respond in time."},
	Network:             {http.StatusBadGateway, "The tool could not be reached."},
	Validation:          {http.StatusBadRequest, "The request is invalid."},
	Configuration:       {http.StatusInternalServerError, "The tool is misconfigured."},
	Internal:            {http.StatusInternalServerError, "An internal error occurred."},
}

// HTTPStatus is the status code used when an error of this kind reaches the
// HTTP surface.
func (k Kind) HTTPStatus() int {
	if info, ok := kinds[k]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Code is the lowercase form used in JSON error envelopes.
func (k Kind) Code() string {
	return strings.ToLower(string(k))
}

// Retryable reports whether a failure of this kind may succeed on a later
// attempt. Timeouts are excluded: the per-attempt timeout owns that decision.
func (k Kind) Retryable() bool {
	switch k {
	case Network, Server, UpstreamRateLimit:
		return true
	}
	return false
}

// Error is a classified failure.
type Error struct {
	Kind        Kind
	Message     string
	UserMessage string
	// Status is the upstream HTTP status for errors derived from a tool response.
	Status   int
	Fields   []string
	Attempts int
	Cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Fields, ", "))
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " (after %d attempts)", e.Attempts)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Safe returns the message that may be shown to callers.
func (e *Error) Safe() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	if info, ok := kinds[e.Kind]; ok {
		return info.message
	}
	return kinds[Internal].message
}

// WithFields records the input fields that triggered the error.
func (e *Error) WithFields(fields ...string) *Error {
	e.Fields = append(e.Fields, fields...)
	return e
}

// WithUserMessage overrides the default user-safe message.
func (e *Error) WithUserMessage(msg string) *Error {
	e.UserMessage = msg
	return e
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// SafeMessage returns the user-safe message for any error.
func SafeMessage(err error) string {
	if e, ok := As(err); ok {
		return e.Safe()
	}
	return kinds[Internal].message
}

// ForStatus maps an upstream HTTP status code to a kind. It returns the
// empty kind for non-error statuses.
func ForStatus(status int) Kind {
	switch {
	case status < 400:
		return ""
	case status == http.StatusUnauthorized:
		return Authentication
	case status == http.StatusForbidden:
		return Authorization
	case status == http.StatusNotFound:
		return NotFound
	case status == http.StatusTooManyRequests:
		return UpstreamRateLimit
	case status >= 500:
		return Server
	default:
		return Client
	}
}
