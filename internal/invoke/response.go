package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/alecgard/agentdeck/internal/apperr"
)

// errorSnippetSize bounds how much of an error response body is kept in the
// diagnostic message.
const errorSnippetSize = 512

// Envelope wraps responses whose content type is neither JSON nor text.
type Envelope struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// parseResponse decodes a successful response by content type.
func parseResponse(resp *http.Response, maxSize int64, secrets []string) (any, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.Network, err, "reading tool response")
	}
	if int64(len(data)) > maxSize {
		return nil, apperr.Newf(apperr.Client, "tool response exceeds %d bytes", maxSize).
			WithUserMessage("The tool response was too large.")
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, nil
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, apperr.Wrap(apperr.Server, err, "decoding tool response").
				WithUserMessage("The tool returned a malformed response.")
		}
		return v, nil
	case strings.HasPrefix(mediaType, "text/"):
		return string(data), nil
	default:
		return &Envelope{
			Status:  resp.StatusCode,
			Headers: SanitizeHeaders(resp.Header, secrets...),
			Body:    string(data),
		}, nil
	}
}

// statusError classifies an error response. target must already be redacted.
func statusError(resp *http.Response, target string, secrets []string) error {
	kind := apperr.ForStatus(resp.StatusCode)
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetSize))

	slog.Warn("tool returned error status",
		"status", resp.StatusCode,
		"kind", kind,
		"url", target,
		"headers", SanitizeHeaders(resp.Header, secrets...),
	)
	return apperr.Newf(kind, "tool returned HTTP %d from %s: %s",
		resp.StatusCode, target, strings.TrimSpace(string(snippet)))
}

// classifyTransportError categorizes an HTTP client error that occurred
// before any response was received.
func classifyTransportError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	return "other"
}
