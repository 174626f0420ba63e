package invoke

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/alecgard/agentdeck/internal/apperr"
	"github.com/alecgard/agentdeck/internal/registry"
)

// buildURL expands path placeholders from input and, for GET requests,
// appends the remaining input fields as query parameters. It returns the
// fields not consumed by the URL so the body encoder can use them.
func buildURL(tool *registry.ToolDefinition, method string, input map[string]any) (*url.URL, map[string]any, error) {
	if tool.Endpoint == "" {
		return nil, nil, apperr.New(apperr.Configuration, "tool has no endpoint").WithFields("endpoint")
	}
	expanded, consumed, err := registry.ExpandPath(tool.Endpoint, input)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Validation, err, "expanding endpoint").
			WithUserMessage("A required path parameter is missing from the tool input.")
	}
	u, err := url.Parse(expanded)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Configuration, err, "parsing endpoint").WithFields("endpoint")
	}

	rest := make(map[string]any, len(input))
	for k, v := range input {
		rest[k] = v
	}
	for _, k := range consumed {
		delete(rest, k)
	}

	if method == http.MethodGet && len(rest) > 0 {
		q := u.Query()
		for _, k := range sortedKeys(rest) {
			if rest[k] == nil {
				continue
			}
			q.Set(k, queryValue(rest[k]))
		}
		u.RawQuery = q.Encode()
		rest = map[string]any{}
	}
	return u, rest, nil
}

// queryValue renders a scalar as text and anything structured as JSON.
func queryValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int, int32, int64, float32, json.Number:
		return fmt.Sprint(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
