package registry

import (
	"fmt"
	"net/url"
	"regexp"
)

// pathParamPattern matches placeholders like {field_name} in endpoint templates.
var pathParamPattern = regexp.MustCompile(`\{([a-zA-Z0-9_.-]{1,64})\}`)

// ExpandPath replaces every {field} placeholder in endpoint with the
// path-escaped value of input[field]. It returns the expanded endpoint and
// the input keys it consumed, in order of first appearance. A placeholder
// with no matching input key is an error.
func ExpandPath(endpoint string, input map[string]any) (string, []string, error) {
	var missing string
	seen := map[string]bool{}
	var consumed []string
	result := pathParamPattern.ReplaceAllStringFunc(endpoint, func(match string) string {
		name := match[1 : len(match)-1]
		val, ok := input[name]
		if !ok || val == nil {
			if missing == "" {
				missing = name
			}
			return match
		}
		if !seen[name] {
			seen[name] = true
			consumed = append(consumed, name)
		}
		return url.PathEscape(fmt.Sprint(val))
	})
	if missing != "" {
		return "", nil, fmt.Errorf("path parameter %q is not present in input", missing)
	}
	return result, consumed, nil
}

// PathParams returns the unique placeholder names found in an endpoint template.
func PathParams(endpoint string) []string {
	matches := pathParamPattern.FindAllStringSubmatch(endpoint, -1)
	seen := map[string]bool{}
	var names []string
	for _, m := range matches {
		name := m[1]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// stripPathParams replaces placeholders with a fixed token so a template can
// be checked as a URL.
func stripPathParams(endpoint string) string {
	return pathParamPattern.ReplaceAllString(endpoint, "x")
}
