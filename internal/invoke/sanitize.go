package invoke

import (
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Redacted replaces sensitive values in URLs, headers and log attributes.
const Redacted = "[REDACTED]"

var sensitiveName = regexp.MustCompile(`(?i)(password|passwd|token|secret|key|authorization|credential|bearer|signature|session|cookie|private|auth)`)

// IsSensitive reports whether a header, query parameter or field name
// usually carries a credential.
func IsSensitive(name string) bool {
	return sensitiveName.MatchString(name)
}

// RedactURL masks userinfo and the values of sensitive query parameters.
// Names listed in extra are masked regardless of their spelling.
func RedactURL(raw string, extra ...string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	if u.User != nil {
		u.User = url.User(Redacted)
	}
	if u.RawQuery == "" {
		return u.String()
	}

	forced := make(map[string]bool, len(extra))
	for _, n := range extra {
		forced[strings.ToLower(n)] = true
	}
	q := u.Query()
	for name, vals := range q {
		if forced[strings.ToLower(name)] || IsSensitive(name) {
			for i := range vals {
				vals[i] = Redacted
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// SanitizeHeaders flattens h into a map with sensitive values masked.
func SanitizeHeaders(h http.Header, extra ...string) map[string]string {
	forced := make(map[string]bool, len(extra))
	for _, n := range extra {
		forced[http.CanonicalHeaderKey(n)] = true
	}
	out := make(map[string]string, len(h))
	for name, vals := range h {
		if forced[http.CanonicalHeaderKey(name)] || IsSensitive(name) {
			out[name] = Redacted
			continue
		}
		out[name] = strings.Join(vals, ", ")
	}
	return out
}

// RedactFields returns a copy of m with sensitive keys masked, recursing
// into nested objects.
func RedactFields(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitive(k) {
			out[k] = Redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = RedactFields(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// sortedKeys returns the keys of m in lexical order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
