package invoke

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"regexp"

	"github.com/alecgard/agentdeck/internal/apperr"
	"github.com/alecgard/agentdeck/internal/registry"
)

// Default content types per body format.
const (
	contentJSON = "application/json"
	contentForm = "application/x-www-form-urlencoded"
	contentText = "text/plain; charset=utf-8"
	contentXML  = "application/xml"
)

// textKeys are the fields checked, in order, for the payload of a text body.
var textKeys = []string{"text", "message", "content", "body", "prompt", "query", "input"}

func defaultContentType(format registry.BodyFormat) string {
	switch format {
	case registry.BodyForm:
		return contentForm
	case registry.BodyText:
		return contentText
	case registry.BodyXML:
		return contentXML
	default:
		return contentJSON
	}
}

// encodeBody serializes input according to format and returns the body and
// its default content type.
func encodeBody(format registry.BodyFormat, input map[string]any) ([]byte, string, error) {
	switch format {
	case registry.BodyForm:
		return []byte(flattenForm(input).Encode()), contentForm, nil
	case registry.BodyText:
		if s, ok := textPayload(input); ok {
			return []byte(s), contentText, nil
		}
		b, err := json.Marshal(input)
		if err != nil {
			return nil, "", apperr.Wrap(apperr.Validation, err, "encoding text body")
		}
		return b, contentText, nil
	case registry.BodyXML:
		b, err := encodeXML(input)
		if err != nil {
			return nil, "", apperr.Wrap(apperr.Validation, err, "encoding xml body")
		}
		return b, contentXML, nil
	case registry.BodyJSON, "":
		b, err := json.Marshal(input)
		if err != nil {
			return nil, "", apperr.Wrap(apperr.Validation, err, "encoding json body")
		}
		return b, contentJSON, nil
	default:
		return nil, "", apperr.Newf(apperr.Configuration, "unknown body format %q", format).WithFields("bodyFormat")
	}
}

// flattenForm converts nested objects and arrays into key[sub] and
// key[index] pairs.
func flattenForm(input map[string]any) url.Values {
	vals := url.Values{}
	for _, k := range sortedKeys(input) {
		flattenValue(vals, k, input[k])
	}
	return vals
}

func flattenValue(vals url.Values, prefix string, v any) {
	switch x := v.(type) {
	case nil:
		vals.Add(prefix, "")
	case map[string]any:
		for _, k := range sortedKeys(x) {
			flattenValue(vals, prefix+"["+k+"]", x[k])
		}
	case []any:
		for i, item := range x {
			flattenValue(vals, fmt.Sprintf("%s[%d]", prefix, i), item)
		}
	default:
		vals.Add(prefix, queryValue(x))
	}
}

// textPayload picks the first string field by convention, then the first
// string field in key order.
func textPayload(input map[string]any) (string, bool) {
	for _, k := range textKeys {
		if s, ok := input[k].(string); ok {
			return s, true
		}
	}
	for _, k := range sortedKeys(input) {
		if s, ok := input[k].(string); ok {
			return s, true
		}
	}
	return "", false
}

var xmlNameInvalid = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// xmlName coerces a field name into a valid element name.
func xmlName(k string) string {
	n := xmlNameInvalid.ReplaceAllString(k, "_")
	if n == "" || !(n[0] == '_' || (n[0] >= 'A' && n[0] <= 'Z') || (n[0] >= 'a' && n[0] <= 'z')) {
		n = "_" + n
	}
	return n
}

// encodeXML writes one element per top-level field under a <request> root.
// Structured values are embedded as escaped JSON text.
func encodeXML(input map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<request>")
	for _, k := range sortedKeys(input) {
		name := xmlName(k)
		var text string
		switch v := input[k].(type) {
		case nil:
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			text = string(b)
		default:
			text = queryValue(v)
		}
		buf.WriteString("<" + name + ">")
		if err := xml.EscapeText(&buf, []byte(text)); err != nil {
			return nil, err
		}
		buf.WriteString("</" + name + ">")
	}
	buf.WriteString("</request>")
	return buf.Bytes(), nil
}
