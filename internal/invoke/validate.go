package invoke

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/alecgard/agentdeck/internal/apperr"
)

// asObject accepts a decoded JSON object or raw JSON that decodes to one.
// Absent input (nil) is not an object.
func asObject(input any) (map[string]any, bool) {
	switch v := input.(type) {
	case map[string]any:
		if v == nil {
			return map[string]any{}, true
		}
		return v, true
	case json.RawMessage:
		return decodeObject(v)
	case []byte:
		return decodeObject(v)
	default:
		return nil, false
	}
}

func decodeObject(b []byte) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

var printer = message.NewPrinter(language.English)

// schemas holds compiled input schemas keyed by tool scope and schema digest,
// so an updated definition compiles afresh.
type schemas struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemas() *schemas {
	return &schemas{compiled: make(map[string]*jsonschema.Schema)}
}

func (s *schemas) get(scope string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, apperr.Wrap(apperr.Configuration, err, "encoding input schema").WithFields("inputSchema")
	}
	sum := sha256.Sum256(raw)
	key := scope + "\x00" + hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	if sch, ok := s.compiled[key]; ok {
		return sch, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, apperr.Wrap(apperr.Configuration, err, "decoding input schema").WithFields("inputSchema")
	}
	url := "mem://tools/" + hex.EncodeToString(sum[:8]) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, apperr.Wrap(apperr.Configuration, err, "loading input schema").WithFields("inputSchema")
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, apperr.Wrap(apperr.Configuration, err, "compiling input schema").WithFields("inputSchema")
	}
	s.compiled[key] = sch
	return sch, nil
}

// validateInput checks input against the tool's JSON schema.
func (s *schemas) validateInput(scope string, schema map[string]any, input map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	sch, err := s.get(scope, schema)
	if err != nil {
		return err
	}

	// Round-trip so numbers reach the validator in the form it decodes them.
	raw, err := json.Marshal(input)
	if err != nil {
		return apperr.Wrap(apperr.Validation, err, "encoding tool input").
			WithUserMessage("Tool input must be valid JSON.")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return apperr.Wrap(apperr.Validation, err, "decoding tool input").
			WithUserMessage("Tool input must be valid JSON.")
	}

	err = sch.Validate(inst)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return apperr.Wrap(apperr.Validation, err, "validating tool input").
			WithUserMessage("Tool input is invalid.")
	}

	var fields, problems []string
	for _, leaf := range leaves(verr) {
		loc := strings.Join(leaf.InstanceLocation, ".")
		if req, ok := leaf.ErrorKind.(*kind.Required); ok {
			for _, name := range req.Missing {
				field := joinField(loc, name)
				fields = append(fields, field)
				problems = append(problems, field+" is required")
			}
			continue
		}
		msg := leaf.ErrorKind.LocalizedString(printer)
		if loc == "" {
			problems = append(problems, msg)
			continue
		}
		fields = append(fields, loc)
		problems = append(problems, loc+": "+msg)
	}
	if len(problems) == 0 {
		problems = append(problems, verr.Error())
	}
	return apperr.Newf(apperr.Validation, "tool input is invalid: %v", problems).
		WithFields(fields...).
		WithUserMessage(fmt.Sprintf("Tool input is invalid: %s.", problems[0]))
}

// leaves flattens a validation error tree to the errors without causes.
func leaves(e *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(e.Causes) == 0 {
		return []*jsonschema.ValidationError{e}
	}
	var out []*jsonschema.ValidationError
	for _, c := range e.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

func joinField(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}
