package invoke

import (
	"bytes"
	"encoding/json"
	"text/template"

	"github.com/alecgard/agentdeck/internal/apperr"
	"github.com/alecgard/agentdeck/internal/registry"
)

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

// mapFields renames input keys per the field mapping. Unmapped keys pass
// through unchanged.
func mapFields(t *registry.Transform, input map[string]any) map[string]any {
	if t == nil || len(t.FieldMapping) == 0 {
		return input
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		if target, ok := t.FieldMapping[k]; ok && target != "" {
			out[target] = v
			continue
		}
		out[k] = v
	}
	return out
}

// renderTemplate executes the transform template against input. It returns
// nil when no template is declared.
func renderTemplate(t *registry.Transform, input map[string]any) ([]byte, error) {
	if t == nil || t.Template == "" {
		return nil, nil
	}
	tmpl, err := template.New("body").Funcs(templateFuncs).Option("missingkey=zero").Parse(t.Template)
	if err != nil {
		return nil, apperr.Wrap(apperr.Configuration, err, "parsing body template").WithFields("transform.template")
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, input); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "rendering body template").WithFields("transform.template")
	}
	return buf.Bytes(), nil
}
