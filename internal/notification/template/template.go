// Package template renders notification fields with a minimal, safe
// text-substitution engine: text/template restricted to an allow-listed
// funcmap exposing only the {report.*, task.*, job.*, target_url,
// input_url, report_url} namespace spec.md §4.7 names, with no access to
// arbitrary Go values or code execution. This mirrors the teacher's design
// note about auto-translating a legacy template dialect to a safe one
// (spec.md §9) by keeping the dialect itself deliberately small.
package template

import (
	"bytes"
	"fmt"
	"text/template"
)

// Data is the flattened field set a rendered string may reference.
type Data struct {
	Report    map[string]any
	Task      map[string]any
	Job       map[string]any
	TargetURL string
	InputURL  string
	ReportURL string
}

// funcMap is deliberately tiny: only pure string helpers, nothing that
// touches the filesystem, network, or process environment.
var funcMap = template.FuncMap{
	"default": func(fallback, v string) string {
		if v == "" {
			return fallback
		}
		return v
	},
	"truncate": func(n int, v string) string {
		if len(v) <= n {
			return v
		}
		return v[:n]
	},
}

// Render expands a template string against data. Field lookups use
// text/template's dot syntax, e.g. "{{.Report.crash_type}} in {{.Task.name}}".
func Render(tmpl string, data Data) (string, error) {
	t, err := template.New("notification").Option("missingkey=zero").Funcs(funcMap).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

// RenderFields renders every value in fields, returning the first error
// encountered (with its key) so callers can mark the whole notification
// failed per spec.md §4.7.
func RenderFields(fields map[string]string, data Data) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		rendered, err := Render(v, data)
		if err != nil {
			return nil, fmt.Errorf("render field %q: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}
