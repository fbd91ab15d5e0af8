// SPDX-License-Identifier: Apache-2.0

// Package template renders action arguments, targets and file content.
package template

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
)

var funcs = template.FuncMap{
	"default": func(def, v interface{}) interface{} {
		if v == nil || v == "" {
			return def
		}
		return v
	},
	"join": func(sep string, items []interface{}) string {
		parts := make([]string, 0, len(items))
		for _, item := range items {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, sep)
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"quote": func(v interface{}) string { return fmt.Sprintf("%q", fmt.Sprint(v)) },
}

// ProcessFile renders the template file at filePath.
func ProcessFile(filePath string, params map[string]interface{}) ([]byte, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("template file does not exist: %s", filePath)
		}
		return nil, fmt.Errorf("error reading template file: %w", err)
	}
	return ProcessString(string(content), params)
}

// ProcessString renders text. Missing keys are errors.
func ProcessString(text string, params map[string]interface{}) ([]byte, error) {
	if !strings.Contains(text, "{{") {
		return []byte(text), nil
	}

	tmpl, err := template.New("template").Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("error parsing template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return nil, fmt.Errorf("error executing template: %w", err)
	}
	return buf.Bytes(), nil
}

// ProcessStrings renders each element of texts.
func ProcessStrings(texts []string, params map[string]interface{}) ([]string, error) {
	out := make([]string, 0, len(texts))
	for i, text := range texts {
		rendered, err := ProcessString(text, params)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, string(rendered))
	}
	return out, nil
}
