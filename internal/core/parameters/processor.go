// SPDX-License-Identifier: Apache-2.0

// Package parameters resolves {{.key}} references in action parameters.
package parameters

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Mode selects how unresolved references are handled.
type Mode int

const (
	// Partial leaves unresolved references in place. Used at planning time,
	// when outputs of earlier steps are not known yet.
	Partial Mode = iota
	// Strict fails on any unresolved reference. Used at execution time.
	Strict
)

// ParameterProcessor handles parameter substitution.
type ParameterProcessor struct {
	// paramRegex matches references like {{.name}} or {{.metadata.pod}}
	paramRegex *regexp.Regexp
}

// NewParameterProcessor creates a new parameter processor.
func NewParameterProcessor() *ParameterProcessor {
	return &ParameterProcessor{
		paramRegex: regexp.MustCompile(`\{\{\s*\.([A-Za-z0-9_.\-]+)\s*\}\}`),
	}
}

// Lookup resolves a dotted key against data, descending into nested maps.
func Lookup(data map[string]interface{}, key string) (interface{}, bool) {
	if v, ok := data[key]; ok {
		return v, true
	}
	parts := strings.Split(key, ".")
	var current interface{} = data
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// SubstituteValue resolves references inside a single string. A string that
// is exactly one reference takes the referenced value with its type intact.
func (p *ParameterProcessor) SubstituteValue(s string, data map[string]interface{}, mode Mode) (interface{}, error) {
	if m := p.paramRegex.FindStringSubmatch(s); m != nil && m[0] == strings.TrimSpace(s) {
		if v, ok := Lookup(data, m[1]); ok {
			return v, nil
		}
		if mode == Strict {
			return nil, fmt.Errorf("missing value for parameter %q", m[1])
		}
		return s, nil
	}
	return p.SubstituteString(s, data, mode)
}

// SubstituteString replaces references in s with their string form.
func (p *ParameterProcessor) SubstituteString(s string, data map[string]interface{}, mode Mode) (string, error) {
	var missing []string
	result := p.paramRegex.ReplaceAllStringFunc(s, func(match string) string {
		key := p.paramRegex.FindStringSubmatch(match)[1]
		value, found := Lookup(data, key)
		if !found {
			missing = append(missing, key)
			return match
		}
		switch v := value.(type) {
		case []interface{}, map[string]interface{}:
			b, err := json.Marshal(v)
			if err != nil {
				return match
			}
			return string(b)
		default:
			return fmt.Sprintf("%v", value)
		}
	})

	if mode == Strict && len(missing) > 0 {
		return result, fmt.Errorf("missing values for parameters: %s", strings.Join(missing, ", "))
	}
	return result, nil
}

// ProcessMap substitutes references in every string of params, descending
// into nested lists and maps. The input is not modified.
func (p *ParameterProcessor) ProcessMap(params, data map[string]interface{}, mode Mode) (map[string]interface{}, error) {
	result := make(map[string]interface{}, len(params))
	for key, value := range params {
		processed, err := p.processValue(value, data, mode)
		if err != nil {
			return nil, fmt.Errorf("error processing parameter %s: %w", key, err)
		}
		result[key] = processed
	}
	return result, nil
}

func (p *ParameterProcessor) processValue(value interface{}, data map[string]interface{}, mode Mode) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return p.SubstituteValue(v, data, mode)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			processed, err := p.processValue(item, data, mode)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out[i] = processed
		}
		return out, nil
	case []string:
		out := make([]interface{}, len(v))
		for i, item := range v {
			processed, err := p.SubstituteValue(item, data, mode)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out[i] = processed
		}
		return out, nil
	case map[string]interface{}:
		return p.ProcessMap(v, data, mode)
	default:
		return value, nil
	}
}

// Unresolved returns the sorted, distinct references still present in params.
func (p *ParameterProcessor) Unresolved(params map[string]interface{}) []string {
	seen := make(map[string]bool)
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case string:
			for _, m := range p.paramRegex.FindAllStringSubmatch(t, -1) {
				seen[m[1]] = true
			}
		case []interface{}:
			for _, item := range t {
				walk(item)
			}
		case []string:
			for _, item := range t {
				walk(item)
			}
		case map[string]interface{}:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(params)

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
