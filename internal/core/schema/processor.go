// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"strconv"
	"strings"
)

// CoerceParams converts string values to the types declared by the schema's
// properties. Substituted references always produce strings, so "3" becomes
// 3 for a number property, "true" becomes true for a boolean and a JSON
// array literal becomes a list. Values that do not convert are left as is
// for the validator to report.
func CoerceParams(params map[string]interface{}, schema map[string]interface{}) map[string]interface{} {
	properties, _ := schema["properties"].(map[string]interface{})
	result := make(map[string]interface{}, len(params))
	for key, value := range params {
		result[key] = value
		prop, ok := properties[key].(map[string]interface{})
		if !ok {
			continue
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		if converted, ok := coerce(s, prop["type"]); ok {
			result[key] = converted
		}
	}
	return result
}

func coerce(s string, typ interface{}) (interface{}, bool) {
	s = strings.TrimSpace(s)
	switch typ {
	case "number":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
	case "integer":
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
	case "boolean":
		if b, err := strconv.ParseBool(s); err == nil {
			return b, true
		}
	case "array":
		if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
			var arr []interface{}
			if err := json.Unmarshal([]byte(s), &arr); err == nil {
				return arr, true
			}
		}
	case "object":
		if strings.HasPrefix(s, "{") {
			var obj map[string]interface{}
			if err := json.Unmarshal([]byte(s), &obj); err == nil {
				return obj, true
			}
		}
	}
	return nil, false
}
