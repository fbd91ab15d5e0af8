// SPDX-License-Identifier: Apache-2.0

// Package schema validates and coerces parameters with JSON schemas.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Validate checks document against schema and returns one message per
// violation. A nil slice means the document is valid.
func Validate(schema map[string]interface{}, document interface{}) ([]string, error) {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("schema validation error: failed to serialize schema: %w", err)
	}
	docBytes, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("schema validation error: failed to serialize document: %w", err)
	}
	return ValidateJSON(schemaBytes, docBytes)
}

// ValidateJSON is Validate for raw JSON inputs.
func ValidateJSON(schema, document []byte) ([]string, error) {
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(document))
	if err != nil {
		return nil, fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return msgs, nil
}

// ValidateParams validates parameters against a JSON schema.
func ValidateParams(schema map[string]interface{}, params map[string]interface{}) error {
	msgs, err := Validate(schema, params)
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		return fmt.Errorf("parameter validation failed:\n- %s", strings.Join(msgs, "\n- "))
	}
	return nil
}

// MergeWithDefaults returns defaults overridden by params.
func MergeWithDefaults(params map[string]interface{}, defaults map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(params)+len(defaults))
	for k, v := range defaults {
		result[k] = v
	}
	for k, v := range params {
		result[k] = v
	}
	return result
}
