// SPDX-License-Identifier: Apache-2.0

package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kusari-oss/remedy/internal/core/schema"
)

var restartSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"service", "replicas"},
	"properties": map[string]interface{}{
		"service":  map[string]interface{}{"type": "string"},
		"replicas": map[string]interface{}{"type": "integer", "minimum": 1},
		"force":    map[string]interface{}{"type": "boolean"},
		"hosts":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
	},
}

func TestValidateParams(t *testing.T) {
	tests := []struct {
		name       string
		params     map[string]interface{}
		shouldPass bool
	}{
		{
			name:       "valid parameters",
			params:     map[string]interface{}{"service": "checkout", "replicas": 2},
			shouldPass: true,
		},
		{
			name:       "missing required parameter",
			params:     map[string]interface{}{"service": "checkout"},
			shouldPass: false,
		},
		{
			name:       "wrong type",
			params:     map[string]interface{}{"service": "checkout", "replicas": "two"},
			shouldPass: false,
		},
		{
			name:       "below minimum",
			params:     map[string]interface{}{"service": "checkout", "replicas": 0},
			shouldPass: false,
		},
		{
			name:       "array items",
			params:     map[string]interface{}{"service": "checkout", "replicas": 1, "hosts": []interface{}{"a", 1}},
			shouldPass: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.ValidateParams(restartSchema, tt.params)
			if tt.shouldPass {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, "parameter validation failed")
			}
		})
	}
}

func TestValidateReturnsMessages(t *testing.T) {
	msgs, err := schema.Validate(restartSchema, map[string]interface{}{})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	_, err = schema.ValidateJSON([]byte(`{"type": 12}`), []byte(`{}`))
	assert.Error(t, err, "malformed schemas are reported as errors")
}

func TestMergeWithDefaults(t *testing.T) {
	merged := schema.MergeWithDefaults(
		map[string]interface{}{"replicas": 5},
		map[string]interface{}{"replicas": 1, "force": false},
	)
	assert.Equal(t, map[string]interface{}{"replicas": 5, "force": false}, merged)
}

func TestCoerceParams(t *testing.T) {
	params := map[string]interface{}{
		"service":  "checkout",
		"replicas": "3",
		"force":    "true",
		"hosts":    `["a","b"]`,
		"extra":    "7",
	}

	coerced := schema.CoerceParams(params, restartSchema)
	assert.Equal(t, "checkout", coerced["service"])
	assert.Equal(t, int64(3), coerced["replicas"])
	assert.Equal(t, true, coerced["force"])
	assert.Equal(t, []interface{}{"a", "b"}, coerced["hosts"])
	assert.Equal(t, "7", coerced["extra"], "properties without a schema are untouched")
	assert.NoError(t, schema.ValidateParams(restartSchema, coerced))

	bad := schema.CoerceParams(map[string]interface{}{"replicas": "lots"}, restartSchema)
	assert.Equal(t, "lots", bad["replicas"])
}
