package llm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemosyne/nemosyne/internal/llm"
)

func TestStrictSchema_AddsRequiredAndNoAdditionalProperties(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"title":   map[string]interface{}{"type": "string"},
			"summary": map[string]interface{}{"type": "string"},
		},
	}

	out := llm.StrictSchema(schema)

	assert.Equal(t, false, out["additionalProperties"])
	required, ok := out["required"].([]interface{})
	require.True(t, ok)
	assert.ElementsMatch(t, []interface{}{"title", "summary"}, required)
}

func TestStrictSchema_CollapsesNullableAnyOf(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"existing_fact_id": map[string]interface{}{
				"anyOf": []interface{}{
					map[string]interface{}{"type": "string"},
					map[string]interface{}{"type": "null"},
				},
			},
		},
	}

	out := llm.StrictSchema(schema)
	props := out["properties"].(map[string]interface{})
	field := props["existing_fact_id"].(map[string]interface{})

	assert.NotContains(t, field, "anyOf")
	assert.ElementsMatch(t, []interface{}{"string", "null"}, field["type"])
}

func TestStrictSchema_StripsRefSiblings(t *testing.T) {
	schema := map[string]interface{}{
		"$ref":        "#/definitions/Segment",
		"description": "should be dropped",
	}

	out := llm.StrictSchema(schema)

	assert.Equal(t, map[string]interface{}{"$ref": "#/definitions/Segment"}, out)
}

func TestStrictSchema_RecursesIntoNestedObjects(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"segments": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"start_idx": map[string]interface{}{"type": "integer"},
					},
				},
			},
		},
	}

	out := llm.StrictSchema(schema)
	props := out["properties"].(map[string]interface{})
	items := props["segments"].(map[string]interface{})["items"].(map[string]interface{})

	assert.Equal(t, false, items["additionalProperties"])
}
