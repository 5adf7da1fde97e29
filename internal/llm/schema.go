package llm

// StrictSchema normalizes a hand-written JSON Schema object into the
// OpenAI strict structured-output form: every object gets
// additionalProperties=false and a required list covering all of its
// properties, nullable fields expressed as anyOf/oneOf [T, null] are
// collapsed into a bare type array, and any sibling keys next to a $ref
// are dropped (strict mode requires $ref to stand alone). Schemas for
// batch_segment, review_memories, and consolidate_facts are defined once
// and passed through this adapter rather than hand-crafted per call.
func StrictSchema(schema map[string]interface{}) map[string]interface{} {
	return normalize(schema).(map[string]interface{})
}

func normalize(node interface{}) interface{} {
	switch v := node.(type) {
	case map[string]interface{}:
		return normalizeObject(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = normalize(elem)
		}
		return out
	default:
		return v
	}
}

func normalizeObject(m map[string]interface{}) map[string]interface{} {
	if ref, ok := m["$ref"]; ok {
		return map[string]interface{}{"$ref": ref}
	}

	if nullable, ok := collapseNullable(m); ok {
		return normalizeObject(nullable)
	}

	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}

	if out["type"] == "object" {
		if props, ok := out["properties"].(map[string]interface{}); ok {
			required := make([]interface{}, 0, len(props))
			for key := range props {
				required = append(required, key)
			}
			out["required"] = required
		}
		out["additionalProperties"] = false
	}

	return out
}

// collapseNullable detects the "oneOf"/"anyOf": [{T}, {"type": "null"}]
// pattern and rewrites it as T with "null" appended to its type, which is
// the form OpenAI's strict mode accepts for optional fields.
func collapseNullable(m map[string]interface{}) (map[string]interface{}, bool) {
	for _, key := range []string{"oneOf", "anyOf"} {
		variants, ok := m[key].([]interface{})
		if !ok || len(variants) != 2 {
			continue
		}

		var typeVariant map[string]interface{}
		sawNull := false
		for _, v := range variants {
			obj, ok := v.(map[string]interface{})
			if !ok {
				typeVariant = nil
				break
			}
			if obj["type"] == "null" {
				sawNull = true
				continue
			}
			typeVariant = obj
		}

		if sawNull && typeVariant != nil {
			merged := make(map[string]interface{}, len(typeVariant)+1)
			for k, v := range typeVariant {
				merged[k] = v
			}
			switch t := merged["type"].(type) {
			case string:
				merged["type"] = []interface{}{t, "null"}
			case []interface{}:
				merged["type"] = append(append([]interface{}{}, t...), "null")
			}
			return merged, true
		}
	}
	return nil, false
}
