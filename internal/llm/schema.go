package llm

import (
	"strings"

	"google.golang.org/genai"
)

// normalizeSchemaTypes deep-copies the schema and lower-cases JSON-schema
// "type" fields recursively, for providers whose APIs expect lowercase type
// enums ("STRING" -> "string"). The input map is never mutated.
func normalizeSchemaTypes(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	return lowercaseTypesRecursive(deepCopyMap(schema))
}

func lowercaseTypesRecursive(schema map[string]any) map[string]any {
	if t, ok := schema["type"].(string); ok {
		schema["type"] = strings.ToLower(t)
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		for key, val := range props {
			if propSchema, ok := val.(map[string]any); ok {
				props[key] = lowercaseTypesRecursive(propSchema)
			}
		}
	}

	if items, ok := schema["items"].(map[string]any); ok {
		schema["items"] = lowercaseTypesRecursive(items)
	}

	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if arr, ok := schema[key].([]any); ok {
			for i, item := range arr {
				if itemSchema, ok := item.(map[string]any); ok {
					arr[i] = lowercaseTypesRecursive(itemSchema)
				}
			}
		}
	}

	return schema
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			result[k] = deepCopyMap(val)
		case []any:
			result[k] = deepCopySlice(val)
		default:
			result[k] = v
		}
	}
	return result
}

func deepCopySlice(s []any) []any {
	if s == nil {
		return nil
	}
	result := make([]any, len(s))
	for i, v := range s {
		switch val := v.(type) {
		case map[string]any:
			result[i] = deepCopyMap(val)
		case []any:
			result[i] = deepCopySlice(val)
		default:
			result[i] = v
		}
	}
	return result
}

// schemaToGenai converts a JSON-schema map into the genai SDK schema type.
func schemaToGenai(schema map[string]any) *genai.Schema {
	if schema == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}

	genSchema := &genai.Schema{
		Type:        genaiTypeFromValue(schema),
		Description: stringField(schema, "description"),
		Required:    requiredFields(schema),
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		genSchema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				genSchema.Properties[name] = schemaToGenai(propMap)
			}
		}
	}

	if items, ok := schema["items"].(map[string]any); ok {
		genSchema.Items = schemaToGenai(items)
	}

	return genSchema
}

func genaiTypeFromValue(schema map[string]any) genai.Type {
	t, _ := schema["type"].(string)
	switch strings.ToLower(t) {
	case "string":
		return genai.TypeString
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	}
	return genai.TypeString
}

func requiredFields(schema map[string]any) []string {
	if required, ok := schema["required"].([]string); ok {
		return required
	}
	if required, ok := schema["required"].([]any); ok {
		result := make([]string, 0, len(required))
		for _, r := range required {
			if s, ok := r.(string); ok {
				result = append(result, s)
			}
		}
		return result
	}
	return nil
}

func stringField(schema map[string]any, key string) string {
	if v, ok := schema[key].(string); ok {
		return v
	}
	return ""
}
