// Package schema turns a JSON Schema input_schema into a TypeScript
// parameter shape, and validates that a schema is well-formed enough to
// trust. Adapted from the teacher's internal/schema/transform.go (draft
// normalization) and internal/validation/schema.go (structural
// validation), both of which lean on google/jsonschema-go; here they are
// generalized from "validate a saved Starlark tool's params" to "validate
// and describe an upstream MCP tool's input schema."
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Validate checks that raw is a well-formed JSON Schema object, the way
// the teacher's ValidateParams resolves a schema before trusting it.
// A nil or empty schema is accepted — an upstream tool may declare no
// parameters at all.
func Validate(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}

	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("invalid JSON schema: %w", err)
	}
	if _, err := s.Resolve(nil); err != nil {
		return fmt.Errorf("failed to resolve JSON schema: %w", err)
	}
	return nil
}

// ToTypeScriptParams converts a tool's input_schema into the parameter
// shape used inside `declare const server: { tool(params: {...}) }`.
// Mirrors _examples/original_source/src/catalog.rs::schema_to_ts_params.
func ToTypeScriptParams(raw json.RawMessage) string {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	return paramsFromObject(obj)
}

func paramsFromObject(obj map[string]any) string {
	props, _ := obj["properties"].(map[string]any)
	if len(props) == 0 {
		return ""
	}

	required := map[string]bool{}
	if reqList, ok := obj["required"].([]any); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		propSchema, _ := props[name].(map[string]any)
		tsType := jsonTypeToTS(propSchema)
		optional := "?"
		if required[name] {
			optional = ""
		}
		parts = append(parts, fmt.Sprintf("%s%s: %s", jsPropertyName(name), optional, tsType))
	}

	return strings.Join(parts, "; ")
}

// jsonTypeToTS maps a single JSON Schema fragment to a TypeScript type
// string, per spec.md §4.3's mapping table.
func jsonTypeToTS(propSchema map[string]any) string {
	if propSchema == nil {
		return "any"
	}

	if enumVals, ok := propSchema["enum"].([]any); ok && len(enumVals) > 0 {
		literals := make([]string, 0, len(enumVals))
		for _, v := range enumVals {
			switch val := v.(type) {
			case string:
				literals = append(literals, fmt.Sprintf("%q", val))
			default:
				b, _ := json.Marshal(val)
				literals = append(literals, string(b))
			}
		}
		return strings.Join(literals, " | ")
	}

	typeStr, _ := propSchema["type"].(string)
	switch typeStr {
	case "string":
		return "string"
	case "number", "integer":
		return "number"
	case "boolean":
		return "boolean"
	case "null":
		return "null"
	case "array":
		items, _ := propSchema["items"].(map[string]any)
		return jsonTypeToTS(items) + "[]"
	case "object":
		props, _ := propSchema["properties"].(map[string]any)
		if len(props) == 0 {
			return "Record<string, any>"
		}
		return "{ " + paramsFromObject(propSchema) + " }"
	default:
		return "any"
	}
}

func jsPropertyName(name string) string {
	if isValidJSIdent(name) {
		return name
	}
	return fmt.Sprintf("%q", name)
}

func isValidJSIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		alpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || r == '$'
		digit := r >= '0' && r <= '9'
		if i == 0 && !alpha {
			return false
		}
		if i > 0 && !alpha && !digit {
			return false
		}
	}
	return true
}
