// Package util holds the JSON-schema subset shared by the capability
// registry and the policy adapters: enough of a schema to describe flat
// argument objects, validate inputs before dispatch and derive schemas from
// Go structs.
package util

import (
	"fmt"
	"reflect"
	"strings"
)

// ValidationError describes a single argument that failed schema validation.
// It is raised before the bound handler runs, so a validation failure never
// has side effects.
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// CheckSchema verifies that a schema map is well formed: an object type with
// a properties map, every required entry a string naming a declared property.
// Registration rejects malformed schemas up front so Invoke can trust them.
func CheckSchema(schema map[string]any) error {
	if schema == nil {
		return fmt.Errorf("schema is nil")
	}
	if typ, _ := schema["type"].(string); typ != "object" {
		return fmt.Errorf("schema type must be \"object\", got %v", schema["type"])
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return fmt.Errorf("schema properties must be a map")
	}
	for name, prop := range props {
		if _, ok := prop.(map[string]any); !ok {
			return fmt.Errorf("property %q must be a map", name)
		}
	}
	required, present := schema["required"]
	if !present {
		return nil
	}
	names, err := requiredNames(required)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, ok := props[name]; !ok {
			return fmt.Errorf("required field %q is not a declared property", name)
		}
	}
	return nil
}

// ValidateParameters checks args against the schema: required fields present,
// declared fields type-correct. Extra fields are allowed.
func ValidateParameters(args map[string]any, schema map[string]any) error {
	names, err := requiredNames(schema["required"])
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, exists := args[name]; !exists {
			return &ValidationError{Field: name, Message: "required field is missing"}
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	for field, value := range args {
		propSchema, exists := properties[field]
		if !exists {
			continue
		}
		propMap, ok := propSchema.(map[string]any)
		if !ok {
			continue
		}
		expected, _ := propMap["type"].(string)
		if !matchesType(value, expected) {
			return &ValidationError{
				Field:   field,
				Value:   value,
				Message: fmt.Sprintf("expected type %s, got %T", expected, value),
			}
		}
	}
	return nil
}

// requiredNames normalizes the required list, which may be []string when
// built in Go or []any after a JSON/YAML round trip.
func requiredNames(required any) ([]string, error) {
	switch v := required.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		names := make([]string, 0, len(v))
		for _, entry := range v {
			name, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("required entries must be strings, got %T", entry)
			}
			names = append(names, name)
		}
		return names, nil
	default:
		return nil, fmt.Errorf("required must be a list, got %T", required)
	}
}

// CreateSchema derives a schema from a Go struct's exported fields using json
// tags for names and the description tag for documentation. Pointer or
// omitempty fields are optional; everything else is required.
func CreateSchema(structType any) map[string]any {
	t := reflect.TypeOf(structType)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}

	properties := make(map[string]any)
	required := make([]string, 0)

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}
		name := field.Name
		if jsonTag != "" {
			if parts := strings.Split(jsonTag, ","); parts[0] != "" {
				name = parts[0]
			}
		}
		prop := map[string]any{"type": jsonType(field.Type)}
		if desc := field.Tag.Get("description"); desc != "" {
			prop["description"] = desc
		}
		properties[name] = prop
		if !hasOmitEmpty(jsonTag) && field.Type.Kind() != reflect.Ptr {
			required = append(required, name)
		}
	}

	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func jsonType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Ptr:
		return jsonType(t.Elem())
	default:
		return "string"
	}
}

func hasOmitEmpty(tag string) bool {
	parts := strings.Split(tag, ",")
	for _, part := range parts[1:] {
		if strings.TrimSpace(part) == "omitempty" {
			return true
		}
	}
	return false
}

func matchesType(value any, expected string) bool {
	if value == nil {
		return true
	}
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch v := value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64: // JSON numbers decode as float64
			return v == float64(int64(v))
		}
		return false
	case "number":
		switch value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
			float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		if _, ok := value.([]any); ok {
			return true
		}
		_, ok := value.([]string)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}
