package llm

import "fmt"

// ValidateObject checks obj against the subset of JSON Schema this module
// emits: oneOf, const, enum, type, properties, required, items. It is a
// structural gate against adversarial model output, not a full validator.
func ValidateObject(obj map[string]any, schema map[string]any) error {
	return validate(obj, schema)
}

func validate(value any, schema map[string]any) error {
	if variants, ok := schema["oneOf"].([]any); ok {
		var firstErr error
		for _, raw := range variants {
			variant, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if err := validate(value, variant); err == nil {
				return nil
			} else if firstErr == nil {
				firstErr = err
			}
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("no oneOf variant matched")
		}
		return fmt.Errorf("oneOf: %w", firstErr)
	}

	if c, ok := schema["const"]; ok {
		if value != c {
			return fmt.Errorf("expected const %v, got %v", c, value)
		}
		return nil
	}

	if enum, ok := schema["enum"]; ok {
		for _, allowed := range enumValues(enum) {
			if value == allowed {
				return nil
			}
		}
		return fmt.Errorf("value %v not in enum", value)
	}

	typ, _ := schema["type"].(string)
	switch typ {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
		props, _ := schema["properties"].(map[string]any)
		for _, name := range requiredKeys(schema) {
			if _, present := obj[name]; !present {
				return fmt.Errorf("missing required key %q", name)
			}
		}
		for key, raw := range obj {
			propSchema, ok := props[key].(map[string]any)
			if !ok {
				if additional, set := schema["additionalProperties"].(bool); set && !additional {
					return fmt.Errorf("unexpected key %q", key)
				}
				continue
			}
			if err := validate(raw, propSchema); err != nil {
				return fmt.Errorf("key %q: %w", key, err)
			}
		}
		return nil
	case "array":
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
		items, ok := schema["items"].(map[string]any)
		if !ok {
			return nil
		}
		for i, item := range arr {
			if err := validate(item, items); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		}
		return nil
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		return nil
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
		return nil
	case "number", "integer":
		switch value.(type) {
		case float64, int:
			return nil
		}
		return fmt.Errorf("expected number, got %T", value)
	case "":
		return nil
	default:
		return fmt.Errorf("unsupported schema type %q", typ)
	}
}

// requiredKeys tolerates both []string (in-process schemas) and []any
// (schemas round-tripped through JSON).
func requiredKeys(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func enumValues(enum any) []any {
	switch vals := enum.(type) {
	case []any:
		return vals
	case []string:
		out := make([]any, len(vals))
		for i, v := range vals {
			out[i] = v
		}
		return out
	}
	return nil
}
