package types

import "encoding/json"

// ToolSchema defines a tool's interface for LLM function calling.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ObjectSchema returns a minimal JSON Schema object with the given string properties.
func ObjectSchema(required []string, props map[string]string) json.RawMessage {
	properties := make(map[string]map[string]string, len(props))
	for name, desc := range props {
		properties[name] = map[string]string{"type": "string", "description": desc}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	raw, _ := json.Marshal(schema)
	return raw
}
