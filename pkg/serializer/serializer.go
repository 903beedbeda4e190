// Package serializer defines the opaque to_json/from_json boundary
// between the facade's JSON-object world and a caller's strongly-typed
// values. No other component sees user types.
package serializer

import (
	"encoding/json"
	"fmt"
)

// Serializer converts between a user value and the JSON object the rest
// of the engine stores and transmits.
type Serializer interface {
	ToJSON(value any) (map[string]any, error)
	FromJSON(data map[string]any, out any) error
}

// JSON is the default Serializer, built on encoding/json. It round-trips
// through bytes rather than reflecting fields directly, so it respects
// the same json struct tags a caller already uses elsewhere.
type JSON struct{}

func (JSON) ToJSON(value any) (map[string]any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("serializer: marshal: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("serializer: unmarshal to object: %w", err)
	}
	return out, nil
}

func (JSON) FromJSON(data map[string]any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("serializer: marshal object: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("serializer: unmarshal: %w", err)
	}
	return nil
}
