package flowctx

import (
	"encoding/json"
	"fmt"
)

// Data is a JSON-backed key/value set used for global data and kwargs.
// Values are held encoded so copies never share mutable state.
type Data map[string]json.RawMessage

// NewData encodes every value of m.
func NewData(m map[string]any) (Data, error) {
	d := make(Data, len(m))
	for k, v := range m {
		if err := d.Set(k, v); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Set encodes v under key.
func (d Data) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}
	d[key] = raw
	return nil
}

// Has reports whether key is present.
func (d Data) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Decode unmarshals the value under key into out.
func (d Data) Decode(key string, out any) error {
	raw, ok := d[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrMissingKey, key)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %q: %w", key, err)
	}
	return nil
}

// String returns the string under key, or "" when absent or not a string.
func (d Data) String(key string) string {
	var s string
	if err := d.Decode(key, &s); err != nil {
		return ""
	}
	return s
}

// Clone returns a deep copy.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Merge returns a copy of d with overrides layered on top.
func (d Data) Merge(overrides Data) Data {
	out := d.Clone()
	for k, v := range overrides {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
