package flowctx

import (
	"encoding/json"
	"fmt"
)

// Field is a typed trans key written in Overwrite mode.
type Field[T any] struct {
	key string
}

// NewField declares an overwrite field.
func NewField[T any](key string) Field[T] {
	return Field[T]{key: key}
}

// Key returns the trans key.
func (f Field[T]) Key() string { return f.key }

// Decl returns the write declaration for build-time checks.
func (f Field[T]) Decl() Decl { return Decl{Key: f.key, Mode: Overwrite} }

// Set replaces the field's value.
func (f Field[T]) Set(t *Trans, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", f.key, err)
	}
	return t.SetRaw(f.key, raw)
}

// Get returns the field's value. ok is false when nothing has been written.
func (f Field[T]) Get(t *Trans) (v T, ok bool, err error) {
	raw, ok := t.Raw(f.key)
	if !ok {
		return v, false, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, true, fmt.Errorf("decoding %q: %w", f.key, err)
	}
	return v, true, nil
}

// HostField is a typed trans key written in Append mode, one value per host.
type HostField[T any] struct {
	key string
}

// NewHostField declares an append field.
func NewHostField[T any](key string) HostField[T] {
	return HostField[T]{key: key}
}

// Key returns the trans key.
func (f HostField[T]) Key() string { return f.key }

// Decl returns the write declaration for build-time checks.
func (f HostField[T]) Decl() Decl { return Decl{Key: f.key, Mode: Append} }

// Add records host's value.
func (f HostField[T]) Add(t *Trans, host string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %q/%q: %w", f.key, host, err)
	}
	return t.AppendRaw(f.key, host, raw)
}

// All returns every host's value.
func (f HostField[T]) All(t *Trans) (map[string]T, error) {
	hosts := t.HostsRaw(f.key)
	out := make(map[string]T, len(hosts))
	for h, raw := range hosts {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding %q/%q: %w", f.key, h, err)
		}
		out[h] = v
	}
	return out, nil
}
