package flowctx

import (
	"encoding/json"
	"fmt"
	"sync"
)

// WriteMode is how a producing step writes a trans key.
type WriteMode int

const (
	// Overwrite replaces whatever value the key held.
	Overwrite WriteMode = iota
	// Append accumulates values into a per-host mapping under the key.
	Append
)

// String returns a human-readable representation of the WriteMode
func (m WriteMode) String() string {
	switch m {
	case Overwrite:
		return "overwrite"
	case Append:
		return "append"
	default:
		return "unknown"
	}
}

// Decl declares that a step writes Key in Mode.
type Decl struct {
	Key  string
	Mode WriteMode
}

// Trans holds the outputs written by steps of one pipeline run. It is safe for
// concurrent use by parallel siblings.
type Trans struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
	hosts  map[string]map[string]json.RawMessage
}

// Snapshot is the serialisable form of Trans.
type Snapshot struct {
	Values map[string]json.RawMessage            `json:"values,omitempty"`
	Hosts  map[string]map[string]json.RawMessage `json:"hosts,omitempty"`
}

// NewTrans returns an empty Trans.
func NewTrans() *Trans {
	return &Trans{
		values: make(map[string]json.RawMessage),
		hosts:  make(map[string]map[string]json.RawMessage),
	}
}

// Restore rebuilds a Trans from a snapshot.
func Restore(s Snapshot) *Trans {
	t := NewTrans()
	for k, v := range s.Values {
		t.values[k] = append(json.RawMessage(nil), v...)
	}
	for k, hosts := range s.Hosts {
		m := make(map[string]json.RawMessage, len(hosts))
		for h, v := range hosts {
			m[h] = append(json.RawMessage(nil), v...)
		}
		t.hosts[k] = m
	}
	return t
}

// Snapshot returns a deep copy of the current contents.
func (t *Trans) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{
		Values: make(map[string]json.RawMessage, len(t.values)),
		Hosts:  make(map[string]map[string]json.RawMessage, len(t.hosts)),
	}
	for k, v := range t.values {
		s.Values[k] = append(json.RawMessage(nil), v...)
	}
	for k, hosts := range t.hosts {
		m := make(map[string]json.RawMessage, len(hosts))
		for h, v := range hosts {
			m[h] = append(json.RawMessage(nil), v...)
		}
		s.Hosts[k] = m
	}
	return s
}

// SetRaw overwrites key with an already encoded value.
func (t *Trans) SetRaw(key string, raw json.RawMessage) error {
	if !json.Valid(raw) {
		return fmt.Errorf("value for %q is not valid JSON", key)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.hosts[key]; ok {
		return fmt.Errorf("%w: %q holds appended values", ErrModeMismatch, key)
	}
	t.values[key] = append(json.RawMessage(nil), raw...)
	return nil
}

// AppendRaw records host's encoded value under key. Writes for different
// hosts commute; a second write for the same host replaces the first.
func (t *Trans) AppendRaw(key, host string, raw json.RawMessage) error {
	if !json.Valid(raw) {
		return fmt.Errorf("value for %q/%q is not valid JSON", key, host)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.values[key]; ok {
		return fmt.Errorf("%w: %q holds an overwritten value", ErrModeMismatch, key)
	}
	m, ok := t.hosts[key]
	if !ok {
		m = make(map[string]json.RawMessage)
		t.hosts[key] = m
	}
	m[host] = append(json.RawMessage(nil), raw...)
	return nil
}

// Raw returns the overwritten value of key.
func (t *Trans) Raw(key string) (json.RawMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v, ok := t.values[key]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), v...), true
}

// HostsRaw returns a copy of the per-host values appended under key.
func (t *Trans) HostsRaw(key string) map[string]json.RawMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	hosts := t.hosts[key]
	out := make(map[string]json.RawMessage, len(hosts))
	for h, v := range hosts {
		out[h] = append(json.RawMessage(nil), v...)
	}
	return out
}
