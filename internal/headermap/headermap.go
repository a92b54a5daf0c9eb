// Package headermap implements the ordered, case-normalized header mapping
// used throughout offloadd: the origin HEAD/GET response, the persisted
// cache metadata, and the synthetic response/response_code keys produced by
// the status-line parser all share this type.
package headermap

import "strings"

// Map is an ordered key/value mapping with case-normalized keys and
// last-write-wins semantics on duplicate Set calls. Iteration order follows
// insertion order, which keeps metadata round-trips deterministic. Lookups
// ignore case; Keys reports each key as it was spelled on its first Set.
type Map struct {
	keys   []string          // first-Set spelling, in insertion order
	values map[string]string // keyed by normalize(key)
}

// New returns an empty Map ready for use.
func New() *Map {
	return &Map{values: make(map[string]string)}
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Set stores value under key, normalizing the key and overwriting any
// existing value while preserving the key's original position.
func (m *Map) Set(key, value string) {
	name := strings.TrimSpace(key)
	key = normalize(key)
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, name)
	}
	m.values[key] = value
}

// Get returns the value for key and whether it was present.
func (m *Map) Get(key string) (string, bool) {
	if m == nil || m.values == nil {
		return "", false
	}
	v, ok := m.values[normalize(key)]
	return v, ok
}

// GetDefault returns the value for key, or def if absent.
func (m *Map) GetDefault(key, def string) string {
	if v, ok := m.Get(key); ok {
		return v
	}
	return def
}

// Del removes key from the map, if present.
func (m *Map) Del(key string) {
	key = normalize(key)
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if normalize(k) == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the stored keys in insertion order.
func (m *Map) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len reports the number of stored pairs.
func (m *Map) Len() int {
	return len(m.keys)
}

// Clone returns a deep copy of m.
func (m *Map) Clone() *Map {
	out := New()
	for _, k := range m.keys {
		out.Set(k, m.values[normalize(k)])
	}
	return out
}
