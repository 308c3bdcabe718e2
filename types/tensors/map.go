package tensors

import (
	"strings"

	"github.com/gomlx/exceptions"
)

// Map is an ordered mapping from string keys to tensors, used to pass
// variable-arity, self-describing argument bundles between layers -- e.g.
// inputs keyed "ffn_input", outputs keyed "ffn_output".
//
// Keys are unique within a Map; the absence of an optional key means the
// corresponding feature is disabled for that call. Iteration follows
// insertion order.
//
// Map is not safe for concurrent mutation.
type Map struct {
	keys    []string
	entries map[string]*Tensor
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{entries: make(map[string]*Tensor)}
}

// Set adds the tensor under the given key.
//
// It panics if the key is empty, already present, or the tensor is invalid:
// a duplicate key in an argument bundle is a programming error.
func (m *Map) Set(key string, t *Tensor) *Map {
	if key == "" {
		exceptions.Panicf("tensors.Map.Set(): empty key")
	}
	if _, found := m.entries[key]; found {
		exceptions.Panicf("tensors.Map.Set(%q): key already present", key)
	}
	t.AssertValid()
	m.keys = append(m.keys, key)
	m.entries[key] = t
	return m
}

// Get returns the tensor stored under key, and whether it was present.
func (m *Map) Get(key string) (*Tensor, bool) {
	t, found := m.entries[key]
	return t, found
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	_, found := m.entries[key]
	return found
}

// MustGet returns the tensor stored under key.
//
// It panics with a descriptive error if the key is missing -- missing
// required keys are fatal call-time errors.
func (m *Map) MustGet(key string) *Tensor {
	t, found := m.entries[key]
	if !found {
		exceptions.Panicf("tensors.Map: required key %q missing (present: %s)",
			key, strings.Join(m.keys, ", "))
	}
	return t
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	keys := make([]string, len(m.keys))
	copy(keys, m.keys)
	return keys
}

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.keys) }
