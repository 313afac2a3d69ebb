// Package variables provides the variable context shared across attack states
// and the per-worker views used during request rendering.
package variables

import (
	"sort"
)

// Store defines the interface for variable storage.
type Store interface {
	// Set stores a variable with the given key and value.
	Set(key, value string)

	// Get retrieves a variable by key. Returns (value, true) if found,
	// or ("", false) if the key is not present.
	Get(key string) (string, bool)

	// GetAll returns a copy of all stored variables.
	GetAll() map[string]string

	// Merge combines the store's variables with an extra record, where the
	// store takes precedence over the record. Returns the merged map.
	Merge(record map[string]string) map[string]string

	// SetAll stores every entry of the given map.
	SetAll(values map[string]string)
}

// MemoryStore is a simple map-based implementation of the Store interface.
// The orchestrator mutates it only between state transitions, so no mutex
// is required.
type MemoryStore struct {
	variables map[string]string
}

// NewStore creates and returns a new MemoryStore instance.
func NewStore() Store {
	return &MemoryStore{
		variables: make(map[string]string),
	}
}

// Set stores a variable with the given key and value.
func (m *MemoryStore) Set(key, value string) {
	m.variables[key] = value
}

// Get retrieves a variable by key.
func (m *MemoryStore) Get(key string) (string, bool) {
	value, ok := m.variables[key]
	return value, ok
}

// GetAll returns a copy of all stored variables.
func (m *MemoryStore) GetAll() map[string]string {
	result := make(map[string]string, len(m.variables))
	for key, value := range m.variables {
		result[key] = value
	}
	return result
}

// Merge combines the store's variables with a record, store values winning.
func (m *MemoryStore) Merge(record map[string]string) map[string]string {
	result := make(map[string]string, len(record)+len(m.variables))
	for key, value := range record {
		result[key] = value
	}
	for key, value := range m.variables {
		result[key] = value
	}
	return result
}

// SetAll stores every entry of the given map.
func (m *MemoryStore) SetAll(values map[string]string) {
	for key, value := range values {
		m.variables[key] = value
	}
}

// Keys returns the sorted key set of a variable map, useful for
// deterministic output.
func Keys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
