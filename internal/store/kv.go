// Package store provides per-agent durable storage: a JSON-file key-value
// store with atomic writes, an optional bbolt backend, and the restricted
// private keys file.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// KV is the key-value façade handed to agent handlers. Values must be
// JSON-representable; they are stored as raw JSON and decoded on read.
type KV interface {
	Get(key string, out any) (bool, error)
	Set(key string, value any) error
	Has(key string) bool
	Remove(key string) error
	Clear() error
	Keys() []string
}

// Memory is an in-process KV for tests and ephemeral agents.
type Memory struct {
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]json.RawMessage)}
}

func (m *Memory) Get(key string, out any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode value for %q: %w", key, err)
	}
	return true, nil
}

func (m *Memory) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %q: %w", key, err)
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	m.data = make(map[string]json.RawMessage)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
