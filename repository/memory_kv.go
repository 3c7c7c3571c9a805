package repository

import "sync"

// MemoryKVStore is a process-local KeyValueStore.
type MemoryKVStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{values: make(map[string]string)}
}

func (m *MemoryKVStore) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryKVStore) Set(key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryKVStore) Remove(key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}
