package blob

import (
	"errors"
	"sync"
)

var ErrNotFound = errors.New("blob not found")

// VersionedKey identifies one stored version of a key. Stores that do not
// version objects report a single version per key.
type VersionedKey struct {
	Key     string
	Version string
}

// Store is the object-store contract the engines depend on. The real
// deployment backs this with an external object store; tests use Memory.
type Store interface {
	Put(path string, data []byte) error
	Get(path string) ([]byte, error)
	List(prefix string) ([]string, error)
	ListVersions(prefix string) ([]VersionedKey, error)
	DeleteManyVersioned(keys []VersionedKey) error
}

// Memory is an in-memory Store. Writes to the same key accumulate
// versions, matching the versioned-listing semantics purge depends on.
type Memory struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	versions map[string][]string
	seq      int
}

func NewMemory() *Memory {
	return &Memory{
		objects:  make(map[string][]byte),
		versions: make(map[string][]string),
	}
}

func (m *Memory) Put(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[path] = cp
	m.seq++
	m.versions[path] = append(m.versions[path], version(m.seq))
	return nil
}

func (m *Memory) Get(path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *Memory) List(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if hasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *Memory) ListVersions(prefix string) ([]VersionedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []VersionedKey
	for k, versions := range m.versions {
		if !hasPrefix(k, prefix) {
			continue
		}
		for _, v := range versions {
			out = append(out, VersionedKey{Key: k, Version: v})
		}
	}
	return out, nil
}

func (m *Memory) DeleteManyVersioned(keys []VersionedKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, vk := range keys {
		remaining := m.versions[vk.Key][:0]
		for _, v := range m.versions[vk.Key] {
			if v != vk.Version {
				remaining = append(remaining, v)
			}
		}
		if len(remaining) == 0 {
			delete(m.versions, vk.Key)
			delete(m.objects, vk.Key)
		} else {
			m.versions[vk.Key] = remaining
		}
	}
	return nil
}

func version(seq int) string {
	// Small monotonic version tags are enough for tests.
	const digits = "0123456789"
	if seq == 0 {
		return "v0"
	}
	var b []byte
	for seq > 0 {
		b = append([]byte{digits[seq%10]}, b...)
		seq /= 10
	}
	return "v" + string(b)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
