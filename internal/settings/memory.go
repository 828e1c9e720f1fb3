package settings

import "sync"

// MemoryKV keeps settings in process memory. Fail makes every call return
// the given error, to simulate an unavailable medium.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]string
	Fail   error
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

func (m *MemoryKV) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return "", false, m.Fail
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryKV) SetMany(values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

func (m *MemoryKV) Delete(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}
