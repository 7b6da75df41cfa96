package pagination

import (
	"context"
	"sync"
)

// MemorySeen is an in-process SeenSet.
type MemorySeen struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

func NewMemorySeen() *MemorySeen {
	return &MemorySeen{urls: make(map[string]struct{})}
}

func (m *MemorySeen) Add(_ context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.urls[url]; ok {
		return false, nil
	}
	m.urls[url] = struct{}{}
	return true, nil
}

func (m *MemorySeen) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.urls)
}
