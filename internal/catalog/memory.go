package catalog

import (
	"context"
	"sort"
	"sync"
)

// MemorySource is an in-process Source for development and tests.
type MemorySource struct {
	mu       sync.RWMutex
	products []Product // kept sorted newest first
	queries  int
}

func NewMemorySource(products ...Product) *MemorySource {
	m := &MemorySource{}
	m.Add(products...)
	return m
}

// Add inserts products, keeping the descending order.
func (m *MemorySource) Add(products ...Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products = append(m.products, products...)
	sort.SliceStable(m.products, func(i, j int) bool {
		a, b := m.products[i], m.products[j]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID > b.ID
	})
}

func (m *MemorySource) ListProducts(ctx context.Context, after *Position, n int) ([]Product, error) {
	m.mu.Lock()
	m.queries++
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Product, 0, n)
	for _, p := range m.products {
		if len(out) == n {
			break
		}
		if after != nil && !p.Before(*after) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Queries returns how many times ListProducts was called.
func (m *MemorySource) Queries() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queries
}
