package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is a brute-force cosine index held in process memory.
type MemoryIndex struct {
	dimension int

	mu      sync.RWMutex
	order   []string
	entries map[string]Vector
}

func NewMemoryIndex(dimension int) (*MemoryIndex, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive")
	}
	return &MemoryIndex{
		dimension: dimension,
		entries:   make(map[string]Vector),
	}, nil
}

func (m *MemoryIndex) Upsert(ctx context.Context, vectors []Vector) error {
	for _, v := range vectors {
		if v.ID == "" {
			return fmt.Errorf("vector id is empty")
		}
		if err := checkDimension(v.Values, m.dimension); err != nil {
			return fmt.Errorf("upsert %s: %w", v.ID, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vectors {
		if _, ok := m.entries[v.ID]; !ok {
			m.order = append(m.order, v.ID)
		}
		values := make([]float32, len(v.Values))
		copy(values, v.Values)
		m.entries[v.ID] = Vector{ID: v.ID, Values: values, Metadata: copyMetadata(v.Metadata)}
	}
	return nil
}

func (m *MemoryIndex) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if err := checkDimension(vector, m.dimension); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if topK <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]Match, 0, len(m.order))
	for _, id := range m.order {
		entry := m.entries[id]
		matches = append(matches, Match{
			ID:       id,
			Score:    cosine(vector, entry.Values),
			Metadata: copyMetadata(entry.Metadata),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (m *MemoryIndex) Describe(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{TotalVectorCount: len(m.entries), Dimension: m.dimension}, nil
}

func (m *MemoryIndex) Recreate(ctx context.Context) error {
	return m.Drop(ctx)
}

func (m *MemoryIndex) Drop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = nil
	m.entries = make(map[string]Vector)
	return nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var (
	_ Index     = (*MemoryIndex)(nil)
	_ Lifecycle = (*MemoryIndex)(nil)
)
