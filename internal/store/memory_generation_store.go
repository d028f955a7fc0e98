package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dunamismax/pixelprompt/internal/domain"
)

type MemoryGenerationStore struct {
	mu          sync.RWMutex
	generations map[string]domain.Generation
}

var _ GenerationStore = (*MemoryGenerationStore)(nil)

func NewMemoryGenerationStore() *MemoryGenerationStore {
	return &MemoryGenerationStore{
		generations: make(map[string]domain.Generation),
	}
}

func (s *MemoryGenerationStore) Save(_ context.Context, g domain.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.generations[g.ID]; ok {
		return nil
	}
	s.generations[g.ID] = g
	return nil
}

func (s *MemoryGenerationStore) Get(_ context.Context, id string) (domain.Generation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.generations[id]
	return g, ok, nil
}

func (s *MemoryGenerationStore) ListByUID(_ context.Context, uid string, limit int) ([]domain.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Generation
	for _, g := range s.generations {
		if g.UID == uid {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
