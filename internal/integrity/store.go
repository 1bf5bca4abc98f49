package integrity

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("manifest not found")

// Store persists manifests keyed by capability id. Save replaces any
// existing manifest for the same capability.
type Store interface {
	GetManifest(ctx context.Context, capabilityID string) (Manifest, error)
	SaveManifest(ctx context.Context, m Manifest) error
	ListManifests(ctx context.Context) ([]Manifest, error)
}

type MemoryStore struct {
	mu        sync.RWMutex
	manifests map[string]Manifest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{manifests: map[string]Manifest{}}
}

func (s *MemoryStore) GetManifest(_ context.Context, capabilityID string) (Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[capabilityID]
	if !ok {
		return Manifest{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) SaveManifest(_ context.Context, m Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manifests == nil {
		s.manifests = map[string]Manifest{}
	}
	s.manifests[m.CapabilityID] = m
	return nil
}

func (s *MemoryStore) ListManifests(_ context.Context) ([]Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Manifest, 0, len(s.manifests))
	for _, m := range s.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapabilityID < out[j].CapabilityID })
	return out, nil
}
