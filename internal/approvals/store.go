package approvals

import (
	"context"
	"sort"
	"sync"
)

// Store persists approval requests. SaveRequest upserts by ID.
type Store interface {
	SaveRequest(ctx context.Context, req Request) error
	GetRequest(ctx context.Context, id string) (Request, error)
	ListOpenRequests(ctx context.Context) ([]Request, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: map[string]Request{}}
}

func (s *MemoryStore) SaveRequest(ctx context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req.clone()
	return nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	return req.clone(), nil
}

func (s *MemoryStore) ListOpenRequests(ctx context.Context) ([]Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Request
	for _, req := range s.requests {
		if req.Status.Open() {
			out = append(out, req.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
