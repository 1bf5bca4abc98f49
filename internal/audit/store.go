package audit

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrTipMoved means another writer appended since the caller read the tip.
	ErrTipMoved      = errors.New("audit chain tip moved")
	ErrEventNotFound = errors.New("audit event not found")
)

// Store is an append-only event store. Append must only succeed when the
// chain's current tip equals expected, making the tip a compare-and-swap
// pointer. There is deliberately no update or delete.
type Store interface {
	Append(ctx context.Context, ev Event, expected Tip) error
	Tip(ctx context.Context) (Tip, error)
	List(ctx context.Context, fromSequence int64, limit int) ([]Event, error)
	Get(ctx context.Context, id string) (Event, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	byID   map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]int{}}
}

func (s *MemoryStore) Append(_ context.Context, ev Event, expected Tip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tipLocked() != expected {
		return ErrTipMoved
	}
	if s.byID == nil {
		s.byID = map[string]int{}
	}
	s.byID[ev.ID] = len(s.events)
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) Tip(_ context.Context) (Tip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tipLocked(), nil
}

func (s *MemoryStore) tipLocked() Tip {
	if len(s.events) == 0 {
		return Tip{}
	}
	last := s.events[len(s.events)-1]
	return Tip{Sequence: last.Sequence, Hash: last.EventHash}
}

// List returns up to limit events with sequence >= fromSequence, oldest first.
func (s *MemoryStore) List(_ context.Context, fromSequence int64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Sequence < fromSequence {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return Event{}, ErrEventNotFound
	}
	return s.events[i], nil
}
