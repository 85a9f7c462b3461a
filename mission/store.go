package mission

import (
	"context"
	"sort"
	"sync"
)

// Store persists missions
type Store interface {
	// Get returns the mission for key or ErrNotFound
	Get(ctx context.Context, key Key) (*Mission, error)
	// Upsert inserts or replaces the mission with the same natural key
	Upsert(ctx context.Context, m *Mission) error
	List(ctx context.Context, filter Filter) ([]*Mission, error)
	DeleteTeam(ctx context.Context, conversationID, teamName string) (int, error)
	DeleteConversation(ctx context.Context, conversationID string) (int, error)
	Close() error
}

// MemoryStore is a Store kept in memory
type MemoryStore struct {
	mu       sync.RWMutex
	missions map[Key]*Mission
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{missions: make(map[Key]*Mission)}
}

func (s *MemoryStore) Get(ctx context.Context, key Key) (*Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.missions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) Upsert(ctx context.Context, m *Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missions[m.Key()] = m.Clone()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Mission
	for _, m := range s.missions {
		if filter.matches(m) {
			out = append(out, m.Clone())
		}
	}
	sortMissions(out)
	return out, nil
}

func (s *MemoryStore) DeleteTeam(ctx context.Context, conversationID, teamName string) (int, error) {
	return s.delete(Filter{ConversationID: conversationID, TeamName: teamName}), nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, conversationID string) (int, error) {
	return s.delete(Filter{ConversationID: conversationID}), nil
}

func (s *MemoryStore) delete(filter Filter) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, m := range s.missions {
		if filter.matches(m) {
			delete(s.missions, key)
			n++
		}
	}
	return n
}

func (s *MemoryStore) Close() error { return nil }

// sortMissions orders by creation time, then natural key
func sortMissions(ms []*Mission) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.ConversationID != b.ConversationID {
			return a.ConversationID < b.ConversationID
		}
		if a.TeamName != b.TeamName {
			return a.TeamName < b.TeamName
		}
		return a.ExternalID < b.ExternalID
	})
}
