package ledger

import (
	"context"
	"sort"
	"sync"
)

// Store persists accounts and entries.
type Store interface {
	GetAccount(ctx context.Context, userID string) (*Account, error)
	SaveAccount(ctx context.Context, a *Account) error
	GetEntry(ctx context.Context, id string) (*Entry, error)
	// Commit writes an entry and, when a is non-nil, its account together:
	// either both are stored or neither is.
	Commit(ctx context.Context, e *Entry, a *Account) error
	ListEntries(ctx context.Context, userID string) ([]*Entry, error)
	ListPending(ctx context.Context) ([]*Entry, error)
	Close() error
}

// MemoryStore keeps everything in process.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	entries  map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		entries:  make(map[string]*Entry),
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

func (s *MemoryStore) SaveAccount(_ context.Context, a *Account) error {
	s.mu.Lock()
	s.accounts[a.UserID] = a.clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetEntry(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

func (s *MemoryStore) Commit(_ context.Context, e *Entry, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e.clone()
	if a != nil {
		s.accounts[a.UserID] = a.clone()
	}
	return nil
}

// ListEntries returns the user's entries, oldest first.
func (s *MemoryStore) ListEntries(_ context.Context, userID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filter(func(e *Entry) bool { return e.UserID == userID }), nil
}

// ListPending returns every pending entry, oldest first.
func (s *MemoryStore) ListPending(_ context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(e *Entry) bool { return e.Status == StatusPending }), nil
}

func (s *MemoryStore) filter(keep func(*Entry) bool) []*Entry {
	var out []*Entry
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlacedAt.Equal(out[j].PlacedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].PlacedAt.Before(out[j].PlacedAt)
	})
	return out
}

func (s *MemoryStore) Close() error { return nil }
