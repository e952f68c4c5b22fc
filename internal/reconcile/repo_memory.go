package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirsync/internal/domain/record"
)

// MemoryChangeStore is a thread-safe in-memory ChangeStore.
type MemoryChangeStore struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*PendingChange
	openKey map[record.Key]uuid.UUID
	now     func() time.Time
}

func NewMemoryChangeStore() *MemoryChangeStore {
	return &MemoryChangeStore{
		byID:    make(map[uuid.UUID]*PendingChange),
		openKey: make(map[record.Key]uuid.UUID),
		now:     time.Now,
	}
}

func (s *MemoryChangeStore) Create(_ context.Context, c *PendingChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !c.Resolved {
		if _, ok := s.openKey[c.Key()]; ok {
			return fmt.Errorf("an open pending change already exists for %s", c.Key())
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := s.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	s.byID[c.ID] = c.Clone()
	if !c.Resolved {
		s.openKey[c.Key()] = c.ID
	}
	return nil
}

func (s *MemoryChangeStore) Get(_ context.Context, id uuid.UUID) (*PendingChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryChangeStore) FindOpen(_ context.Context, connectionID uuid.UUID, resourceType, fhirReference string) (*PendingChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.openKey[record.Key{ConnectionID: connectionID, ResourceType: resourceType, FHIRReference: fhirReference}]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryChangeStore) Update(_ context.Context, c *PendingChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byID[c.ID]
	if !ok {
		return ErrNotFound
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = s.now().UTC()
	s.byID[c.ID] = c.Clone()
	if c.Resolved {
		if s.openKey[c.Key()] == c.ID {
			delete(s.openKey, c.Key())
		}
	} else {
		s.openKey[c.Key()] = c.ID
	}
	return nil
}

func (f ChangeFilter) match(c *PendingChange) bool {
	if f.ConnectionID != uuid.Nil && c.ConnectionID != f.ConnectionID {
		return false
	}
	if f.RunID != uuid.Nil && c.RunID != f.RunID {
		return false
	}
	if f.Resolved != nil && c.Resolved != *f.Resolved {
		return false
	}
	return true
}

func (s *MemoryChangeStore) List(_ context.Context, f ChangeFilter, limit, offset int) ([]*PendingChange, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*PendingChange
	for _, c := range s.byID {
		if f.match(c) {
			all = append(all, c.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	total := len(all)
	if offset >= total {
		return []*PendingChange{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

// MemoryStateStore is a thread-safe in-memory StateStore.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[uuid.UUID]*SyncState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[uuid.UUID]*SyncState)}
}

func (s *MemoryStateStore) Get(_ context.Context, connectionID uuid.UUID) (*SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[connectionID]
	if !ok {
		return nil, ErrStateNotFound
	}
	return st.Clone(), nil
}

func (s *MemoryStateStore) Put(_ context.Context, st *SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = time.Now().UTC()
	s.states[st.ConnectionID] = st.Clone()
	return nil
}
