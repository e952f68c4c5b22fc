package record

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*Record
	byKey map[Key]uuid.UUID
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[uuid.UUID]*Record),
		byKey: make(map[Key]uuid.UUID),
		now:   time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) GetByKey(_ context.Context, key Key) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) Upsert(_ context.Context, r *Record) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()

	if r.FHIRReference != "" {
		if id, ok := s.byKey[r.Key()]; ok {
			existing := s.byID[id]
			if r.VersionID != 0 && r.VersionID != existing.VersionID {
				return false, ErrVersionConflict
			}
			r.ID = existing.ID
			r.CreatedAt = existing.CreatedAt
			r.VersionID = existing.VersionID + 1
			r.UpdatedAt = now
			s.byID[id] = r.Clone()
			return false, nil
		}
	}

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.VersionID = 1
	r.CreatedAt, r.UpdatedAt = now, now
	s.byID[r.ID] = r.Clone()
	if r.FHIRReference != "" {
		s.byKey[r.Key()] = r.ID
	}
	return true, nil
}

func (s *MemoryStore) Update(_ context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byID[r.ID]
	if !ok {
		return ErrNotFound
	}
	if r.VersionID != 0 && r.VersionID != existing.VersionID {
		return ErrVersionConflict
	}
	if existing.FHIRReference != "" {
		delete(s.byKey, existing.Key())
	}
	r.CreatedAt = existing.CreatedAt
	r.VersionID = existing.VersionID + 1
	r.UpdatedAt = s.now().UTC()
	s.byID[r.ID] = r.Clone()
	if r.FHIRReference != "" {
		s.byKey[r.Key()] = r.ID
	}
	return nil
}

func (f Filter) match(r *Record) bool {
	if f.ConnectionID != uuid.Nil && r.ConnectionID != f.ConnectionID {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.ResourceType != "" && r.ResourceType != f.ResourceType {
		return false
	}
	if f.Stale != nil && r.Stale != *f.Stale {
		return false
	}
	return true
}

func (s *MemoryStore) List(_ context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*Record
	for _, r := range s.byID {
		if f.match(r) {
			all = append(all, r.Clone())
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
		return []*Record{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) ListByResourceType(ctx context.Context, connectionID uuid.UUID, resourceType string) ([]*Record, error) {
	items, _, err := s.List(ctx, Filter{ConnectionID: connectionID, ResourceType: resourceType}, 0, 0)
	return items, err
}

func (s *MemoryStore) SetStale(_ context.Context, id uuid.UUID, stale bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	r.Stale = stale
	r.UpdatedAt = s.now().UTC()
	return nil
}
