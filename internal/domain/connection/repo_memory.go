package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is a thread-safe in-memory Repository. It stores copies so
// callers cannot mutate stored state without Update.
type MemoryRepo struct {
	mu    sync.RWMutex
	store map[uuid.UUID]*Connection
	now   func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{store: make(map[uuid.UUID]*Connection), now: time.Now}
}

func (r *MemoryRepo) Create(_ context.Context, c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Active {
		for _, existing := range r.store {
			if existing.Active && existing.ProviderID == c.ProviderID && existing.PatientID == c.PatientID {
				return ErrActiveExists
			}
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := r.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	c.Version = 1
	r.store[c.ID] = c.Clone()
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (r *MemoryRepo) FindActive(_ context.Context, providerID, patientID string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.store {
		if c.Active && c.ProviderID == providerID && c.PatientID == patientID {
			return c.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepo) Update(_ context.Context, c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.store[c.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != c.Version {
		return ErrVersionConflict
	}
	if c.Active && !stored.Active {
		for id, other := range r.store {
			if id != c.ID && other.Active && other.ProviderID == c.ProviderID && other.PatientID == c.PatientID {
				return ErrActiveExists
			}
		}
	}
	c.Version++
	c.UpdatedAt = r.now().UTC()
	r.store[c.ID] = c.Clone()
	return nil
}

func (r *MemoryRepo) List(_ context.Context, activeOnly bool, limit, offset int) ([]*Connection, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*Connection
	for _, c := range r.store {
		if activeOnly && !c.Active {
			continue
		}
		all = append(all, c.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	total := len(all)
	if offset >= total {
		return []*Connection{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}
