package importer

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryRunStore is a thread-safe in-memory RunStore.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*Run
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[uuid.UUID]*Run)}
}

func (s *MemoryRunStore) Save(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := &Run{Progress: run.Progress.clone(), Result: run.Result}
	s.runs[run.Progress.RunID] = cp
	return nil
}

func (s *MemoryRunStore) Get(_ context.Context, runID uuid.UUID) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &Run{Progress: run.Progress.clone(), Result: run.Result}, nil
}

// ListByConnection returns runs newest first.
func (s *MemoryRunStore) ListByConnection(_ context.Context, connectionID uuid.UUID, limit, offset int) ([]*Run, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*Run
	for _, run := range s.runs {
		if run.Progress.ConnectionID == connectionID {
			all = append(all, &Run{Progress: run.Progress.clone(), Result: run.Result})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Progress.StartedAt.After(all[j].Progress.StartedAt)
	})
	total := len(all)
	if offset >= total {
		return []*Run{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}
