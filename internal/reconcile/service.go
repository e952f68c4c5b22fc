package reconcile

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Service exposes sync settings and pending changes to the API and the
// orchestrator.
type Service struct {
	reconciler    *Reconciler
	states        StateStore
	defaultPolicy Policy
}

func NewService(reconciler *Reconciler, states StateStore, defaultPolicy Policy) *Service {
	if defaultPolicy == "" {
		defaultPolicy = PolicyServerWins
	}
	return &Service{reconciler: reconciler, states: states, defaultPolicy: defaultPolicy}
}

func (s *Service) Reconciler() *Reconciler { return s.reconciler }

// State returns the sync state for a connection, or a fresh one carrying the
// default policy when none was stored yet.
func (s *Service) State(ctx context.Context, connectionID uuid.UUID) (*SyncState, error) {
	st, err := s.states.Get(ctx, connectionID)
	if errors.Is(err, ErrStateNotFound) {
		return NewSyncState(connectionID, s.defaultPolicy), nil
	}
	return st, err
}

func (s *Service) SaveState(ctx context.Context, st *SyncState) error {
	return s.states.Put(ctx, st)
}

func (s *Service) SetPolicy(ctx context.Context, connectionID uuid.UUID, policy Policy) (*SyncState, error) {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, err
	}
	st, err := s.State(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	st.ConflictResolution = policy
	if err := s.states.Put(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Service) ListChanges(ctx context.Context, f ChangeFilter, limit, offset int) ([]*PendingChange, int, error) {
	return s.reconciler.changes.List(ctx, f, limit, offset)
}

func (s *Service) GetChange(ctx context.Context, id uuid.UUID) (*PendingChange, error) {
	return s.reconciler.changes.Get(ctx, id)
}

func (s *Service) Resolve(ctx context.Context, id uuid.UUID, choice Resolution) (*PendingChange, error) {
	return s.reconciler.Resolve(ctx, id, choice)
}
