package record

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

func (s *Service) Store() Store { return s.store }

// CreateManual stores a record entered by the user.
func (s *Service) CreateManual(ctx context.Context, r *Record) error {
	r.ID = uuid.Nil
	if r.Source == "" {
		r.Source = SourceManual
	}
	if r.Source == SourceFHIR {
		return fmt.Errorf("records sourced from fhir are created by sync only")
	}
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.store.Upsert(ctx, r)
	return err
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	return s.store.List(ctx, f, limit, offset)
}

// EditLocally replaces the payload of a record and stamps UpdatedLocally. The
// next sync treats a server change to the same resource as a conflict.
func (s *Service) EditLocally(ctx context.Context, id uuid.UUID, data json.RawMessage) (*Record, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("data is not valid JSON")
	}
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	r.Data = data
	r.UpdatedLocally = &now
	if err := s.store.Update(ctx, r); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("record_id", id.String()).Str("kind", string(r.Kind)).Msg("record edited locally")
	return r, nil
}
