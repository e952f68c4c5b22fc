package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsync/internal/platform/webhook"
)

const (
	ReasonRevoked      = "revoked by user"
	ReasonInvalidGrant = "invalid_grant"
)

type Service struct {
	repo     Repository
	notifier webhook.Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, notifier webhook.Notifier, logger zerolog.Logger) *Service {
	if notifier == nil {
		notifier = webhook.Nop{}
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger.With().Str("component", "connections").Logger(),
		now:      time.Now,
	}
}

func (s *Service) Repo() Repository { return s.repo }

// Register stores the result of an authorization. An existing active
// connection for the same provider and patient is re-authorized in place.
func (s *Service) Register(ctx context.Context, g Grant) (*Connection, error) {
	if g.ProviderID == "" {
		return nil, fmt.Errorf("provider_id is required")
	}
	if g.PatientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	if g.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}

	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.repo.FindActive(ctx, g.ProviderID, g.PatientID)
		switch {
		case err == nil:
			c, err := UpdateWithRetry(ctx, s.repo, existing.ID, func(c *Connection) error {
				g.apply(c)
				return nil
			})
			if err != nil {
				return nil, err
			}
			s.logger.Info().Str("connection_id", c.ID.String()).Str("provider", c.ProviderID).Msg("connection re-authorized")
			return c, nil
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}

		c := &Connection{
			ProviderID: g.ProviderID,
			PatientID:  g.PatientID,
			Active:     true,
		}
		g.apply(c)
		err = s.repo.Create(ctx, c)
		if errors.Is(err, ErrActiveExists) {
			// lost a race with a concurrent registration; re-authorize theirs
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.Info().Str("connection_id", c.ID.String()).Str("provider", c.ProviderID).Msg("connection created")
		return c, nil
	}
	return nil, ErrActiveExists
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Connection, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Connection, int, error) {
	return s.repo.List(ctx, activeOnly, limit, offset)
}

// ListActive returns every active connection.
func (s *Service) ListActive(ctx context.Context) ([]*Connection, error) {
	items, _, err := s.repo.List(ctx, true, 0, 0)
	return items, err
}

// Deactivate marks a connection inactive and drops its tokens. Deactivating an
// inactive connection is a no-op.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID, reason string) (*Connection, error) {
	changed := false
	c, err := UpdateWithRetry(ctx, s.repo, id, func(c *Connection) error {
		changed = c.Active
		c.Active = false
		c.DeactivatedReason = reason
		c.AccessToken = ""
		c.RefreshToken = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Warn().Str("connection_id", id.String()).Str("reason", reason).Msg("connection deactivated")
		s.notifier.Notify(ctx, webhook.NewEvent(webhook.EventConnectionDeactivated, id.String(),
			map[string]string{"reason": reason, "provider_id": c.ProviderID}))
	}
	return c, nil
}

// RecordSync sets LastSyncAt. It never moves LastSyncAt backwards.
func (s *Service) RecordSync(ctx context.Context, id uuid.UUID, at time.Time) (*Connection, error) {
	at = at.UTC()
	return UpdateWithRetry(ctx, s.repo, id, func(c *Connection) error {
		if c.LastSyncAt == nil || at.After(*c.LastSyncAt) {
			c.LastSyncAt = &at
		}
		return nil
	})
}
