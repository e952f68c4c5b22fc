// Package token keeps connection access tokens valid. Refreshes are
// coalesced per connection so concurrent callers share one token request.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/fhirsync/internal/domain/connection"
	"github.com/ehr/fhirsync/internal/platform/fhir"
	"github.com/ehr/fhirsync/internal/provider"
)

var (
	// ErrAuthExpired means the connection can no longer obtain tokens and the
	// user must re-authorize.
	ErrAuthExpired = errors.New("authorization expired")
	// ErrConnectionInactive means the connection was deactivated (revoked or
	// expired) before the call.
	ErrConnectionInactive = errors.New("connection is inactive")
	// ErrRefreshFailed wraps a refresh that failed for a reason other than a
	// rejected grant; the connection stays active and a later call retries.
	ErrRefreshFailed = errors.New("token refresh failed")
)

const (
	defaultSkew    = 60 * time.Second
	refreshTimeout = 30 * time.Second
)

// Providers resolves provider configuration by id.
type Providers interface {
	Get(id string) (*provider.Config, error)
}

type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithSkew sets how long before expiry a token is proactively refreshed.
func WithSkew(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.skew = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type Manager struct {
	conns     *connection.Service
	providers Providers
	client    *http.Client
	skew      time.Duration
	now       func() time.Time
	group     singleflight.Group
	logger    zerolog.Logger
}

func NewManager(conns *connection.Service, providers Providers, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		conns:     conns,
		providers: providers,
		client:    &http.Client{Timeout: refreshTimeout},
		skew:      defaultSkew,
		now:       time.Now,
		logger:    logger.With().Str("component", "token").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AccessToken returns a usable access token for the connection, refreshing
// it first when it expires within the configured skew.
func (m *Manager) AccessToken(ctx context.Context, id uuid.UUID) (string, error) {
	c, err := m.conns.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !c.Active {
		return "", fmt.Errorf("connection %s: %w", id, ErrConnectionInactive)
	}
	if !c.NeedsRefresh(m.now(), m.skew) {
		return c.AccessToken, nil
	}
	return m.shared(ctx, id, "")
}

// Refresh forces a refresh after the server rejected staleToken. If another
// caller already replaced staleToken, the newer token is returned without a
// second request.
func (m *Manager) Refresh(ctx context.Context, id uuid.UUID, staleToken string) (string, error) {
	return m.shared(ctx, id, staleToken)
}

// shared runs one refresh per connection at a time. The refresh is detached
// from the caller's cancellation so an abandoned caller cannot leave the
// rotated refresh token unsaved.
func (m *Manager) shared(ctx context.Context, id uuid.UUID, staleToken string) (string, error) {
	ch := m.group.DoChan(id.String(), func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(rctx, id, staleToken)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) refresh(ctx context.Context, id uuid.UUID, staleToken string) (string, error) {
	// Reload: a flight that finished just before this one may already have
	// stored a fresh token.
	c, err := m.conns.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !c.Active {
		return "", fmt.Errorf("connection %s: %w", id, ErrConnectionInactive)
	}
	fresh := !c.NeedsRefresh(m.now(), m.skew)
	if fresh && (staleToken == "" || c.AccessToken != staleToken) {
		return c.AccessToken, nil
	}
	if c.RefreshToken == "" {
		return "", fmt.Errorf("connection %s has no refresh token: %w", id, ErrAuthExpired)
	}

	cfg, err := m.providers.Get(c.ProviderID)
	if err != nil {
		return "", fmt.Errorf("connection %s: %w", id, err)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", c.RefreshToken)

	start := m.now()
	tr, err := m.requestToken(ctx, cfg, form)
	if err != nil {
		var oerr *OAuthError
		if errors.As(err, &oerr) && oerr.Revoked() {
			m.logger.Warn().Str("connection_id", id.String()).Str("error", oerr.Code).Msg("refresh token rejected")
			if _, derr := m.conns.Deactivate(ctx, id, connection.ReasonInvalidGrant); derr != nil {
				m.logger.Error().Err(derr).Str("connection_id", id.String()).Msg("failed to deactivate connection")
			}
			return "", fmt.Errorf("connection %s: %w: %w", id, ErrAuthExpired, oerr)
		}
		return "", fmt.Errorf("connection %s: %w: %w", id, ErrRefreshFailed, err)
	}

	updated, err := connection.UpdateWithRetry(ctx, m.conns.Repo(), id, func(c *connection.Connection) error {
		if !c.Active {
			return fmt.Errorf("connection %s: %w", id, ErrConnectionInactive)
		}
		c.AccessToken = tr.AccessToken
		if tr.RefreshToken != "" {
			c.RefreshToken = tr.RefreshToken
		}
		c.TokenType = tr.TokenType
		c.ExpiresAt = tr.ExpiresAt(start)
		if tr.Scope != "" {
			c.Scope = tr.Scope
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	m.logger.Info().
		Str("connection_id", id.String()).
		Bool("rotated", tr.RefreshToken != "").
		Time("expires_at", updated.ExpiresAt).
		Msg("access token refreshed")
	return updated.AccessToken, nil
}

// Exchange completes a SMART authorization code grant. The patient in
// context comes from the token response's patient field, or from the
// fhirUser claim of the id_token when the server omits it.
func (m *Manager) Exchange(ctx context.Context, providerID, code, redirectURI, codeVerifier string) (*connection.Grant, error) {
	cfg, err := m.providers.Get(providerID)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	if redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}

	start := m.now()
	tr, err := m.requestToken(ctx, cfg, form)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	patientID := tr.Patient
	if patientID == "" && tr.IDToken != "" {
		patientID, err = patientFromIDToken(tr.IDToken)
		if err != nil {
			return nil, err
		}
	}
	if patientID == "" {
		return nil, fmt.Errorf("token response carries no patient context")
	}

	return &connection.Grant{
		ProviderID:   cfg.ID,
		BaseURL:      cfg.BaseURL,
		PatientID:    patientID,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
		ExpiresAt:    tr.ExpiresAt(start),
	}, nil
}

// patientFromIDToken reads the fhirUser claim. The id_token was received
// directly from the token endpoint over TLS, so its signature is not checked.
func patientFromIDToken(idToken string) (string, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	tok, _, err := parser.ParseUnverified(idToken, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("parsing id_token: %w", err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid id_token claims")
	}
	fhirUser, _ := claims["fhirUser"].(string)
	if fhirUser == "" {
		return "", nil
	}
	rt, id, ok := fhir.ParseReference(fhirUser)
	if !ok || rt != string(fhir.ResourcePatient) {
		return "", nil
	}
	return id, nil
}
