package connection

import (
	"time"

	"github.com/google/uuid"
)

// Connection is one authorized link to a remote FHIR server for one patient.
// Tokens are never serialized to API clients.
type Connection struct {
	ID                uuid.UUID  `json:"id"`
	ProviderID        string     `json:"provider_id"`
	BaseURL           string     `json:"base_url"`
	PatientID         string     `json:"patient_id"`
	AccessToken       string     `json:"-"`
	RefreshToken      string     `json:"-"`
	TokenType         string     `json:"token_type"`
	ExpiresAt         time.Time  `json:"expires_at"`
	Scope             string     `json:"scope,omitempty"`
	Active            bool       `json:"active"`
	DeactivatedReason string     `json:"deactivated_reason,omitempty"`
	LastSyncAt        *time.Time `json:"last_sync_at,omitempty"`
	Version           int64      `json:"version"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// NeedsRefresh reports whether the access token expires within skew of now.
func (c *Connection) NeedsRefresh(now time.Time, skew time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt.Add(-skew))
}

func (c *Connection) Clone() *Connection {
	cp := *c
	if c.LastSyncAt != nil {
		t := *c.LastSyncAt
		cp.LastSyncAt = &t
	}
	return &cp
}

// Grant is the outcome of a successful authorization: everything needed to
// create or re-authorize a Connection.
type Grant struct {
	ProviderID   string
	BaseURL      string
	PatientID    string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
}

func (g Grant) apply(c *Connection) {
	c.AccessToken = g.AccessToken
	if g.RefreshToken != "" {
		c.RefreshToken = g.RefreshToken
	}
	c.TokenType = g.TokenType
	if c.TokenType == "" {
		c.TokenType = "Bearer"
	}
	c.Scope = g.Scope
	c.ExpiresAt = g.ExpiresAt
	if g.BaseURL != "" {
		c.BaseURL = g.BaseURL
	}
}
