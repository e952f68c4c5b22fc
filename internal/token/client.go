package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ehr/fhirsync/internal/provider"
)

const maxTokenResponseBytes = 1 << 20

// Response is an OAuth2 token endpoint response, including the SMART launch
// context fields.
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Patient      string `json:"patient,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// ExpiresAt converts ExpiresIn into an absolute time. A missing expires_in
// yields the zero time, which never triggers a proactive refresh.
func (r *Response) ExpiresAt(now time.Time) time.Time {
	if r.ExpiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(r.ExpiresIn) * time.Second).UTC()
}

// OAuthError is an error response from a token endpoint (RFC 6749 5.2).
type OAuthError struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token endpoint returned %d: %s: %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Code)
}

// Revoked reports whether the grant itself is no longer usable.
func (e *OAuthError) Revoked() bool {
	return e.Code == "invalid_grant" || e.Code == "invalid_token"
}

// requestToken posts form to the provider's token endpoint. Confidential
// clients authenticate with HTTP basic auth, public clients send client_id in
// the form.
func (m *Manager) requestToken(ctx context.Context, cfg *provider.Config, form url.Values) (*Response, error) {
	if cfg.ClientSecret == "" {
		form.Set("client_id", cfg.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(cfg.ClientID), url.QueryEscape(cfg.ClientSecret))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		oerr := &OAuthError{StatusCode: resp.StatusCode}
		if json.Unmarshal(body, oerr) != nil || oerr.Code == "" {
			oerr.Code = "http_" + fmt.Sprint(resp.StatusCode)
			oerr.Description = strings.TrimSpace(string(body))
		}
		return nil, oerr
	}

	var tr Response
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}
	if tr.TokenType == "" {
		tr.TokenType = "Bearer"
	}
	return &tr, nil
}
