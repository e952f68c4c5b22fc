// Package fetch pages through FHIR searchset results for one connection,
// retrying transient failures and refreshing the access token once when the
// server rejects it.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsync/internal/domain/connection"
	"github.com/ehr/fhirsync/internal/platform/fhir"
	"github.com/ehr/fhirsync/internal/platform/ratelimit"
)

const (
	defaultPageSize = 50
	defaultTimeout  = 30 * time.Second
	maxBodyBytes    = 64 << 20
)

// TokenSource supplies bearer tokens for a connection. Errors it returns
// (expired authorization, inactive connection) are passed through unchanged.
type TokenSource interface {
	AccessToken(ctx context.Context, connectionID uuid.UUID) (string, error)
	Refresh(ctx context.Context, connectionID uuid.UUID, staleToken string) (string, error)
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

func WithLimiter(l ratelimit.Limiter) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.limiter = l
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(f *Fetcher) {
		if p.MaxAttempts > 0 {
			f.policy = p
		}
	}
}

func WithPageSize(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.pageSize = n
		}
	}
}

// WithTimeout bounds each HTTP call. A timed out call is retried.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

type Fetcher struct {
	tokens   TokenSource
	limiter  ratelimit.Limiter
	client   *http.Client
	policy   Policy
	pageSize int
	timeout  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	logger   zerolog.Logger
}

func New(tokens TokenSource, logger zerolog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		tokens:   tokens,
		limiter:  ratelimit.Noop{},
		client:   &http.Client{},
		policy:   DefaultPolicy(),
		pageSize: defaultPageSize,
		timeout:  defaultTimeout,
		sleep:    sleepContext,
		now:      time.Now,
		logger:   logger.With().Str("component", "fetch").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Cursor is the resumable position of a Pager. It is safe to persist.
type Cursor struct {
	ResourceType fhir.ResourceType `json:"resource_type"`
	Since        *time.Time        `json:"since,omitempty"`
	PageSize     int               `json:"page_size,omitempty"`
	NextURL      string            `json:"next_url,omitempty"`
	Pages        int               `json:"pages"`
	Done         bool              `json:"done,omitempty"`
}

// Pager yields the pages of one search. It is not safe for concurrent use.
type Pager struct {
	f      *Fetcher
	conn   *connection.Connection
	cursor Cursor
}

// Pages starts a search for rt scoped to the connection's patient. A non-nil
// since restricts it to resources updated after that instant.
func (f *Fetcher) Pages(conn *connection.Connection, rt fhir.ResourceType, since *time.Time) *Pager {
	return f.Resume(conn, Cursor{ResourceType: rt, Since: since})
}

// Resume continues a search from a persisted cursor. A cursor without a next
// URL restarts from the first page.
func (f *Fetcher) Resume(conn *connection.Connection, cursor Cursor) *Pager {
	if cursor.PageSize <= 0 {
		cursor.PageSize = f.pageSize
	}
	return &Pager{f: f, conn: conn, cursor: cursor}
}

func (p *Pager) Cursor() Cursor {
	c := p.cursor
	if c.Since != nil {
		t := *c.Since
		c.Since = &t
	}
	return c
}

// Next fetches the next page. It returns io.EOF once the last page has been
// returned.
func (p *Pager) Next(ctx context.Context) (*fhir.Bundle, error) {
	if p.cursor.Done {
		return nil, io.EOF
	}
	u := p.cursor.NextURL
	if u == "" {
		u = p.firstURL()
	}

	body, err := p.f.get(ctx, p.conn, p.cursor.ResourceType, u)
	if err != nil {
		return nil, err
	}
	b, err := fhir.DecodeBundle(body)
	if err != nil {
		return nil, &FetchError{ResourceType: p.cursor.ResourceType, URL: u, Attempts: 1, Err: err}
	}

	p.cursor.Pages++
	next := b.NextURL()
	if next == "" || next == u {
		p.cursor.Done = true
		p.cursor.NextURL = ""
	} else {
		p.cursor.NextURL = next
	}

	p.f.logger.Debug().
		Str("connection_id", p.conn.ID.String()).
		Str("resource_type", string(p.cursor.ResourceType)).
		Int("page", p.cursor.Pages).
		Int("entries", len(b.Entry)).
		Bool("last", p.cursor.Done).
		Msg("page fetched")
	return b, nil
}

func (p *Pager) firstURL() string {
	rt := p.cursor.ResourceType
	q := url.Values{}
	q.Set(rt.PatientSearchParam(), p.conn.PatientID)
	q.Set("_count", strconv.Itoa(p.cursor.PageSize))
	if p.cursor.Since != nil {
		q.Set("_lastUpdated", "gt"+fhir.FormatInstant(*p.cursor.Since))
	}
	return fmt.Sprintf("%s/%s?%s", p.conn.BaseURL, rt, q.Encode())
}

// get performs one logical page request. Network errors, timeouts, 429 and
// 5xx are retried with backoff; a 401 triggers a single token refresh that
// does not count as an attempt. Context cancellation is returned as-is.
func (f *Fetcher) get(ctx context.Context, conn *connection.Connection, rt fhir.ResourceType, u string) ([]byte, error) {
	key := limiterKey(conn.BaseURL)
	refreshed := false
	var lastErr error
	lastStatus := 0

	for attempt := 1; attempt <= f.policy.MaxAttempts; {
		if err := f.limiter.Wait(ctx, key); err != nil {
			return nil, err
		}
		token, err := f.tokens.AccessToken(ctx, conn.ID)
		if err != nil {
			return nil, err
		}

		status, header, body, err := f.do(ctx, u, token)
		var delay time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr, lastStatus = err, 0
		case status >= 200 && status < 300:
			return body, nil
		case status == http.StatusUnauthorized && !refreshed:
			refreshed = true
			f.logger.Info().Str("connection_id", conn.ID.String()).Msg("access token rejected, refreshing")
			if _, err := f.tokens.Refresh(ctx, conn.ID, token); err != nil {
				return nil, err
			}
			continue
		case retryableStatus(status):
			lastErr, lastStatus = statusError(status, body), status
			if status == http.StatusTooManyRequests {
				delay = retryAfter(header, f.now())
				if delay > f.policy.MaxRetryAfter {
					delay = f.policy.MaxRetryAfter
				}
			}
		default:
			return nil, &FetchError{ResourceType: rt, URL: u, StatusCode: status, Attempts: attempt, Err: statusError(status, body)}
		}

		if attempt == f.policy.MaxAttempts {
			break
		}
		if delay == 0 {
			delay = f.policy.backoff(attempt - 1)
		}
		f.logger.Warn().
			Err(lastErr).
			Str("connection_id", conn.ID.String()).
			Str("resource_type", string(rt)).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("page request failed, retrying")
		if err := f.sleep(ctx, delay); err != nil {
			return nil, err
		}
		attempt++
	}

	return nil, &FetchError{ResourceType: rt, URL: u, StatusCode: lastStatus, Attempts: f.policy.MaxAttempts, Err: lastErr}
}

func (f *Fetcher) do(ctx context.Context, u, token string) (int, http.Header, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

func limiterKey(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return baseURL
	}
	return u.Host
}
