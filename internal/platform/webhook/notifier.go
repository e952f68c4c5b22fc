// Package webhook delivers sync lifecycle events to an external endpoint.
// Payloads are signed with HMAC-SHA256 and failed deliveries are retried.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types emitted by the sync engine.
const (
	EventImportCompleted       = "import.completed"
	EventImportFailed          = "import.failed"
	EventImportCancelled       = "import.cancelled"
	EventConnectionDeactivated = "connection.deactivated"
)

// ---------------------------------------------------------------------------
// Domain structs
// ---------------------------------------------------------------------------

// Event is one notification.
type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	ConnectionID string          `json:"connection_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// NewEvent builds an event, marshalling payload.
func NewEvent(eventType, connectionID string, payload interface{}) Event {
	ev := Event{
		ID:           uuid.New().String(),
		Type:         eventType,
		ConnectionID: connectionID,
		Timestamp:    time.Now().UTC(),
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Payload = b
		}
	}
	return ev
}

// DeliveryAttempt records a single delivery attempt for an event.
type DeliveryAttempt struct {
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration_ns"`
	Attempt    int           `json:"attempt"`
	Status     string        `json:"status"` // "success", "failed"
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Notifier is implemented by Client and Nop.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// eventMatches returns true if the event type matches a subscription pattern.
// Patterns can be exact ("import.completed") or wildcard ("import.*", "*.failed").
func eventMatches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(eventType, pattern[1:])
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRetryDelays sets the waits between attempts. len(delays)+1 attempts are
// made in total.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(cl *Client) { cl.retryDelays = delays }
}

// WithEvents restricts delivery to matching event types.
func WithEvents(patterns ...string) Option {
	return func(cl *Client) { cl.events = patterns }
}

// Client posts events to one endpoint. Notify is asynchronous; Close waits for
// in-flight deliveries.
type Client struct {
	url         string
	secret      string
	events      []string
	httpClient  *http.Client
	retryDelays []time.Duration
	logger      zerolog.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	attempts []DeliveryAttempt
}

// NewClient validates endpoint and returns a Client.
func NewClient(endpoint, secret string, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if err := validateURL(endpoint); err != nil {
		return nil, err
	}
	c := &Client{
		url:         endpoint,
		secret:      secret,
		events:      []string{"*"},
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 10 * time.Second, time.Minute},
		logger:      logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

func (c *Client) subscribed(eventType string) bool {
	for _, p := range c.events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

// Notify delivers ev in the background. Delivery outlives ctx cancellation.
func (c *Client) Notify(ctx context.Context, ev Event) {
	if !c.subscribed(ev.Type) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Deliver(context.WithoutCancel(ctx), ev)
	}()
}

// Close waits for background deliveries.
func (c *Client) Close() {
	c.wg.Wait()
}

// Deliver sends ev, retrying on transport errors and non-2xx responses.
// It returns the last attempt.
func (c *Client) Deliver(ctx context.Context, ev Event) DeliveryAttempt {
	payload, _ := json.Marshal(ev)
	var last DeliveryAttempt
	for i := 0; ; i++ {
		last = c.send(ctx, ev, payload, i+1)
		c.record(last)
		if last.Status == "success" {
			return last
		}
		if i >= len(c.retryDelays) {
			break
		}
		select {
		case <-ctx.Done():
			return last
		case <-time.After(c.retryDelays[i]):
		}
	}
	c.logger.Warn().Str("event_id", ev.ID).Str("event_type", ev.Type).
		Int("attempts", last.Attempt).Str("error", last.Error).Msg("webhook delivery failed")
	return last
}

func (c *Client) send(ctx context.Context, ev Event, payload []byte, attempt int) DeliveryAttempt {
	now := time.Now()
	a := DeliveryAttempt{EventID: ev.ID, EventType: ev.Type, Attempt: attempt, CreatedAt: now}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		a.Status, a.Error = "failed", err.Error()
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, c.secret))
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-Timestamp", now.UTC().Format(time.RFC3339))

	resp, err := c.httpClient.Do(req)
	a.Duration = time.Since(now)
	if err != nil {
		a.Status, a.Error = "failed", err.Error()
		return a
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	a.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		a.Status = "success"
	} else {
		a.Status = "failed"
		a.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return a
}

const maxRecordedAttempts = 200

func (c *Client) record(a DeliveryAttempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, a)
	if len(c.attempts) > maxRecordedAttempts {
		c.attempts = c.attempts[len(c.attempts)-maxRecordedAttempts:]
	}
}

// Attempts returns the most recent delivery attempts, oldest first.
func (c *Client) Attempts() []DeliveryAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DeliveryAttempt(nil), c.attempts...)
}
