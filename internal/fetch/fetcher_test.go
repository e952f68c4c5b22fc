package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsync/internal/domain/connection"
	"github.com/ehr/fhirsync/internal/platform/fhir"
)

type fakeTokens struct {
	mu        sync.Mutex
	token     string
	err       error
	refreshes int
}

func (f *fakeTokens) AccessToken(context.Context, uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, f.err
}

func (f *fakeTokens) Refresh(_ context.Context, _ uuid.UUID, stale string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.token = stale + "-refreshed"
	return f.token, nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestFetcher(tokens TokenSource) (*Fetcher, *sleepRecorder) {
	rec := &sleepRecorder{}
	f := New(tokens, zerolog.Nop())
	f.sleep = rec.sleep
	return f, rec
}

func testConn(baseURL string) *connection.Connection {
	return &connection.Connection{ID: uuid.New(), ProviderID: "epic", BaseURL: baseURL, PatientID: "pat-1", Active: true}
}

func conditionPage(t *testing.T, srvURL string, page, pages, perPage int) []byte {
	t.Helper()
	raws := make([]json.RawMessage, perPage)
	for i := range raws {
		raws[i] = json.RawMessage(fmt.Sprintf(`{"resourceType":"Condition","id":"c-%d-%d"}`, page, i))
	}
	next := ""
	if page < pages {
		next = fmt.Sprintf("%s/Condition?page=%d", srvURL, page+1)
	}
	b := fhir.NewSearchsetPage(raws, fhir.SearchsetPage{
		SelfURL: fmt.Sprintf("%s/Condition?page=%d", srvURL, page),
		NextURL: next,
		BaseURL: srvURL,
		Total:   pages * perPage,
	})
	out, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal bundle: %v", err)
	}
	return out
}

func TestPager_FollowsNextLinks(t *testing.T) {
	var srv *httptest.Server
	var firstQuery atomic.Value
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
		page := 1
		if p := r.URL.Query().Get("page"); p != "" {
			page, _ = strconv.Atoi(p)
		} else {
			firstQuery.Store(r.URL.Query())
		}
		w.Header().Set("Content-Type", "application/fhir+json")
		w.Write(conditionPage(t, srv.URL, page, 3, 50))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(&fakeTokens{token: "tok"})
	p := f.Pages(testConn(srv.URL), fhir.ResourceCondition, nil)

	total := 0
	pages := 0
	for {
		b, err := p.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		pages++
		total += len(b.MatchEntries())
	}
	if pages != 3 || total != 150 {
		t.Errorf("expected 3 pages / 150 resources, got %d / %d", pages, total)
	}
	q := firstQuery.Load().(url.Values)
	if q["patient"][0] != "pat-1" || q["_count"][0] != "50" {
		t.Errorf("unexpected first query %v", q)
	}
	if _, ok := q["_lastUpdated"]; ok {
		t.Error("full fetch must not send _lastUpdated")
	}
	if c := p.Cursor(); !c.Done || c.Pages != 3 {
		t.Errorf("unexpected cursor %+v", c)
	}
	if _, err := p.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after last page, got %v", err)
	}
}

func TestPager_IncrementalAndPatientQuery(t *testing.T) {
	since := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.URL.Path + "?" + r.URL.RawQuery)
		w.Write([]byte(`{"resourceType":"Bundle","type":"searchset"}`))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(&fakeTokens{token: "tok"})
	if _, err := f.Pages(testConn(srv.URL), fhir.ResourcePatient, &since).Next(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "/Patient?_count=50&_id=pat-1&_lastUpdated=gt2024-03-01T12%3A00%3A00Z"
	if got.Load().(string) != want {
		t.Errorf("unexpected request %q, want %q", got.Load(), want)
	}
}

func TestPager_Resume(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "2" {
			t.Errorf("expected resume at page 2, got %q", r.URL.RawQuery)
		}
		w.Write(conditionPage(t, srv.URL, 2, 2, 1))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(&fakeTokens{token: "tok"})
	p := f.Resume(testConn(srv.URL), Cursor{ResourceType: fhir.ResourceCondition, NextURL: srv.URL + "/Condition?page=2", Pages: 1})
	if _, err := p.Next(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c := p.Cursor(); c.Pages != 2 || !c.Done {
		t.Errorf("unexpected cursor %+v", c)
	}
}

func TestGet_RetriesAfter429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"resourceType":"Bundle","type":"searchset"}`))
	}))
	defer srv.Close()

	f, rec := newTestFetcher(&fakeTokens{token: "tok"})
	if _, err := f.Pages(testConn(srv.URL), fhir.ResourceCondition, nil).Next(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
	if len(rec.delays) != 1 || rec.delays[0] != 2*time.Second {
		t.Errorf("expected a single 2s Retry-After wait, got %v", rec.delays)
	}
}

func TestGet_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f, rec := newTestFetcher(&fakeTokens{token: "tok"})
	_, err := f.Pages(testConn(srv.URL), fhir.ResourceObservation, nil).Next(context.Background())
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if errors.Is(err, ErrRateLimited) {
		t.Error("5xx exhaustion is not rate limiting")
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Attempts != 5 || fe.StatusCode != http.StatusBadGateway || fe.ResourceType != fhir.ResourceObservation {
		t.Errorf("unexpected error detail %+v", fe)
	}
	if calls.Load() != 5 || len(rec.delays) != 4 {
		t.Errorf("expected 5 calls and 4 waits, got %d and %d", calls.Load(), len(rec.delays))
	}
	for i, d := range rec.delays {
		if d > 30*time.Second {
			t.Errorf("wait %d exceeds cap: %v", i, d)
		}
	}
}

func TestGet_RateLimitedExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(&fakeTokens{token: "tok"})
	_, err := f.Pages(testConn(srv.URL), fhir.ResourceCondition, nil).Next(context.Background())
	if !errors.Is(err, ErrRateLimited) || !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrRateLimited and ErrFetchFailed, got %v", err)
	}
}

func TestGet_NotFoundFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"not-found","diagnostics":"unknown resource type"}]}`))
	}))
	defer srv.Close()

	f, rec := newTestFetcher(&fakeTokens{token: "tok"})
	_, err := f.Pages(testConn(srv.URL), fhir.ResourceImmunization, nil).Next(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) || fe.StatusCode != http.StatusNotFound || fe.Attempts != 1 {
		t.Fatalf("expected immediate 404 FetchError, got %v", err)
	}
	if calls.Load() != 1 || len(rec.delays) != 0 {
		t.Errorf("expected no retries, got %d calls", calls.Load())
	}
}

func TestGet_UnauthorizedRefreshesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-refreshed" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"resourceType":"Bundle","type":"searchset"}`))
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "tok"}
	f, _ := newTestFetcher(tokens)
	if _, err := f.Pages(testConn(srv.URL), fhir.ResourceCondition, nil).Next(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokens.refreshes != 1 || calls.Load() != 2 {
		t.Errorf("expected 1 refresh and 2 calls, got %d and %d", tokens.refreshes, calls.Load())
	}
}

func TestGet_RepeatedUnauthorizedFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "tok"}
	f, _ := newTestFetcher(tokens)
	_, err := f.Pages(testConn(srv.URL), fhir.ResourceCondition, nil).Next(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) || fe.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 FetchError, got %v", err)
	}
	if tokens.refreshes != 1 {
		t.Errorf("expected a single refresh, got %d", tokens.refreshes)
	}
}

func TestGet_TokenErrorPassesThrough(t *testing.T) {
	authExpired := errors.New("authorization expired")
	f, _ := newTestFetcher(&fakeTokens{err: authExpired})
	_, err := f.Pages(testConn("http://127.0.0.1:1"), fhir.ResourceCondition, nil).Next(context.Background())
	if !errors.Is(err, authExpired) {
		t.Fatalf("expected token error, got %v", err)
	}
	if errors.Is(err, ErrFetchFailed) {
		t.Error("token errors must not be reported as fetch failures")
	}
}

func TestGet_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := New(&fakeTokens{token: "tok"}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Pages(testConn(srv.URL), fhir.ResourceCondition, nil).Next(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGet_InvalidBundle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"processing"}]}`))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(&fakeTokens{token: "tok"})
	_, err := f.Pages(testConn(srv.URL), fhir.ResourceCondition, nil).Next(context.Background())
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed for a non-Bundle body, got %v", err)
	}
}

func TestBackoff_FullJitterWithinCap(t *testing.T) {
	p := DefaultPolicy()
	for retry := 0; retry < 10; retry++ {
		ceiling := p.BaseDelay << retry
		if ceiling > p.MaxDelay || ceiling <= 0 {
			ceiling = p.MaxDelay
		}
		for i := 0; i < 20; i++ {
			if d := p.backoff(retry); d < 0 || d > ceiling {
				t.Fatalf("backoff(%d) = %v outside [0, %v]", retry, d, ceiling)
			}
		}
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := http.Header{}
	if retryAfter(h, now) != 0 {
		t.Error("expected 0 without header")
	}
	h.Set("Retry-After", "7")
	if retryAfter(h, now) != 7*time.Second {
		t.Errorf("unexpected seconds value %v", retryAfter(h, now))
	}
	h.Set("Retry-After", now.Add(90*time.Second).Format(http.TimeFormat))
	if retryAfter(h, now) != 90*time.Second {
		t.Errorf("unexpected date value %v", retryAfter(h, now))
	}
	h.Set("Retry-After", "soon")
	if retryAfter(h, now) != 0 {
		t.Error("expected 0 for garbage")
	}
}
