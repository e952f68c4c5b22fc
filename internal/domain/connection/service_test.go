package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsync/internal/platform/webhook"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []webhook.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev webhook.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func newTestService() (*Service, *MemoryRepo, *recordingNotifier) {
	repo := NewMemoryRepo()
	n := &recordingNotifier{}
	return NewService(repo, n, zerolog.Nop()), repo, n
}

func testGrant() Grant {
	return Grant{
		ProviderID:   "epic",
		BaseURL:      "https://fhir.epic.test/R4",
		PatientID:    "pat-1",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		Scope:        "patient/*.read offline_access",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func TestService_Register_Creates(t *testing.T) {
	svc, _, _ := newTestService()
	c, err := svc.Register(context.Background(), testGrant())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ID == uuid.Nil || !c.Active || c.Version != 1 {
		t.Errorf("unexpected connection %+v", c)
	}
	if c.TokenType != "Bearer" {
		t.Errorf("expected default token type, got %q", c.TokenType)
	}
}

func TestService_Register_ReauthorizesExisting(t *testing.T) {
	svc, repo, _ := newTestService()
	first, _ := svc.Register(context.Background(), testGrant())

	g := testGrant()
	g.AccessToken = "at-2"
	g.RefreshToken = ""
	second, err := svc.Register(context.Background(), g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("expected the existing active connection to be reused")
	}
	stored, _ := repo.GetByID(context.Background(), first.ID)
	if stored.AccessToken != "at-2" || stored.RefreshToken != "rt-1" {
		t.Errorf("expected new access token and kept refresh token, got %q %q", stored.AccessToken, stored.RefreshToken)
	}
	_, total, _ := repo.List(context.Background(), false, 0, 0)
	if total != 1 {
		t.Errorf("expected exactly one connection, got %d", total)
	}
}

func TestService_Register_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	g := testGrant()
	g.PatientID = ""
	if _, err := svc.Register(context.Background(), g); err == nil {
		t.Error("expected error for missing patient")
	}
}

func TestService_Deactivate(t *testing.T) {
	svc, _, n := newTestService()
	c, _ := svc.Register(context.Background(), testGrant())

	out, err := svc.Deactivate(context.Background(), c.ID, ReasonRevoked)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Active || out.AccessToken != "" || out.DeactivatedReason != ReasonRevoked {
		t.Errorf("unexpected deactivated connection %+v", out)
	}
	if len(n.events) != 1 || n.events[0].Type != webhook.EventConnectionDeactivated {
		t.Errorf("expected one deactivation event, got %+v", n.events)
	}

	if _, err := svc.Deactivate(context.Background(), c.ID, ReasonRevoked); err != nil {
		t.Fatalf("unexpected error on second deactivate: %v", err)
	}
	if len(n.events) != 1 {
		t.Error("second deactivate must not emit another event")
	}

	// a new authorization creates a fresh connection
	again, err := svc.Register(context.Background(), testGrant())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.ID == c.ID {
		t.Error("expected a new connection after deactivation")
	}
}

func TestService_RecordSync_Monotonic(t *testing.T) {
	svc, _, _ := newTestService()
	c, _ := svc.Register(context.Background(), testGrant())
	later := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	if _, err := svc.RecordSync(context.Background(), c.ID, later); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := svc.RecordSync(context.Background(), c.ID, later.Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.LastSyncAt.Equal(later) {
		t.Errorf("expected LastSyncAt to stay %v, got %v", later, out.LastSyncAt)
	}
}

func TestMemoryRepo_CompareAndSwap(t *testing.T) {
	repo := NewMemoryRepo()
	c := &Connection{ProviderID: "p", PatientID: "x", Active: true}
	if err := repo.Create(context.Background(), c); err != nil {
		t.Fatalf("create: %v", err)
	}
	a, _ := repo.GetByID(context.Background(), c.ID)
	b, _ := repo.GetByID(context.Background(), c.ID)

	a.AccessToken = "from-refresh"
	if err := repo.Update(context.Background(), a); err != nil {
		t.Fatalf("first update: %v", err)
	}
	b.LastSyncAt = &time.Time{}
	if err := repo.Update(context.Background(), b); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestMemoryRepo_OneActivePerPatient(t *testing.T) {
	repo := NewMemoryRepo()
	if err := repo.Create(context.Background(), &Connection{ProviderID: "p", PatientID: "x", Active: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := repo.Create(context.Background(), &Connection{ProviderID: "p", PatientID: "x", Active: true})
	if !errors.Is(err, ErrActiveExists) {
		t.Fatalf("expected ErrActiveExists, got %v", err)
	}
	if err := repo.Create(context.Background(), &Connection{ProviderID: "p", PatientID: "y", Active: true}); err != nil {
		t.Errorf("other patient should be allowed: %v", err)
	}
}

func TestUpdateWithRetry_ReappliesOnConflict(t *testing.T) {
	repo := NewMemoryRepo()
	c := &Connection{ProviderID: "p", PatientID: "x", Active: true}
	repo.Create(context.Background(), c)

	calls := 0
	out, err := UpdateWithRetry(context.Background(), repo, c.ID, func(cur *Connection) error {
		calls++
		if calls == 1 {
			// a concurrent writer bumps the version between load and write
			other, _ := repo.GetByID(context.Background(), c.ID)
			other.Scope = "concurrent"
			repo.Update(context.Background(), other)
		}
		cur.AccessToken = "mine"
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected mutate to run twice, ran %d times", calls)
	}
	if out.Scope != "concurrent" || out.AccessToken != "mine" {
		t.Errorf("expected both writes preserved, got scope=%q token=%q", out.Scope, out.AccessToken)
	}
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &Connection{AccessToken: "x", ExpiresAt: now.Add(30 * time.Second)}
	if !c.NeedsRefresh(now, time.Minute) {
		t.Error("expected refresh within skew")
	}
	c.ExpiresAt = now.Add(2 * time.Minute)
	if c.NeedsRefresh(now, time.Minute) {
		t.Error("expected no refresh outside skew")
	}
	c.AccessToken = ""
	if !c.NeedsRefresh(now, time.Minute) {
		t.Error("expected refresh without access token")
	}
}
