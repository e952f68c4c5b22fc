package record

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func fhirRecord(conn uuid.UUID, ref string) *Record {
	r := &Record{
		ConnectionID:  conn,
		Kind:          KindCondition,
		ResourceType:  "Condition",
		FHIRReference: ref,
		Source:        SourceFHIR,
	}
	r.SetData(Condition{Name: "Asthma"})
	return r
}

func TestValidate_FHIRRequiresReference(t *testing.T) {
	r := fhirRecord(uuid.New(), "")
	if err := r.Validate(); !errors.Is(err, ErrMissingReference) {
		t.Fatalf("expected ErrMissingReference, got %v", err)
	}
	r.Source = SourceManual
	if err := r.Validate(); err != nil {
		t.Errorf("manual records do not need a reference: %v", err)
	}
	r.Kind = "diary"
	if err := r.Validate(); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestMemoryStore_UpsertIsKeyed(t *testing.T) {
	s := NewMemoryStore()
	conn := uuid.New()

	first := fhirRecord(conn, "cond-1")
	created, err := s.Upsert(context.Background(), first)
	if err != nil || !created {
		t.Fatalf("expected create, got created=%v err=%v", created, err)
	}

	second := fhirRecord(conn, "cond-1")
	second.SetData(Condition{Name: "Asthma, mild"})
	created, err = s.Upsert(context.Background(), second)
	if err != nil || created {
		t.Fatalf("expected update, got created=%v err=%v", created, err)
	}
	if second.ID != first.ID || second.VersionID != 2 {
		t.Errorf("expected same ID and version 2, got %s v%d", second.ID, second.VersionID)
	}

	_, total, _ := s.List(context.Background(), Filter{ConnectionID: conn}, 0, 0)
	if total != 1 {
		t.Errorf("expected 1 record, got %d", total)
	}

	// same reference under another resource type is a different record
	obs := fhirRecord(conn, "cond-1")
	obs.ResourceType = "Observation"
	obs.Kind = KindLabResult
	if created, _ := s.Upsert(context.Background(), obs); !created {
		t.Error("expected separate record for another resource type")
	}
}

func TestMemoryStore_GetByKeyAndStale(t *testing.T) {
	s := NewMemoryStore()
	r := fhirRecord(uuid.New(), "c9")
	s.Upsert(context.Background(), r)

	got, err := s.GetByKey(context.Background(), r.Key())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SetStale(context.Background(), got.ID, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stale := true
	items, _, _ := s.List(context.Background(), Filter{Stale: &stale}, 0, 0)
	if len(items) != 1 {
		t.Errorf("expected 1 stale record, got %d", len(items))
	}
	if _, err := s.GetByKey(context.Background(), Key{ConnectionID: uuid.New(), ResourceType: "Condition", FHIRReference: "c9"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	r := fhirRecord(uuid.New(), "c1")
	s.Upsert(context.Background(), r)
	got, _ := s.Get(context.Background(), r.ID)
	got.Stale = true
	again, _ := s.Get(context.Background(), r.ID)
	if again.Stale {
		t.Error("mutating a returned record must not change the store")
	}
}

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	s := NewMemoryStore()
	conn := uuid.New()
	r := fhirRecord(conn, "c1")
	s.Upsert(context.Background(), r)

	stale, _ := s.GetByKey(context.Background(), r.Key())
	fresh, _ := s.Get(context.Background(), r.ID)
	fresh.SetData(Condition{Name: "Asthma (edited)"})
	if err := s.Update(context.Background(), fresh); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stale.SetData(Condition{Name: "Asthma, severe"})
	if err := s.Update(context.Background(), stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("Update: expected ErrVersionConflict, got %v", err)
	}
	if _, err := s.Upsert(context.Background(), stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("Upsert: expected ErrVersionConflict, got %v", err)
	}
	got, _ := s.Get(context.Background(), r.ID)
	if c, _ := DecodeData[Condition](got); c.Name != "Asthma (edited)" {
		t.Errorf("expected the first writer to win, got %q", c.Name)
	}

	// Records without a version are written unconditionally.
	blind := fhirRecord(conn, "c1")
	if _, err := s.Upsert(context.Background(), blind); err != nil {
		t.Errorf("unversioned upsert: %v", err)
	}
}

func TestService_EditLocally(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, zerolog.Nop())
	fixed := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	r := fhirRecord(uuid.New(), "c1")
	store.Upsert(context.Background(), r)

	out, err := svc.EditLocally(context.Background(), r.ID, json.RawMessage(`{"name":"Asthma (edited)"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.UpdatedLocally == nil || !out.UpdatedLocally.Equal(fixed) {
		t.Errorf("expected UpdatedLocally %v, got %v", fixed, out.UpdatedLocally)
	}
	cond, err := DecodeData[Condition](out)
	if err != nil || cond.Name != "Asthma (edited)" {
		t.Errorf("unexpected payload %+v %v", cond, err)
	}
	if !out.EditedSince(&time.Time{}) {
		t.Error("expected edit to count after zero time")
	}
	later := fixed.Add(time.Hour)
	if out.EditedSince(&later) {
		t.Error("edit must not count after a later sync")
	}

	if _, err := svc.EditLocally(context.Background(), r.ID, json.RawMessage(`{bad`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestService_CreateManual_RejectsFHIRSource(t *testing.T) {
	svc := NewService(NewMemoryStore(), zerolog.Nop())
	r := fhirRecord(uuid.New(), "c1")
	if err := svc.CreateManual(context.Background(), r); err == nil {
		t.Error("expected error creating a fhir-sourced record manually")
	}
}

func TestHandler_CreateAndEdit(t *testing.T) {
	svc := NewService(NewMemoryStore(), zerolog.Nop())
	h := NewHandler(svc)
	e := echo.New()

	body := `{"kind":"allergy","data":{"substance":"Peanut"}}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.Create(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created Record
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.Source != SourceManual {
		t.Errorf("expected manual source, got %q", created.Source)
	}

	req = httptest.NewRequest(http.MethodPatch, "/", strings.NewReader(`{"data":{"substance":"Tree nut"}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(created.ID.String())
	if err := h.Edit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "Tree nut") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_List_InvalidConnection(t *testing.T) {
	h := NewHandler(NewService(NewMemoryStore(), zerolog.Nop()))
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?connection_id=nope", nil), httptest.NewRecorder())
	if err := h.List(c); err == nil {
		t.Error("expected error for invalid connection_id")
	}
}
